package versions

import (
	"strconv"
	"strings"
	"unicode"
)

// Compare orders dotted version strings such as "2024.08.06", "v1.2.3" or
// "1.26.0-rc1". Numeric fields are compared as numbers, a missing field
// counts as zero and a pre-release suffix sorts before the plain release.
// It returns -1, 0 or 1.
func Compare(a, b string) int {
	an, ap := split(a)
	bn, bp := split(b)

	for i := 0; i < max(len(an), len(bn)); i++ {
		var x, y int
		if i < len(an) {
			x = an[i]
		}
		if i < len(bn) {
			y = bn[i]
		}
		if x < y {
			return -1
		}
		if x > y {
			return 1
		}
	}

	switch {
	case ap == bp:
		return 0
	case ap == "":
		return 1
	case bp == "":
		return -1
	case ap < bp:
		return -1
	default:
		return 1
	}
}

// Valid reports whether v carries at least one numeric field.
func Valid(v string) bool {
	n, _ := split(v)
	return len(n) > 0
}

func split(v string) ([]int, string) {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")

	var pre string
	if idx := strings.IndexAny(v, "-+ "); idx >= 0 {
		pre = v[idx+1:]
		v = v[:idx]
	}

	var nums []int
	for _, field := range strings.Split(v, ".") {
		digits := field
		if idx := strings.IndexFunc(field, func(r rune) bool { return !unicode.IsDigit(r) }); idx >= 0 {
			digits = field[:idx]
		}
		if digits == "" {
			break
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			break
		}
		nums = append(nums, n)
		if len(digits) != len(field) {
			// "3rc1" -> 3 with pre-release "rc1"
			if pre == "" {
				pre = field[len(digits):]
			}
			break
		}
	}

	return nums, pre
}
