package archiver

import (
	"net/url"
	"strings"

	"github.com/marcopiovanello/engine-dispatch/server/internal/engines"
)

// Identifier derives the archive key of a download. When the engine
// declares an archive pattern the key is "<engine> <site id>", the same
// shape yt-dlp uses for its own download archive. Otherwise the url is
// normalized so that trivially different spellings share one entry.
func Identifier(d engines.Definition, rawURL string) string {
	if key, ok := d.ArchiveKey(rawURL); ok {
		return d.Name + " " + key
	}
	return NormalizeURL(rawURL)
}

func NormalizeURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(rawURL)
	}

	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	path := strings.TrimSuffix(u.EscapedPath(), "/")

	var b strings.Builder
	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)

	if q := u.Query(); len(q) > 0 {
		// Encode sorts by key
		b.WriteString("?")
		b.WriteString(q.Encode())
	}

	return b.String()
}
