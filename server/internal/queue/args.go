package queue

import (
	"path/filepath"
	"regexp"
	"slices"

	"github.com/marcopiovanello/engine-dispatch/server/internal"
	"github.com/marcopiovanello/engine-dispatch/server/internal/engines"
)

var unsafeParam = regexp.MustCompile(`(\$\{)|(\&\&)|(\|\|)`)

// engines are never run through a shell, still params that look like
// shell injections are dropped, along with empty ones
func argsSanitizer(params []string) []string {
	params = slices.DeleteFunc(slices.Clone(params), func(e string) bool {
		return unsafeParam.MatchString(e)
	})

	params = slices.DeleteFunc(params, func(e string) bool {
		return e == ""
	})

	return params
}

// destination resolves the directory a download is written to. Relative
// paths are taken as relative to the download root.
func destination(req internal.DownloadRequest, root string) string {
	switch {
	case req.Path == "":
		return root
	case filepath.IsAbs(req.Path) || root == "":
		return filepath.Clean(req.Path)
	}
	return filepath.Join(root, req.Path)
}

// buildArgs derives the engine command line: the option set of the mode,
// the destination and file name when the engine declares how to pass
// them, the user params and finally the url.
func buildArgs(d engines.Definition, req internal.DownloadRequest, dest string) []string {
	params := argsSanitizer(req.Params)

	var args []string

	if req.Mode == internal.ModeList {
		args = append(args, d.ListOptions...)
		args = append(args, params...)
		return append(args, req.URL)
	}

	args = append(args, d.DownloadOptions...)

	// if user asked to manually override the output path...
	if d.OutputOption != "" && dest != "" && !slices.Contains(params, d.OutputOption) {
		args = append(args, d.OutputOption, dest)
	}

	if d.RenameOption != "" && req.Rename != "" && !slices.Contains(params, d.RenameOption) {
		args = append(args, d.RenameOption, req.Rename)
	}

	args = append(args, params...)

	return append(args, req.URL)
}
