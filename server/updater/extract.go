package updater

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/ulikunitz/xz"
)

type archiveKind int

const (
	plainBinary archiveKind = iota
	zipArchive
	tarArchive
	tarGzArchive
	tarXzArchive
)

func kindOf(assetName string) archiveKind {
	name := strings.ToLower(assetName)
	switch {
	case strings.HasSuffix(name, ".zip"):
		return zipArchive
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return tarGzArchive
	case strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".txz"):
		return tarXzArchive
	case strings.HasSuffix(name, ".tar"):
		return tarArchive
	}
	return plainBinary
}

var errMemberNotFound = errors.New("executable not found in release archive")

// matches reports whether an archive entry is the wanted member. A member
// with a directory part must match the entry path exactly, a bare file
// name matches in any directory.
func matches(entry, member string) bool {
	entry = strings.TrimPrefix(path.Clean("/"+entry), "/")
	if strings.Contains(member, "/") {
		return entry == strings.TrimPrefix(path.Clean("/"+member), "/")
	}
	return path.Base(entry) == member
}

// extract copies member out of the archive at src into dst.
func extract(src string, kind archiveKind, member string, dst io.Writer) error {
	if kind == zipArchive {
		return extractZip(src, member, dst)
	}

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	var reader io.Reader = f

	switch kind {
	case tarGzArchive:
		gzReader, err := gzip.NewReader(reader)
		if err != nil {
			return fmt.Errorf("gzip decompress: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	case tarXzArchive:
		xzReader, err := xz.NewReader(reader)
		if err != nil {
			return fmt.Errorf("xz decompress: %w", err)
		}
		reader = xzReader
	}

	tarReader := tar.NewReader(reader)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		if header.Typeflag != tar.TypeReg || !matches(header.Name, member) {
			continue
		}

		_, err = io.Copy(dst, tarReader)
		return err
	}

	return fmt.Errorf("%w: %s", errMemberNotFound, member)
}

func extractZip(src, member string, dst io.Writer) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() || !matches(f.Name, member) {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		defer rc.Close()

		_, err = io.Copy(dst, rc)
		return err
	}

	return fmt.Errorf("%w: %s", errMemberNotFound, member)
}
