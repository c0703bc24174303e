package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ListZIP returns the base names of every file member of a ZIP archive, in
// archive order. Directory entries are skipped.
func ListZIP(zipPath string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	var names []string
	for _, f := range r.File {
		if name := memberName(f); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// ExtractZIPFlat extracts every file member of a ZIP archive directly into
// destDir under its base name. Nested directories inside the archive are
// discarded and later members overwrite earlier ones with the same name.
// Returns the extracted file paths in archive order.
func ExtractZIPFlat(zipPath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "zip: create destination")
	}

	var extracted []string
	for _, f := range r.File {
		name := memberName(f)
		if name == "" {
			continue
		}
		p, err := extractZIPEntry(f, filepath.Join(destDir, name))
		if err != nil {
			return extracted, err
		}
		extracted = append(extracted, p)
	}

	return extracted, nil
}

// memberName returns the base name of a file member, or "" for directories and
// names that reduce to nothing.
func memberName(f *zip.File) string {
	if f.FileInfo().IsDir() {
		return ""
	}
	name := path.Base(strings.ReplaceAll(f.Name, `\`, "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

func extractZIPEntry(f *zip.File, destPath string) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", eris.Wrapf(err, "zip: open entry %q", f.Name)
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(destPath)
	if err != nil {
		return "", eris.Wrap(err, "zip: create file")
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, rc); err != nil {
		return "", eris.Wrap(err, "zip: write file")
	}

	return destPath, nil
}
