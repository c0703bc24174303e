// Package ledger records which published files have already been fetched so
// reruns do not download them again.
package ledger

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// FileName is the ledger's file name inside the data directory.
const FileName = "ingest_ledger.txt"

// Ledger is a newline-separated list of file names. Names with an archive
// extension are processed archives; the rest are downloaded files. Every
// mutation rewrites the whole file. Concurrent use of one path by two processes
// is unsupported.
type Ledger struct {
	path        string
	archiveExts []string
	entries     map[string]struct{}
}

// Open loads the ledger at path. A missing file is an empty ledger.
func Open(path string, archiveExts []string) (*Ledger, error) {
	l := &Ledger{
		path:        path,
		archiveExts: archiveExts,
		entries:     make(map[string]struct{}),
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name := strings.TrimSpace(sc.Text())
		if name != "" {
			l.entries[name] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(err, "ledger: read %s", path)
	}
	return l, nil
}

// Path returns the ledger file location.
func (l *Ledger) Path() string {
	return l.path
}

// IsArchive reports whether name carries one of the archive extensions.
func (l *Ledger) IsArchive(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range l.archiveExts {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// HasArchive reports whether the archive name was already processed.
func (l *Ledger) HasArchive(name string) bool {
	_, ok := l.entries[name]
	return ok && l.IsArchive(name)
}

// HasFile reports whether the plain file name was already downloaded.
func (l *Ledger) HasFile(name string) bool {
	_, ok := l.entries[name]
	return ok && !l.IsArchive(name)
}

// MarkArchive records name as a processed archive.
func (l *Ledger) MarkArchive(name string) error {
	if !l.IsArchive(name) {
		return eris.Errorf("ledger: %q is not an archive", name)
	}
	return l.add(name)
}

// MarkFile records name as a downloaded file.
func (l *Ledger) MarkFile(name string) error {
	if l.IsArchive(name) {
		return eris.Errorf("ledger: %q is an archive", name)
	}
	return l.add(name)
}

// Len returns the number of recorded names.
func (l *Ledger) Len() int {
	return len(l.entries)
}

// Names returns every recorded name, sorted.
func (l *Ledger) Names() []string {
	names := make([]string, 0, len(l.entries))
	for n := range l.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (l *Ledger) add(name string) error {
	if strings.ContainsAny(name, "\r\n") || strings.TrimSpace(name) == "" {
		return eris.Errorf("ledger: invalid name %q", name)
	}
	if _, ok := l.entries[name]; ok {
		return nil
	}
	l.entries[name] = struct{}{}
	if err := l.flush(); err != nil {
		delete(l.entries, name)
		return err
	}
	return nil
}

// flush rewrites the ledger through a temp file and rename.
func (l *Ledger) flush() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(err, "ledger: create directory")
	}

	tmp, err := os.CreateTemp(dir, ".ledger-*")
	if err != nil {
		return eris.Wrap(err, "ledger: create temp file")
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, n := range l.Names() {
		_, _ = w.WriteString(n)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return eris.Wrap(err, "ledger: write temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return eris.Wrap(err, "ledger: close temp file")
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		_ = os.Remove(tmpName)
		return eris.Wrap(err, "ledger: replace ledger file")
	}
	return nil
}
