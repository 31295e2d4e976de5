package vaultzip

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Extract writes every entry (or, if opts includes a Filter, every entry
// the filter accepts) into dir, recreating the directory tree. Symbolic
// links are only recreated when WithExtractSymlinks(true) is given;
// otherwise they are silently skipped, per spec.md §6's extraction
// policy. Directory modification times are applied only after every file
// beneath them has been written, since writing into a directory updates
// that directory's own mtime.
func (c *Container) Extract(dir string, opts ...ExtractOption) error {
	var eo ExtractOptions
	for _, o := range opts {
		o(&eo)
	}

	if err := os.MkdirAll(dir, 0777); err != nil {
		return newErr(KindIOError, err)
	}

	var dirMTimes []pendingDirTime

	for _, e := range c.entries {
		if eo.Filter != nil && !eo.Filter(e) {
			continue
		}
		rel, err := normalizeEntryPath(e.Name)
		if err != nil {
			return newEntryErr(KindInvalidArgument, e.Name, err)
		}
		target := filepath.Join(dir, rel)

		switch {
		case e.IsDir():
			if err := os.MkdirAll(target, dirPerm(e)); err != nil {
				return newEntryErr(KindIOError, e.Name, err)
			}
			dirMTimes = append(dirMTimes, pendingDirTime{path: target, mod: e.Modified})
		case e.IsSymlink():
			if !eo.ExtractSymlinks {
				continue
			}
			if err := extractSymlink(c, e, target); err != nil {
				return err
			}
		default:
			if err := extractFile(c, e, target); err != nil {
				return err
			}
		}
	}

	// Apply directory mtimes last, deepest first, so writing a file into
	// a parent doesn't clobber an mtime we already set on it.
	sort.Slice(dirMTimes, func(i, j int) bool {
		return strings.Count(dirMTimes[i].path, string(filepath.Separator)) >
			strings.Count(dirMTimes[j].path, string(filepath.Separator))
	})
	for _, d := range dirMTimes {
		_ = os.Chtimes(d.path, d.mod, d.mod)
	}
	return nil
}

type pendingDirTime struct {
	path string
	mod  time.Time
}

var errZipSlip = newErr(KindInvalidArgument, nil)

// normalizeEntryPath strips a leading "/" and rejects an entry whose path,
// once cleaned, still climbs above the extraction root via ".." (a
// zip-slip guard), per spec.md §6. Cleaning is done on the relative path,
// not an assumed-absolute one, so a "../"-prefixed result is detected
// instead of being silently clamped to the root.
func normalizeEntryPath(name string) (string, error) {
	rel := strings.TrimPrefix(name, "/")
	clean := path.Clean(rel)
	if clean == "." || clean == "" {
		return "", errZipSlip
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errZipSlip
	}
	return filepath.FromSlash(clean), nil
}

func dirPerm(e *Entry) os.FileMode {
	if m := e.Mode().Perm(); m != 0 {
		return m | 0700
	}
	return 0777
}

func extractFile(c *Container, e *Entry, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0777); err != nil {
		return newEntryErr(KindIOError, e.Name, err)
	}
	plain, err := c.materialize(e)
	if err != nil {
		return newEntryErr(KindIOError, e.Name, err)
	}
	perm := e.Mode().Perm()
	if perm == 0 {
		perm = 0666
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return newEntryErr(KindIOError, e.Name, err)
	}
	if _, err := f.Write(plain); err != nil {
		f.Close()
		return newEntryErr(KindIOError, e.Name, err)
	}
	if err := f.Close(); err != nil {
		return newEntryErr(KindIOError, e.Name, err)
	}
	_ = os.Chtimes(target, e.Modified, e.Modified)
	return nil
}

func extractSymlink(c *Container, e *Entry, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0777); err != nil {
		return newEntryErr(KindIOError, e.Name, err)
	}
	plain, err := c.materialize(e)
	if err != nil {
		return newEntryErr(KindIOError, e.Name, err)
	}
	_ = os.Remove(target)
	if err := os.Symlink(string(plain), target); err != nil {
		return newEntryErr(KindIOError, e.Name, err)
	}
	return nil
}
