package vaultzip

import (
	"bytes"
	"io"
	"os"
	"regexp"
	"time"
)

// Container is the mutable, in-memory archive: an ordered set of entries
// plus archive-level metadata (comment, zip-align policy, default
// passwords), with deferred writes (spec.md §3's "Container" and
// "Lifecycle"). It generalizes the teacher's write-only Archive
// (archive.go) into a full read/modify/write model.
type Container struct {
	entries []*Entry
	index   map[string]int

	comment      string
	commentKnown bool

	zipAlign uint16

	writePassword    string
	hasWritePassword bool
	writeEncryption  EncryptionMethod

	readPassword    string
	hasReadPassword bool

	opts Options

	// source, if non-nil, is the Reader this Container was built from via
	// ToContainer. Unchange/UnchangeAll re-adopt entries straight from it.
	source *Reader
}

// NewContainer returns an empty Container ready to receive entries.
func NewContainer(opts ...Option) *Container {
	c := &Container{index: make(map[string]int)}
	for _, o := range opts {
		o(&c.opts)
	}
	return c
}

// Entries returns the container's entries in insertion order, the
// ordering guarantee spec.md §3 requires for "Container".
func (c *Container) Entries() []*Entry {
	out := make([]*Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Add inserts e into the container, replacing any existing entry of the
// same name. Directory entries (Name ending in "/") have their
// size/CRC/method/encryption forced to the directory invariant from
// spec.md §3, regardless of what the caller set.
func (c *Container) Add(e *Entry) {
	if e.IsDir() {
		e.UncompressedSize = 0
		e.CompressedSize = 0
		e.CRC32 = 0
		e.Method = MethodStored
		e.Encryption = EncNone
		e.password = ""
		e.hasPassword = false
		if e.payload == nil {
			e.payload = &emptyDirPayload{}
		}
	}
	if i, ok := c.index[e.Name]; ok {
		c.entries[i] = e
		return
	}
	c.index[e.Name] = len(c.entries)
	c.entries = append(c.entries, e)
}

// AddBytes adds an in-memory entry, inferring a default Modified time of
// now and Level -1 (auto).
func (c *Container) AddBytes(name string, data []byte) *Entry {
	e := &Entry{Name: name, Level: -1, Method: MethodAuto}
	e.Modified = c.modifiedTimeOrNow()
	e.UncompressedSize = uint64(len(data))
	e.CRC32 = crc32IEEE(data)
	e.payload = &bytesPayload{data: data}
	c.Add(e)
	return e
}

// AddFile adds an entry whose payload is read lazily from the file at
// path when the container is written.
func (c *Container) AddFile(name, path string) (*Entry, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, newEntryErr(KindIOError, name, err)
	}
	e := &Entry{Name: name, Level: -1, Method: MethodAuto}
	e.Modified = fi.ModTime()
	e.UncompressedSize = uint64(fi.Size())
	e.payload = &filePayload{path: path}
	c.Add(e)
	return e, nil
}

// AddStream adds an entry whose payload is read once, sequentially, from
// r. Its length isn't known in advance; the writer reads the whole stream
// into memory before writing the entry, so the sizes go into the local
// header and no trailing data descriptor is written.
func (c *Container) AddStream(name string, r io.Reader) *Entry {
	e := &Entry{Name: name, Level: -1, Method: MethodAuto}
	e.Modified = c.modifiedTimeOrNow()
	e.payload = &streamPayload{r: r}
	c.Add(e)
	return e
}

// AddDir adds a directory entry. With WithOnlyFiles(true) it adds nothing
// and returns nil.
func (c *Container) AddDir(name string) *Entry {
	if c.opts.onlyFiles {
		return nil
	}
	e := NewDirEntry(name)
	e.Modified = c.modifiedTimeOrNow()
	c.Add(e)
	return e
}

func (c *Container) modifiedTimeOrNow() time.Time {
	if !c.opts.modifiedTime.IsZero() {
		return c.opts.modifiedTime
	}
	return time.Now()
}

// Get returns the entry with the given name, if present.
func (c *Container) Get(name string) (*Entry, bool) {
	i, ok := c.index[name]
	if !ok {
		return nil, false
	}
	return c.entries[i], true
}

// Delete removes the entry with the given name, reporting whether one
// existed.
func (c *Container) Delete(name string) bool {
	i, ok := c.index[name]
	if !ok {
		return false
	}
	c.removeAt(i)
	return true
}

// DeleteMatch removes every entry for which pred returns true, returning
// the number removed.
func (c *Container) DeleteMatch(pred func(*Entry) bool) int {
	n := 0
	kept := c.entries[:0:0]
	for _, e := range c.entries {
		if pred(e) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
	c.reindex()
	return n
}

func (c *Container) removeAt(i int) {
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	c.reindex()
}

func (c *Container) reindex() {
	c.index = make(map[string]int, len(c.entries))
	for i, e := range c.entries {
		c.index[e.Name] = i
	}
}

// Rename changes an entry's name, failing with KindNotFound if old
// doesn't exist and KindInvalidArgument if new is already taken.
func (c *Container) Rename(old, newName string) error {
	i, ok := c.index[old]
	if !ok {
		return newEntryErr(KindNotFound, old, nil)
	}
	if _, taken := c.index[newName]; taken {
		return newEntryErr(KindInvalidArgument, newName, nil)
	}
	if err := c.entries[i].SetName(newName); err != nil {
		return err
	}
	delete(c.index, old)
	c.index[newName] = i
	return nil
}

// SetComment sets the archive-level comment. Per spec.md §3, a comment
// longer than 65535 bytes is rejected at write time in the Open Question
// resolution recorded in DESIGN.md, but an obviously oversized comment is
// rejected here too so callers see the failure immediately.
func (c *Container) SetComment(comment string) error {
	if len(comment) > uint16Max {
		return newErr(KindInvalidArgument, nil)
	}
	c.comment = comment
	c.commentKnown = true
	return nil
}

// SetPassword sets the default write password/encryption applied to any
// entry that doesn't have its own via SetPasswordEntry.
func (c *Container) SetPassword(pwd string, enc EncryptionMethod) {
	c.writePassword = pwd
	c.hasWritePassword = true
	c.writeEncryption = enc
}

// SetPasswordEntry sets a write password/encryption for one entry only.
func (c *Container) SetPasswordEntry(name, pwd string, enc EncryptionMethod) error {
	e, ok := c.Get(name)
	if !ok {
		return newEntryErr(KindNotFound, name, nil)
	}
	return e.SetPassword(pwd, enc)
}

// SetReadPassword sets the default password used to decrypt entries
// adopted from a Reader that doesn't carry their own per-entry password.
// It applies immediately to every currently-encrypted entry that doesn't
// already have an explicit per-entry password from SetReadPasswordEntry;
// entries adopted afterward should get one explicitly via
// SetReadPasswordEntry since there is no single later hook for "adoption"
// to re-run this default against.
func (c *Container) SetReadPassword(pwd string) {
	c.readPassword = pwd
	c.hasReadPassword = true
	for _, e := range c.entries {
		if e.Encryption != EncNone && !e.hasPassword {
			e.password = pwd
			e.hasPassword = true
		}
	}
}

// SetReadPasswordEntry sets the read password for one adopted entry.
func (c *Container) SetReadPasswordEntry(name, pwd string) error {
	e, ok := c.Get(name)
	if !ok {
		return newEntryErr(KindNotFound, name, nil)
	}
	e.password = pwd
	e.hasPassword = true
	return nil
}

// SetZipAlign enables Android-style zip-align of Stored, unencrypted
// entries to the given power-of-two byte boundary (spec.md §9); 0
// disables it. ".so" entries always align to 4096 regardless of this
// setting, per the Android convention.
func (c *Container) SetZipAlign(align uint16) { c.zipAlign = align }

// UnchangeAll discards every modification made since the Container was
// adopted from a Reader, re-populating entries and the comment from the
// source archive. On a Container not built via ToContainer it changes
// nothing and returns a KindInvalidArgument error.
func (c *Container) UnchangeAll() error {
	if c.source == nil {
		return newErr(KindInvalidArgument, nil)
	}
	fresh, err := c.source.ToContainer()
	if err != nil {
		return err
	}
	c.entries = fresh.entries
	c.index = fresh.index
	c.comment = fresh.comment
	c.commentKnown = fresh.commentKnown
	return nil
}

// Unchange reverts a single entry to its state in the source archive.
func (c *Container) Unchange(name string) error {
	if c.source == nil {
		return newErr(KindInvalidArgument, nil)
	}
	orig, ok := c.source.entryByName(name)
	if !ok {
		return newEntryErr(KindNotFound, name, nil)
	}
	c.Add(orig.Clone())
	return nil
}

// UnchangeComment reverts the archive comment to the source archive's
// original value.
func (c *Container) UnchangeComment() error {
	if c.source == nil {
		return newErr(KindInvalidArgument, nil)
	}
	c.comment = c.source.comment
	c.commentKnown = true
	return nil
}

// Matcher is a builder returned by Container.Match/MatchName that applies
// a bulk operation to every entry whose name satisfies the predicate,
// per spec.md §4.4.
type Matcher struct {
	c    *Container
	pred func(string) bool
}

// Match returns a Matcher selecting every entry whose name matches the
// regular expression pattern.
func (c *Container) Match(pattern string) (*Matcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, newErr(KindInvalidArgument, err)
	}
	return &Matcher{c: c, pred: re.MatchString}, nil
}

// MatchName returns a Matcher selecting the single entry with an exact
// name match.
func (c *Container) MatchName(name string) *Matcher {
	return &Matcher{c: c, pred: func(n string) bool { return n == name }}
}

func (m *Matcher) selected() []*Entry {
	var out []*Entry
	for _, e := range m.c.entries {
		if m.pred(e.Name) {
			out = append(out, e)
		}
	}
	return out
}

// Delete removes every matched entry, returning the count removed.
func (m *Matcher) Delete() int {
	return m.c.DeleteMatch(func(e *Entry) bool { return m.pred(e.Name) })
}

// SetLevel sets the compression level on every matched entry, returning
// the count affected. Entries for which level is invalid are skipped.
func (m *Matcher) SetLevel(level int) int {
	n := 0
	for _, e := range m.selected() {
		if e.SetLevel(level) == nil {
			n++
		}
	}
	return n
}

// SetPassword sets the password/encryption on every matched entry,
// returning the count affected.
func (m *Matcher) SetPassword(pwd string, enc EncryptionMethod) int {
	n := 0
	for _, e := range m.selected() {
		if e.SetPassword(pwd, enc) == nil {
			n++
		}
	}
	return n
}

// --- payload sources for entries added directly to a Container ---

type bytesPayload struct{ data []byte }

func (p *bytesPayload) knownSize() (uint64, bool) { return uint64(len(p.data)), true }
func (p *bytesPayload) open(e *Entry) (readCloserAt, error) {
	return nopReadCloser{bytes.NewReader(p.data)}, nil
}

type filePayload struct{ path string }

func (p *filePayload) knownSize() (uint64, bool) {
	fi, err := os.Stat(p.path)
	if err != nil {
		return 0, false
	}
	return uint64(fi.Size()), true
}
func (p *filePayload) open(e *Entry) (readCloserAt, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, newErr(KindIOError, err)
	}
	return f, nil
}

type streamPayload struct {
	r        io.Reader
	consumed bool
}

func (p *streamPayload) knownSize() (uint64, bool) { return 0, false }
func (p *streamPayload) open(e *Entry) (readCloserAt, error) {
	if p.consumed {
		return nil, newErr(KindInvalidArgument, nil)
	}
	p.consumed = true
	return nopReadCloser{p.r}, nil
}

type emptyDirPayload struct{}

func (p *emptyDirPayload) knownSize() (uint64, bool) { return 0, true }
func (p *emptyDirPayload) open(e *Entry) (readCloserAt, error) {
	return nopReadCloser{bytes.NewReader(nil)}, nil
}

// nopReadCloser adapts an io.Reader without a Close method to
// readCloserAt.
type nopReadCloser struct{ io.Reader }

func (nopReadCloser) Close() error { return nil }
