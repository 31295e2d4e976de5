package vaultzip

import "time"

// Options carries the construction-time configuration accepted by
// NewContainer, matching the keys named in spec.md §6. Go expresses this
// as typed functional options rather than a string-keyed map.
type Options struct {
	charset              CharsetDecoder
	extractSymlinks      bool
	modifiedTime         time.Time
	compressionMethod    uint16
	hasCompressionMethod bool
	onlyFiles            bool
}

// Option configures a Container at construction.
type Option func(*Options)

// ReadOption configures a Reader at construction.
type ReadOption func(*Options)

// ExtractOption configures a single Container.Extract call.
type ExtractOption func(*ExtractOptions)

// WithCharset overrides the legacy-name decoder used for entries whose
// UTF-8 flag bit isn't set and whose unicode-path extra (if any) is
// stale. Default is CP437, per spec.md §6.
func WithCharset(dec CharsetDecoder) ReadOption {
	return func(o *Options) { o.charset = dec }
}

// WithExtractSymlinks controls whether Container.Extract recreates
// symbolic links found in the archive rather than skipping them.
func WithExtractSymlinks(b bool) ExtractOption {
	return func(o *ExtractOptions) { o.ExtractSymlinks = b }
}

// WithModifiedTime sets the default Modified timestamp applied to
// entries added without an explicit one.
func WithModifiedTime(t time.Time) Option {
	return func(o *Options) { o.modifiedTime = t }
}

// WithCompressionMethod overrides the method chosen for entries left at
// MethodAuto, bypassing the "bad to compress" heuristic in §4.7.1.
func WithCompressionMethod(method uint16) Option {
	return func(o *Options) {
		o.compressionMethod = method
		o.hasCompressionMethod = true
	}
}

// WithOnlyFiles, when true, makes Container.AddDir a no-op. Among the
// options a Reader was opened with, it also causes ToContainer to skip
// directory entries entirely.
func WithOnlyFiles(b bool) Option {
	return func(o *Options) { o.onlyFiles = b }
}

// ExtractOptions configures a single Container.Extract call.
type ExtractOptions struct {
	ExtractSymlinks bool
	Filter          func(*Entry) bool
}
