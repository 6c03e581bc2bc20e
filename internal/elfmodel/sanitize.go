package elfmodel

import (
	"bytes"
	"fmt"

	"github.com/xyproto/fripac/internal/randstr"
)

// sanitizeKeyword is one entry of the anti_anti_frida keyword table: a
// gadget-process thread/library name string a naive detector greps for,
// and the fixed same-length replacement to use instead of a random one
// when original_source/src/binary.rs hard-codes a specific cover string.
type sanitizeKeyword struct {
	pattern string
	fixed   string // empty means: replace with a random same-length string
}

// sanitizeKeywords mirrors original_source/src/binary.rs's anti_anti_frida
// keyword table (lines 317-335): longer, more specific keywords are listed
// before the shorter keywords they contain (e.g. "gum-js-loop" before
// "gum-js" before "gum"), so a match is always made against the longest
// applicable keyword first.
var sanitizeKeywords = []sanitizeKeyword{
	{pattern: "frida"},
	{pattern: "GMainLoop", fixed: "pool-6-th"},
	{pattern: "gum-js-loop", fixed: "pool-6-thre"},
	{pattern: "gmain", fixed: "Timer"},
	{pattern: "gum-js"},
	{pattern: "gum"},
	{pattern: "gdbus"},
	{pattern: "Gum"},
	{pattern: "Frida"},
	{pattern: "GUM"},
	{pattern: "GDBus"},
	{pattern: "g_dbus"},
	{pattern: "g_main"},
	{pattern: "GMain"},
	{pattern: "solist"},
	{pattern: "GLib-GIO"},
	{pattern: "GLib"},
}

// SanitizeStrings implements C4: replace every occurrence of a keyword
// outside the .rodata/.dynstr protected ranges with a same-length string
// (random, or the fixed cover string from sanitizeKeywords). No GNU hash
// or dynamic-symbol table is rebuilt afterwards: .dynstr is a protected
// range, so the bytes those tables depend on never change.
func (f *File) SanitizeStrings() error {
	if err := f.reload(); err != nil {
		return err
	}

	rodata := f.Section(".rodata")
	if rodata == nil {
		return fmt.Errorf("%w: .rodata", ErrSectionMissing)
	}
	dynstr := f.Section(".dynstr")
	if dynstr == nil {
		return fmt.Errorf("%w: .dynstr", ErrSectionMissing)
	}

	protected := func(off int64) bool {
		if off >= int64(rodata.Offset) && off < int64(rodata.Offset+rodata.Size) {
			return true
		}
		if off >= int64(dynstr.Offset) && off < int64(dynstr.Offset+dynstr.Size) {
			return true
		}
		return false
	}

	// Sanitization scans the whole serialized image and patches the
	// owning section's Data slice once each match's absolute offset is
	// known. A match that is not wholly inside one section's bytes (one
	// that straddles a section boundary, or lies in header or padding
	// bytes) is not replaced: SanitizeStrings returns an error for it.
	image := f.Bytes()

	for _, kw := range sanitizeKeywords {
		pattern := []byte(kw.pattern)
		pos := 0
		for {
			idx := bytes.Index(image[pos:], pattern)
			if idx < 0 {
				break
			}
			abs := int64(pos + idx)
			if protected(abs) {
				pos += idx + len(pattern)
				continue
			}
			var replacement []byte
			if kw.fixed != "" {
				replacement = []byte(kw.fixed)
			} else {
				var err error
				replacement, err = randstr.Bytes(len(pattern))
				if err != nil {
					return fmt.Errorf("elfmodel: generating replacement: %w", err)
				}
			}
			if err := f.patchImageOffset(abs, replacement); err != nil {
				return err
			}
			copy(image[abs:abs+int64(len(pattern))], replacement)
			pos += idx + len(pattern)
		}
	}

	// .dynstr's bytes never change (it is a protected range), so the GNU
	// hash table built over it stays valid; no rebuild is needed here.
	return nil
}

// patchImageOffset writes replacement into whichever section's Data slice
// physically backs the given absolute file offset.
func (f *File) patchImageOffset(off int64, replacement []byte) error {
	for i := range f.Sections {
		sec := &f.Sections[i]
		if sec.Data == nil {
			continue
		}
		start := int64(sec.Offset)
		end := start + int64(len(sec.Data))
		if off >= start && off+int64(len(replacement)) <= end {
			local := off - start
			copy(sec.Data[local:local+int64(len(replacement))], replacement)
			return nil
		}
	}
	return fmt.Errorf("elfmodel: offset %d (len %d) not contained in any section's bytes", off, len(replacement))
}
