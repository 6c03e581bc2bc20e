package fripac

import (
	"github.com/xyproto/fripac/internal/markerpatch"
)

// EmbeddedConfig is the fixed 21-byte little-endian marker record pre-placed
// in a loader binary at build time. It is never reflowed: every field is
// patched in place at its original file offset. It is a thin re-export of
// markerpatch.Config so callers outside this module never need to import
// the internal package directly.
type EmbeddedConfig = markerpatch.Config

// findMarker implements C1 for the root package's own bookkeeping
// (Processor.FindEmbeddedConfig); the authoritative scan lives in
// internal/markerpatch so elfmodel and pemodel share the exact same
// pattern-match logic.
func findMarker(data []byte) (int64, bool) {
	return markerpatch.Find(data)
}
