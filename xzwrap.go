package fripac

import (
	"bytes"
	"fmt"

	"github.com/ulikunitz/xz"
)

// xzCompress implements C7: wrap payload bytes with an XZ encoder at a
// preset roughly equivalent to level 6 (ulikunitz/xz does not expose numeric
// presets; its single LZMA2 dictionary/match-finder configuration already
// sits in that range, so the default WriterConfig is used as-is). Any
// encoder failure is reported as ErrExternalToolFailure — the spec treats
// XZ as an opaque external collaborator whose errors must propagate, never
// be swallowed (§7 propagation policy).
func xzCompress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("%w: xz writer: %v", ErrExternalToolFailure, err)
	}
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("%w: xz write: %v", ErrExternalToolFailure, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: xz close: %v", ErrExternalToolFailure, err)
	}
	return buf.Bytes(), nil
}

// xzDecompress reverses xzCompress. It is unexported and used only by the
// package tests, which check that a compress/decompress round trip returns
// the original bytes.
func xzDecompress(compressed []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: xz reader: %v", ErrExternalToolFailure, err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("%w: xz read: %v", ErrExternalToolFailure, err)
	}
	return buf.Bytes(), nil
}
