package fripac

import "errors"

// Error kinds returned by Processor operations. All are sentinel errors so
// callers can use errors.Is against them even after fmt.Errorf wrapping adds
// file/offset detail.
var (
	// ErrInvalidFormat means the input is neither a recognizable ELF nor PE
	// image, or is truncated below the minimum header size.
	ErrInvalidFormat = errors.New("fripac: input is not a recognized ELF or PE image")

	// ErrMarkerMissing means no unpatched embedded-config marker could be
	// found. After AddEmbeddedConfigData this is fatal: the tool cannot
	// finalize data_offset without it.
	ErrMarkerMissing = errors.New("fripac: embedded-config marker not found")

	// ErrMalformedInput means an expected structural feature (a
	// header-covering PT_LOAD, PT_DYNAMIC, .dynstr, .rodata, ...) is absent.
	ErrMalformedInput = errors.New("fripac: input binary is missing a required structural feature")

	// ErrUnsupportedFormat means the requested operation does not exist for
	// the detected format (e.g. AddNeededLibrary on a PE image).
	ErrUnsupportedFormat = errors.New("fripac: operation not supported for this binary format")

	// ErrExternalToolFailure wraps failures from the XZ encoder or from host
	// I/O performed on the caller's behalf.
	ErrExternalToolFailure = errors.New("fripac: external tool failed")
)
