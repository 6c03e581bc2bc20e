// Package fripac patches a prebuilt ELF/PE loader binary with a script
// payload and an embedded-config marker, so the loader can locate its
// payload at runtime purely from its own mapped base address.
package fripac

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"

	"github.com/xyproto/fripac/internal/elfmodel"
	"github.com/xyproto/fripac/internal/engine"
	"github.com/xyproto/fripac/internal/pemodel"
)

// Format identifies which loader-binary container a Processor was built
// from.
type Format int

const (
	FormatUnknown Format = iota
	FormatELF
	FormatPE
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "elf"
	case FormatPE:
		return "pe"
	default:
		return "unknown"
	}
}

// Processor holds one loader binary's in-memory editable view and
// dispatches every operation to the backend (elfmodel or pemodel) that
// matches its container format. Exactly one of elf/pe is non-nil.
type Processor struct {
	format Format
	elf    *elfmodel.File
	pe     *pemodel.File
}

// New parses data and classifies it as ELF or PE, returning a Processor
// ready for patching. Anything else is ErrInvalidFormat.
func New(data []byte) (*Processor, Format, error) {
	switch {
	case bytes.HasPrefix(data, []byte(elf.ELFMAG)):
		f, err := elfmodel.Parse(data)
		if err != nil {
			logger.Debugf("elf parse failed: %v", err)
			return nil, FormatUnknown, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		logger.Debugf("parsed ELF loader (%d bytes)", len(data))
		return &Processor{format: FormatELF, elf: f}, FormatELF, nil
	case looksLikePE(data):
		f, err := pemodel.Parse(data)
		if err != nil {
			logger.Debugf("pe parse failed: %v", err)
			return nil, FormatUnknown, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		logger.Debugf("parsed PE loader (%d bytes)", len(data))
		return &Processor{format: FormatPE, pe: f}, FormatPE, nil
	default:
		return nil, FormatUnknown, fmt.Errorf("%w", ErrInvalidFormat)
	}
}

// looksLikePE checks for the MZ stub and the PE signature at the offset
// the stub's e_lfanew field records, mirroring the cheap check
// debug/pe.NewFile itself performs before doing full header work.
func looksLikePE(data []byte) bool {
	if len(data) < 0x40 || data[0] != 'M' || data[1] != 'Z' {
		return false
	}
	peOffset := int(data[0x3c]) | int(data[0x3d])<<8 | int(data[0x3e])<<16 | int(data[0x3f])<<24
	if peOffset < 0 || peOffset+4 > len(data) {
		return false
	}
	return bytes.Equal(data[peOffset:peOffset+4], []byte("PE\x00\x00"))
}

// Format reports which backend this Processor is operating on.
func (p *Processor) Format() Format {
	return p.format
}

// Platform reports the target architecture and OS family this loader
// binary was built for, derived from its ELF e_machine / PE COFF Machine
// field via internal/engine's machine-constant tables. ArchUnknown is
// returned for a machine constant the tool does not recognize (the
// Processor itself does not require this to be known; Platform exists so
// callers — e.g. the CLI — can report or validate what they are patching).
func (p *Processor) Platform() engine.Platform {
	switch p.format {
	case FormatELF:
		arch := engine.ArchFromELFMachine(uint16(p.elf.Machine))
		osName := engine.OSFreeBSD
		if p.elf.OSABI == elf.ELFOSABI_LINUX || p.elf.OSABI == elf.ELFOSABI_NONE {
			osName = engine.OSLinux
		}
		return engine.Platform{Arch: arch, OS: osName}
	case FormatPE:
		return engine.Platform{Arch: engine.ArchFromPEMachine(p.pe.Machine), OS: engine.OSWindows}
	default:
		return engine.Platform{Arch: engine.ArchUnknown, OS: engine.OSLinux}
	}
}

// FindEmbeddedConfig implements C1: locate the unpatched marker record in
// the current in-memory image. Returns (offset, true) if found.
func (p *Processor) FindEmbeddedConfig() (int64, bool) {
	return findMarker(p.bytesSnapshot())
}

// AddEmbeddedConfigData implements C2/C5 + C6: append payload (optionally
// XZ-compressed) as a new loadable region, then patch the marker so
// data_offset resolves to it. The whole pipeline re-serializes through the
// backend's Bytes() / re-parses at each stage boundary per §9's
// "re-parse between stages" rule — no long-lived graph survives a
// serialize step.
func (p *Processor) AddEmbeddedConfigData(payload []byte, useXZ bool) error {
	data := payload
	if useXZ {
		compressed, err := xzCompress(payload)
		if err != nil {
			return err
		}
		data = compressed
	}

	logger.Debugf("embedding %d payload bytes (xz=%v) into %s loader", len(data), useXZ, p.format)

	var err error
	switch p.format {
	case FormatELF:
		err = mapBackendError(p.elf.EmbedPayload(data, useXZ))
	case FormatPE:
		err = mapBackendError(p.pe.EmbedPayload(data, useXZ))
	default:
		err = fmt.Errorf("%w", ErrInvalidFormat)
	}
	if err != nil {
		logger.Debugf("embedding payload failed: %v", err)
		return err
	}
	logger.Debugf("payload embedded and marker patched")
	return nil
}

// mapBackendError translates the internal elfmodel/pemodel sentinel errors
// onto the root package's §6.2 error-kind contract, so callers can use
// errors.Is(err, fripac.ErrMarkerMissing) / errors.Is(err,
// fripac.ErrMalformedInput) regardless of which backend produced the
// failure. Errors the backends do not tag with one of their own sentinels
// (a plain fmt.Errorf) are treated as malformed-input, since every error
// path in elfmodel/pemodel signals a structural problem with the input
// binary, never a caller-usage error.
func mapBackendError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, elfmodel.ErrMarkerMissing) || errors.Is(err, pemodel.ErrMarkerMissing) {
		return fmt.Errorf("%w: %v", ErrMarkerMissing, err)
	}
	return fmt.Errorf("%w: %v", ErrMalformedInput, err)
}

// AddNeededLibrary implements C3. ELF-only; PE returns ErrUnsupportedFormat
// per spec.md §4.3's explicit failure semantics (the original tool's PE
// branch bails with the same error for the same reason: PE does not use
// ELF-style DT_NEEDED dynamic tags).
func (p *Processor) AddNeededLibrary(name string) error {
	if p.format != FormatELF {
		return fmt.Errorf("%w: add-needed-library is ELF-only", ErrUnsupportedFormat)
	}
	logger.Debugf("adding DT_NEEDED entry %q", name)
	err := mapBackendError(p.elf.AddNeeded(name))
	if err != nil {
		logger.Debugf("adding needed library failed: %v", err)
	}
	return err
}

// AntiAntiFrida implements C4. ELF-only, matching the original tool: PE
// loaders are left untouched since the keyword table targets ELF-specific
// sections (.rodata, .dynstr).
func (p *Processor) AntiAntiFrida() error {
	if p.format != FormatELF {
		return nil
	}
	logger.Debugf("sanitizing anti-instrumentation keyword strings")
	err := mapBackendError(p.elf.SanitizeStrings())
	if err != nil {
		logger.Debugf("sanitizing strings failed: %v", err)
	}
	return err
}

// IntoData serializes the current in-memory image to its final byte form.
func (p *Processor) IntoData() []byte {
	return p.bytesSnapshot()
}

func (p *Processor) bytesSnapshot() []byte {
	switch p.format {
	case FormatELF:
		return p.elf.Bytes()
	case FormatPE:
		return p.pe.Bytes()
	default:
		return nil
	}
}
