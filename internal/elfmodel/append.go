package elfmodel

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/xyproto/fripac/internal/markerpatch"
)

// ErrMarkerMissing means no unpatched embedded-config marker could be
// located in the serialized image after appending the payload section.
var ErrMarkerMissing = errors.New("elfmodel: embedded-config marker not found")

const pageSize = 4096

func alignPage(v uint64) uint64 {
	return (v + pageSize - 1) &^ (pageSize - 1)
}

// EmbedPayload implements C2 + C6: append data as a new loadable region
// and patch the embedded-config marker so its data_offset resolves to it.
// Grounded on original_source/src/binary.rs's add_embedded_config_data ELF
// branch: re-serialize first to normalize alignment, compute a spare
// virtual-address and file-offset region past the end of the current
// image, relocate any section the growing program header table would
// overwrite, grow the header-covering PT_LOAD and the PT_PHDR segment,
// then locate the marker in the final byte image and patch it in place.
func (f *File) EmbedPayload(data []byte, useXZ bool) error {
	// Re-parse between stages (spec §9): the model we started with may
	// have been produced by a prior operation's Bytes() call, so reload
	// it through a full serialize+parse cycle before computing spare
	// areas against it.
	if err := f.reload(); err != nil {
		return err
	}

	vaddrSpare := uint64(0)
	for _, s := range f.Segments {
		if end := s.Vaddr + s.Memsz; end > vaddrSpare {
			vaddrSpare = end
		}
	}
	vaddrSpare = alignPage(vaddrSpare)

	offsetSpare := alignPage(uint64(len(f.Bytes())))

	newSection := Section{
		Name:      ".fripac",
		Type:      elf.SHT_PROGBITS,
		Flags:     elf.SHF_ALLOC | elf.SHF_WRITE,
		Addr:      vaddrSpare,
		Offset:    offsetSpare,
		Size:      uint64(len(data)),
		Addralign: pageSize,
		Data:      data,
	}
	newSegment := Segment{
		Type:   elf.PT_LOAD,
		Flags:  elf.PF_R | elf.PF_W,
		Offset: offsetSpare,
		Vaddr:  vaddrSpare,
		Paddr:  vaddrSpare,
		Filesz: uint64(len(data)),
		Memsz:  uint64(len(data)),
		Align:  pageSize,
	}
	f.Sections = append(f.Sections, newSection)
	f.Segments = append(f.Segments, newSegment)
	newSegIdx := len(f.Segments) - 1

	offsetSpare = alignPage(offsetSpare + uint64(len(data)))

	// Program header table just grew by one entry; any original section
	// whose file offset falls inside the (now larger) header region would
	// be overwritten by that growth, so it gets relocated to the spare
	// area first.
	headerSize := f.HeaderSize()
	newSectionIdx := len(f.Sections) - 1
	for i := range f.Sections {
		if i == newSectionIdx {
			continue
		}
		s := &f.Sections[i]
		if s.Type == elf.SHT_NULL {
			continue
		}
		if s.Offset < headerSize {
			s.Offset = offsetSpare
			offsetSpare = alignPage(offsetSpare + s.Size)
		}
	}

	phdrSize := headerSize - uint64(f.headerBaseSize())
	var sizeDiff uint64
	if phdr := f.SegmentByType(elf.PT_PHDR); phdr != nil {
		sizeDiff = phdrSize - phdr.Filesz
		phdr.Filesz = phdrSize
		phdr.Memsz = phdrSize
	} else {
		// No PT_PHDR segment: per spec.md §4.2's edge case, size_diff is
		// the full new program-header-table size (original_source's
		// add_embedded_config_data ELF branch runs the header-segment
		// growth below unconditionally, not just inside its PT_PHDR arm).
		sizeDiff = phdrSize
	}

	headerLoad := f.segmentAtOffsetZero()
	if headerLoad == nil {
		return fmt.Errorf("elfmodel: no PT_LOAD segment covers file offset 0")
	}
	headerLoad.Filesz += sizeDiff
	headerLoad.Memsz += sizeDiff

	final := f.Bytes()
	markerOff, ok := markerpatch.Find(final)
	if !ok {
		return fmt.Errorf("%w: after appending payload", ErrMarkerMissing)
	}

	s := f.SegmentContainingOffset(markerOff)
	if s == nil {
		return fmt.Errorf("elfmodel: no segment covers marker offset %d", markerOff)
	}
	n := &f.Segments[newSegIdx]

	dataOffset, err := markerpatch.PatchOffset(
		markerOff,
		markerpatch.Span{FileOffset: int64(s.Offset), Vaddr: int64(s.Vaddr)},
		markerpatch.Span{FileOffset: int64(n.Offset), Vaddr: int64(n.Vaddr)},
	)
	if err != nil {
		return err
	}

	if err := f.patchMarkerInSection(markerOff, int32(len(data)), dataOffset, useXZ); err != nil {
		return err
	}
	return nil
}

// headerBaseSize returns e_ehsize alone (no program headers), so callers
// can recover the current program-header-table byte size from HeaderSize().
func (f *File) headerBaseSize() int {
	if f.Class == elf.ELFCLASS64 {
		return ehsize64
	}
	return ehsize32
}

// segmentAtOffsetZero returns the PT_LOAD segment that maps file offset 0
// (the segment covering the ELF header itself).
func (f *File) segmentAtOffsetZero() *Segment {
	for i := range f.Segments {
		if f.Segments[i].Type == elf.PT_LOAD && f.Segments[i].Offset == 0 {
			return &f.Segments[i]
		}
	}
	return nil
}

// patchMarkerInSection finds whichever section's Data slice physically
// contains the marker's absolute file offset and patches data_size /
// data_offset / data_xz in place within that slice, so the next Bytes()
// call reproduces the patch without needing to cache a raw byte image.
func (f *File) patchMarkerInSection(markerOff int64, dataSize, dataOffset int32, useXZ bool) error {
	for i := range f.Sections {
		sec := &f.Sections[i]
		if sec.Data == nil {
			continue
		}
		start := int64(sec.Offset)
		end := start + int64(len(sec.Data))
		if markerOff >= start && markerOff+markerpatch.Size <= end {
			local := markerOff - start
			return markerpatch.Write(sec.Data, local, dataSize, dataOffset, useXZ)
		}
	}
	return fmt.Errorf("elfmodel: marker offset %d not contained in any section's bytes", markerOff)
}

// reload re-serializes the current model and re-parses it, discarding the
// in-memory model in favor of what a fresh read of its own bytes produces.
// This is the "ExecutableBuilder echo" from SPEC_FULL.md §GLOSSARY: reset,
// recompute, re-serialize, re-parse.
func (f *File) reload() error {
	data := f.Bytes()
	reparsed, err := Parse(data)
	if err != nil {
		return fmt.Errorf("elfmodel: reload: %w", err)
	}
	*f = *reparsed
	return nil
}
