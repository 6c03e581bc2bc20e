package elfmodel

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrSectionMissing means a required ELF section is absent from the input
// binary: .dynstr / .dynamic for AddNeeded (which only applies to
// dynamically linked loaders), .rodata / .dynstr for SanitizeStrings.
var ErrSectionMissing = errors.New("elfmodel: required section missing")

const dtNeeded = 1
const dtNull = 0

type dynEntry struct {
	Tag int64
	Val uint64
}

// AddNeeded implements C3, grounded on the teacher's
// DynamicSections.AddNeeded / buildDynamicSection in elf_sections.go:
// append the library name to .dynstr, insert a new DT_NEEDED entry ahead
// of the DT_NULL terminator in .dynamic, and propagate the authoritative
// .dynamic size into PT_DYNAMIC. Because both sections grow, this
// implementation relocates them to fresh spare offsets at the end of the
// file rather than attempting fragile in-place growth (§9 disambiguation:
// "extends .dynstr and .dynamic appropriately").
func (f *File) AddNeeded(lib string) error {
	if err := f.reload(); err != nil {
		return err
	}

	dynstr := f.Section(".dynstr")
	if dynstr == nil {
		return fmt.Errorf("%w: .dynstr", ErrSectionMissing)
	}
	dynamic := f.Section(".dynamic")
	if dynamic == nil {
		return fmt.Errorf("%w: .dynamic", ErrSectionMissing)
	}

	nameOff := uint32(len(dynstr.Data))
	dynstr.Data = append(dynstr.Data, append([]byte(lib), 0)...)
	dynstr.Size = uint64(len(dynstr.Data))

	entries, err := decodeDynEntries(dynamic.Data, f.Class, f.ByteOrder)
	if err != nil {
		return err
	}
	entries = insertBeforeNull(entries, dynEntry{Tag: dtNeeded, Val: uint64(nameOff)})
	dynamic.Data = encodeDynEntries(entries, f.Class, f.ByteOrder)
	dynamic.Size = uint64(len(dynamic.Data))

	offsetSpare := alignPage(uint64(len(f.Bytes())))
	relocateSection(dynstr, &offsetSpare)
	relocateSection(dynamic, &offsetSpare)

	if seg := f.SegmentByType(elf.PT_DYNAMIC); seg != nil {
		seg.Offset = dynamic.Offset
		seg.Filesz = dynamic.Size
		seg.Memsz = dynamic.Size
	}
	return nil
}

func relocateSection(s *Section, offsetSpare *uint64) {
	s.Offset = *offsetSpare
	*offsetSpare = alignPage(s.Offset + s.Size)
}

func insertBeforeNull(entries []dynEntry, e dynEntry) []dynEntry {
	if len(entries) == 0 {
		return []dynEntry{e, {Tag: dtNull}}
	}
	last := len(entries) - 1
	if entries[last].Tag == dtNull {
		out := make([]dynEntry, 0, len(entries)+1)
		out = append(out, entries[:last]...)
		out = append(out, e, entries[last])
		return out
	}
	return append(entries, e)
}

func dynEntrySize(class elf.Class) int {
	if class == elf.ELFCLASS64 {
		return 16
	}
	return 8
}

func decodeDynEntries(data []byte, class elf.Class, bo binary.ByteOrder) ([]dynEntry, error) {
	sz := dynEntrySize(class)
	if len(data)%sz != 0 {
		return nil, fmt.Errorf("elfmodel: .dynamic size %d not a multiple of entry size %d", len(data), sz)
	}
	var out []dynEntry
	for off := 0; off < len(data); off += sz {
		if class == elf.ELFCLASS64 {
			out = append(out, dynEntry{
				Tag: int64(bo.Uint64(data[off:])),
				Val: bo.Uint64(data[off+8:]),
			})
		} else {
			out = append(out, dynEntry{
				Tag: int64(int32(bo.Uint32(data[off:]))),
				Val: uint64(bo.Uint32(data[off+4:])),
			})
		}
	}
	return out, nil
}

func encodeDynEntries(entries []dynEntry, class elf.Class, bo binary.ByteOrder) []byte {
	sz := dynEntrySize(class)
	out := make([]byte, len(entries)*sz)
	for i, e := range entries {
		off := i * sz
		if class == elf.ELFCLASS64 {
			bo.PutUint64(out[off:], uint64(e.Tag))
			bo.PutUint64(out[off+8:], e.Val)
		} else {
			bo.PutUint32(out[off:], uint32(e.Tag))
			bo.PutUint32(out[off+4:], uint32(e.Val))
		}
	}
	return out
}
