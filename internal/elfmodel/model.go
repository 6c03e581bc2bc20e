// Package elfmodel implements the editable ELF view of spec §3.2: a
// segment/section table parsed with stdlib debug/elf for read access, and a
// hand-rolled writer (grounded on Binject-debug's elf.Write) since
// debug/elf never exposes a way to re-serialize what it parses.
package elfmodel

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"
)

// ELF64 header field byte offsets (e_ident occupies bytes 0..16).
const (
	off64Entry     = 0x18
	off64Phoff     = 0x20
	off64Shoff     = 0x28
	off64Flags     = 0x30
	off64Ehsize    = 0x34
	off64Phentsize = 0x36
	off64Phnum     = 0x38
	off64Shentsize = 0x3A
	off64Shnum     = 0x3C
	off64Shstrndx  = 0x3E
	ehsize64       = 0x40
	phentsize64    = 0x38
	shentsize64    = 0x40
)

// ELF32 header field byte offsets.
const (
	off32Entry     = 0x18
	off32Phoff     = 0x1C
	off32Shoff     = 0x20
	off32Flags     = 0x24
	off32Ehsize    = 0x28
	off32Phentsize = 0x2A
	off32Phnum     = 0x2C
	off32Shentsize = 0x2E
	off32Shnum     = 0x30
	off32Shstrndx  = 0x32
	ehsize32       = 0x34
	phentsize32    = 0x20
	shentsize32    = 0x28
)

// Segment mirrors one ELF program header entry.
type Segment struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Section mirrors one ELF section header entry plus the bytes it owns.
// Sections of type SHT_NOBITS (e.g. .bss) carry a nil Data and are never
// written to the file image.
type Section struct {
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
	Data      []byte
}

// File is the editable ELF view: header scalars plus segment/section
// tables. Every mutating operation (EmbedPayload, AddNeeded,
// SanitizeStrings) works on these tables directly and Bytes() replays
// them into a complete file image — nothing is patched destructively in
// a byte buffer that survives across operations, per the "re-parse
// between stages" rule in spec §9.
type File struct {
	Class      elf.Class
	ByteOrder  binary.ByteOrder
	OSABI      elf.OSABI
	ABIVersion byte
	Type       elf.Type
	Machine    elf.Machine
	Entry      uint64
	PhOff      uint64
	Flags      uint32
	ShStrNdx   int

	Segments []Segment
	Sections []Section

	// nameOffsets caches each section's sh_name value after the last
	// rebuildShstrtab call, consumed by writeSectionHeaders.
	nameOffsets []uint32
}

// Parse reads data with stdlib debug/elf and builds an editable File.
func Parse(data []byte) (*File, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("elfmodel: parse: %w", err)
	}
	defer ef.Close()

	f := &File{
		Class:      ef.Class,
		ByteOrder:  ef.ByteOrder,
		OSABI:      ef.OSABI,
		ABIVersion: ef.ABIVersion,
		Type:       ef.Type,
		Machine:    ef.Machine,
		Entry:      ef.Entry,
		ShStrNdx:   -1,
	}
	if f.Class == elf.ELFCLASS64 {
		f.PhOff = f.ByteOrder.Uint64(data[off64Phoff:])
	} else {
		f.PhOff = uint64(f.ByteOrder.Uint32(data[off32Phoff:]))
	}

	for _, p := range ef.Progs {
		f.Segments = append(f.Segments, Segment{
			Type:   p.Type,
			Flags:  p.Flags,
			Offset: p.Off,
			Vaddr:  p.Vaddr,
			Paddr:  p.Paddr,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Align:  p.Align,
		})
	}

	for _, s := range ef.Sections {
		var body []byte
		if s.Type != elf.SHT_NOBITS && s.Type != elf.SHT_NULL {
			body, err = s.Data()
			if err != nil {
				return nil, fmt.Errorf("elfmodel: read section %s: %w", s.Name, err)
			}
		}
		f.Sections = append(f.Sections, Section{
			Name:      s.Name,
			Type:      s.Type,
			Flags:     s.Flags,
			Addr:      s.Addr,
			Offset:    s.Offset,
			Size:      s.Size,
			Link:      s.Link,
			Info:      s.Info,
			Addralign: s.Addralign,
			Entsize:   s.Entsize,
			Data:      body,
		})
	}
	f.ShStrNdx = shstrndxOf(data, f.Class, f.ByteOrder)
	return f, nil
}

func shstrndxOf(data []byte, class elf.Class, bo binary.ByteOrder) int {
	if class == elf.ELFCLASS64 {
		return int(bo.Uint16(data[off64Shstrndx:]))
	}
	return int(bo.Uint16(data[off32Shstrndx:]))
}

// HeaderSize returns e_ehsize + e_phnum*e_phentsize: the number of bytes
// at the start of the file occupied by the ELF header and the full
// program header table, given the CURRENT segment count. Any original
// section whose file offset falls inside this range must be relocated
// before the program header table can grow into that space (spec §4.2
// step 5).
func (f *File) HeaderSize() uint64 {
	if f.Class == elf.ELFCLASS64 {
		return uint64(ehsize64) + uint64(len(f.Segments))*uint64(phentsize64)
	}
	return uint64(ehsize32) + uint64(len(f.Segments))*uint64(phentsize32)
}

// Section looks up a section by name.
func (f *File) Section(name string) *Section {
	for i := range f.Sections {
		if f.Sections[i].Name == name {
			return &f.Sections[i]
		}
	}
	return nil
}

// SegmentByType returns the first segment of the given type.
func (f *File) SegmentByType(t elf.ProgType) *Segment {
	for i := range f.Segments {
		if f.Segments[i].Type == t {
			return &f.Segments[i]
		}
	}
	return nil
}

// SegmentContainingOffset returns the first segment (in table order) whose
// file range [Offset, Offset+Filesz) contains off. This is the spec's
// explicit tie-break rule for locating S in the marker patch formula.
func (f *File) SegmentContainingOffset(off int64) *Segment {
	for i := range f.Segments {
		s := &f.Segments[i]
		if uint64(off) >= s.Offset && uint64(off) < s.Offset+s.Filesz {
			return s
		}
	}
	return nil
}

// Bytes serializes the current header/segment/section tables into a
// complete ELF image, grounded on Binject-debug's elf.Write: magic +
// identification bytes, scalar header fields, the program header table,
// then every section's bytes in file-offset order, then a freshly
// rebuilt section header string table and section header table at the
// end of the file.
func (f *File) Bytes() []byte {
	f.rebuildShstrtab()

	var buf bytes.Buffer
	f.writeHeader(&buf)
	f.writeProgramHeaders(&buf)

	hasShstrtab := f.ShStrNdx >= 0 && f.ShStrNdx < len(f.Sections)
	ordered := make([]Section, 0, len(f.Sections))
	for i, s := range f.Sections {
		if hasShstrtab && i == f.ShStrNdx {
			continue
		}
		ordered = append(ordered, s)
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Offset < ordered[j].Offset })

	for _, s := range ordered {
		if s.Type == elf.SHT_NULL || s.Type == elf.SHT_NOBITS {
			continue
		}
		if uint64(buf.Len()) > s.Offset {
			// Overlapping layout is a modeling bug in the caller, not a
			// serialization-time decision; emit the section in place
			// rather than silently dropping data.
			n := copy(buf.Bytes()[s.Offset:], s.Data)
			buf.Write(s.Data[n:])
			continue
		}
		if uint64(buf.Len()) < s.Offset {
			buf.Write(make([]byte, s.Offset-uint64(buf.Len())))
		}
		buf.Write(s.Data)
	}

	if hasShstrtab {
		shstrtab := &f.Sections[f.ShStrNdx]
		shstrtab.Offset = uint64(buf.Len())
		buf.Write(shstrtab.Data)
	}

	shoff := alignUp(uint64(buf.Len()), 8)
	buf.Write(make([]byte, shoff-uint64(buf.Len())))
	f.writeSectionHeaders(&buf)

	out := buf.Bytes()
	f.patchHeaderOffsets(out, shoff)
	return out
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// rebuildShstrtab regenerates the section header string table section
// from the current Sections slice so every sh_name offset stays valid
// even after sections were added, renamed, or reordered.
func (f *File) rebuildShstrtab() {
	if f.ShStrNdx < 0 || f.ShStrNdx >= len(f.Sections) {
		return
	}
	var tab bytes.Buffer
	tab.WriteByte(0)
	nameOff := make([]uint32, len(f.Sections))
	for i, s := range f.Sections {
		nameOff[i] = uint32(tab.Len())
		tab.WriteString(s.Name)
		tab.WriteByte(0)
	}
	f.Sections[f.ShStrNdx].Data = tab.Bytes()
	f.Sections[f.ShStrNdx].Size = uint64(tab.Len())
	f.nameOffsets = nameOff
}

func (f *File) writeHeader(buf *bytes.Buffer) {
	ident := make([]byte, 16)
	ident[0], ident[1], ident[2], ident[3] = 0x7f, 'E', 'L', 'F'
	ident[4] = byte(f.Class)
	if f.ByteOrder == binary.BigEndian {
		ident[5] = byte(elf.ELFDATA2MSB)
	} else {
		ident[5] = byte(elf.ELFDATA2LSB)
	}
	ident[6] = byte(elf.EV_CURRENT)
	ident[7] = byte(f.OSABI)
	ident[8] = f.ABIVersion
	buf.Write(ident)

	binary.Write(buf, f.ByteOrder, uint16(f.Type))
	binary.Write(buf, f.ByteOrder, uint16(f.Machine))
	binary.Write(buf, f.ByteOrder, uint32(elf.EV_CURRENT))

	if f.Class == elf.ELFCLASS64 {
		binary.Write(buf, f.ByteOrder, f.Entry)
		binary.Write(buf, f.ByteOrder, f.PhOff)
		binary.Write(buf, f.ByteOrder, uint64(0)) // e_shoff, patched later
		binary.Write(buf, f.ByteOrder, f.Flags)
		binary.Write(buf, f.ByteOrder, uint16(ehsize64))
		binary.Write(buf, f.ByteOrder, uint16(phentsize64))
		binary.Write(buf, f.ByteOrder, uint16(len(f.Segments)))
		binary.Write(buf, f.ByteOrder, uint16(shentsize64))
		binary.Write(buf, f.ByteOrder, uint16(len(f.Sections)))
		binary.Write(buf, f.ByteOrder, uint16(f.ShStrNdx))
	} else {
		binary.Write(buf, f.ByteOrder, uint32(f.Entry))
		binary.Write(buf, f.ByteOrder, uint32(f.PhOff))
		binary.Write(buf, f.ByteOrder, uint32(0))
		binary.Write(buf, f.ByteOrder, f.Flags)
		binary.Write(buf, f.ByteOrder, uint16(ehsize32))
		binary.Write(buf, f.ByteOrder, uint16(phentsize32))
		binary.Write(buf, f.ByteOrder, uint16(len(f.Segments)))
		binary.Write(buf, f.ByteOrder, uint16(shentsize32))
		binary.Write(buf, f.ByteOrder, uint16(len(f.Sections)))
		binary.Write(buf, f.ByteOrder, uint16(f.ShStrNdx))
	}
}

func (f *File) writeProgramHeaders(buf *bytes.Buffer) {
	for _, p := range f.Segments {
		if f.Class == elf.ELFCLASS64 {
			binary.Write(buf, f.ByteOrder, uint32(p.Type))
			binary.Write(buf, f.ByteOrder, uint32(p.Flags))
			binary.Write(buf, f.ByteOrder, p.Offset)
			binary.Write(buf, f.ByteOrder, p.Vaddr)
			binary.Write(buf, f.ByteOrder, p.Paddr)
			binary.Write(buf, f.ByteOrder, p.Filesz)
			binary.Write(buf, f.ByteOrder, p.Memsz)
			binary.Write(buf, f.ByteOrder, p.Align)
		} else {
			binary.Write(buf, f.ByteOrder, uint32(p.Type))
			binary.Write(buf, f.ByteOrder, uint32(p.Offset))
			binary.Write(buf, f.ByteOrder, uint32(p.Vaddr))
			binary.Write(buf, f.ByteOrder, uint32(p.Paddr))
			binary.Write(buf, f.ByteOrder, uint32(p.Filesz))
			binary.Write(buf, f.ByteOrder, uint32(p.Memsz))
			binary.Write(buf, f.ByteOrder, uint32(p.Flags))
			binary.Write(buf, f.ByteOrder, uint32(p.Align))
		}
	}
}

func (f *File) writeSectionHeaders(buf *bytes.Buffer) {
	for i, s := range f.Sections {
		nameOff := uint32(0)
		if i < len(f.nameOffsets) {
			nameOff = f.nameOffsets[i]
		}
		if f.Class == elf.ELFCLASS64 {
			binary.Write(buf, f.ByteOrder, nameOff)
			binary.Write(buf, f.ByteOrder, uint32(s.Type))
			binary.Write(buf, f.ByteOrder, uint64(s.Flags))
			binary.Write(buf, f.ByteOrder, s.Addr)
			binary.Write(buf, f.ByteOrder, s.Offset)
			binary.Write(buf, f.ByteOrder, s.Size)
			binary.Write(buf, f.ByteOrder, s.Link)
			binary.Write(buf, f.ByteOrder, s.Info)
			binary.Write(buf, f.ByteOrder, s.Addralign)
			binary.Write(buf, f.ByteOrder, s.Entsize)
		} else {
			binary.Write(buf, f.ByteOrder, nameOff)
			binary.Write(buf, f.ByteOrder, uint32(s.Type))
			binary.Write(buf, f.ByteOrder, uint32(s.Flags))
			binary.Write(buf, f.ByteOrder, uint32(s.Addr))
			binary.Write(buf, f.ByteOrder, uint32(s.Offset))
			binary.Write(buf, f.ByteOrder, uint32(s.Size))
			binary.Write(buf, f.ByteOrder, s.Link)
			binary.Write(buf, f.ByteOrder, s.Info)
			binary.Write(buf, f.ByteOrder, uint32(s.Addralign))
			binary.Write(buf, f.ByteOrder, uint32(s.Entsize))
		}
	}
}

// patchHeaderOffsets fixes up e_shoff after the section header table's
// final position is known, mirroring the two-pass "write then patch"
// idiom used throughout codegen_elf_writer.go.
func (f *File) patchHeaderOffsets(out []byte, shoff uint64) {
	if f.Class == elf.ELFCLASS64 {
		f.ByteOrder.PutUint64(out[off64Shoff:], shoff)
	} else {
		f.ByteOrder.PutUint32(out[off32Shoff:], uint32(shoff))
	}
}
