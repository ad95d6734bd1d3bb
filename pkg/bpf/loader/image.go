package loader

import (
	"bytes"
	"encoding/binary"
)

// ImageSection is one section to place in a built object image.
type ImageSection struct {
	Name string
	Type uint32
	Data []byte
}

// ProgbitsSection returns a progbits section with the given name and data.
func ProgbitsSection(name string, data []byte) ImageSection {
	return ImageSection{Name: name, Type: shtProgbits, Data: data}
}

// LicenseSection returns a license section holding a NUL-terminated string.
func LicenseSection(license string) ImageSection {
	return ProgbitsSection(licenseSection, append([]byte(license), 0))
}

// SignatureSection returns a signature section holding raw signature bytes.
func SignatureSection(sig []byte) ImageSection {
	return ProgbitsSection(signatureSection, sig)
}

// BuildImage assembles a minimal little-endian ELF64 object image from the
// given sections. A null section and the section name table are added
// automatically. The result parses with Parse; it is the format the object
// assembler and the test suites emit.
func BuildImage(sections []ImageSection) []byte {
	// Section name table: one NUL-terminated name per section, starting
	// with the empty name for the null section.
	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	nameOff := make([]uint32, len(sections))
	for i, s := range sections {
		nameOff[i] = uint32(shstrtab.Len())
		shstrtab.WriteString(s.Name)
		shstrtab.WriteByte(0)
	}
	shstrtabNameOff := uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)

	// Layout: header, section data (8-aligned), name table, headers.
	const headerSize = 64
	const shentSize = 64
	shnum := len(sections) + 2 // null section and .shstrtab

	var body bytes.Buffer
	dataOff := make([]uint64, len(sections))
	cursor := uint64(headerSize)
	for i, s := range sections {
		for cursor%8 != 0 {
			body.WriteByte(0)
			cursor++
		}
		dataOff[i] = cursor
		body.Write(s.Data)
		cursor += uint64(len(s.Data))
	}
	shstrtabOff := cursor
	body.Write(shstrtab.Bytes())
	cursor += uint64(shstrtab.Len())
	for cursor%8 != 0 {
		body.WriteByte(0)
		cursor++
	}
	shoff := cursor

	var out bytes.Buffer
	hdr := make([]byte, headerSize)
	copy(hdr, elfMagic)
	hdr[4] = elfClass64
	hdr[5] = elfDataLSB
	hdr[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(hdr[16:], elfTypeRel)
	binary.LittleEndian.PutUint16(hdr[18:], elfMachineBPF)
	binary.LittleEndian.PutUint32(hdr[20:], 1)
	binary.LittleEndian.PutUint64(hdr[40:], shoff)
	binary.LittleEndian.PutUint16(hdr[52:], headerSize)
	binary.LittleEndian.PutUint16(hdr[58:], shentSize)
	binary.LittleEndian.PutUint16(hdr[60:], uint16(shnum))
	binary.LittleEndian.PutUint16(hdr[62:], uint16(shnum-1)) // .shstrtab is last
	out.Write(hdr)
	out.Write(body.Bytes())

	writeSH := func(name uint32, typ uint32, off, size uint64) {
		sh := make([]byte, shentSize)
		binary.LittleEndian.PutUint32(sh[0:], name)
		binary.LittleEndian.PutUint32(sh[4:], typ)
		binary.LittleEndian.PutUint64(sh[24:], off)
		binary.LittleEndian.PutUint64(sh[32:], size)
		out.Write(sh)
	}

	writeSH(0, 0, 0, 0) // null section
	for i, s := range sections {
		writeSH(nameOff[i], s.Type, dataOff[i], uint64(len(s.Data)))
	}
	writeSH(shstrtabNameOff, 3, shstrtabOff, uint64(shstrtab.Len())) // SHT_STRTAB

	return out.Bytes()
}
