// Package loader parses program object files. An object is a little-endian
// ELF64 container, the format the BPF toolchain emits: each executable
// section named "tracepoint/<category>/<event>" or "timer" holds one
// program's instruction stream, exactly one "license" section declares the
// license, and an optional "signature" section carries a detached signature
// over the program contents.
//
// The loader only parses and classifies. Verification and installation
// happen in the runtime, and an object is installed all-or-nothing.
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/axiomos/kbpf/internal/types"
)

// ELF magic bytes.
var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// ELF identity constants.
const (
	elfClass64 = 2 // 64-bit
	elfDataLSB = 1 // little endian
)

// ELF machine type.
const (
	elfMachineBPF = 247 // eBPF
)

// ELF file types the toolchain emits.
const (
	elfTypeRel  = 1 // relocatable (clang -c)
	elfTypeExec = 2
	elfTypeDyn  = 3
)

// Section types.
const (
	shtProgbits = 1
	shtNobits   = 8
)

// Well-known section names.
const (
	licenseSection   = "license"
	signatureSection = "signature"
)

// Object errors.
var (
	ErrInvalidObject       = errors.New("invalid object file")
	ErrUnsupportedClass    = errors.New("unsupported ELF class (expected 64-bit)")
	ErrUnsupportedEndian   = errors.New("unsupported endianness (expected little-endian)")
	ErrUnsupportedMachine  = errors.New("unsupported machine type (expected BPF)")
	ErrInvalidSection      = errors.New("invalid section")
	ErrMissingLicense      = errors.New("object has no license section")
	ErrDuplicateLicense    = errors.New("object has more than one license section")
	ErrIncompatibleLicense = errors.New("license is not in the compatible set")
	ErrNoPrograms          = errors.New("object contains no program sections")
)

// Maximum sizes.
const (
	MaxObjectSize = 10 * 1024 * 1024 // 10 MB
	MaxSections   = 256
	MaxLicenseLen = 64
)

// CompatibleLicenses is the set of accepted license strings.
var CompatibleLicenses = []string{
	"GPL",
	"GPL v2",
	"Dual BSD/GPL",
	"MIT",
	"Apache-2.0",
	"Dual MIT/Apache-2.0",
}

func licenseCompatible(s string) bool {
	for _, l := range CompatibleLicenses {
		if s == l {
			return true
		}
	}
	return false
}

// ELFHeader is the ELF64 file header.
type ELFHeader struct {
	Magic      [4]byte
	Class      uint8
	Data       uint8
	Version    uint8
	OSABI      uint8
	ABIVersion uint8
	Pad        [7]byte
	Type       uint16
	Machine    uint16
	Version2   uint32
	Entry      uint64
	PHOff      uint64
	SHOff      uint64
	Flags      uint32
	EHSize     uint16
	PHEntSize  uint16
	PHNum      uint16
	SHEntSize  uint16
	SHNum      uint16
	SHStrNdx   uint16
}

// SectionHeader is an ELF64 section header.
type SectionHeader struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

// Program is one program section lifted out of an object, not yet verified.
type Program struct {
	// Section is the full section name, e.g. "tracepoint/syscalls/sys_enter".
	Section string

	// Attach is the parsed attachment point.
	Attach types.AttachPoint

	// ID is the content digest identifying this program.
	ID types.ProgramID

	// Text is the raw little-endian instruction stream.
	Text []byte
}

// Object is a parsed, classified object file.
type Object struct {
	Programs []Program
	License  string

	// Signature is the raw signature section, nil when absent.
	Signature []byte

	// SignedContent is the byte string a signature covers: every program
	// section's name and text in file order, plus the license.
	SignedContent []byte
}

// Parse reads an object file. It fails on malformed ELF structure, a
// missing, duplicated, or incompatible license, and objects with no
// program sections. Program text is not decoded here.
func Parse(data []byte) (*Object, error) {
	if len(data) > MaxObjectSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidObject, len(data))
	}
	header, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if err := validateHeader(header); err != nil {
		return nil, err
	}
	sections, err := parseSectionHeaders(data, header)
	if err != nil {
		return nil, err
	}
	names, err := getSectionNames(data, sections, header.SHStrNdx)
	if err != nil {
		return nil, err
	}

	obj := &Object{}
	licenseCount := 0
	var signed bytes.Buffer

	for i := range sections {
		sec := &sections[i]
		name := names[i]

		switch {
		case name == licenseSection:
			licenseCount++
			if licenseCount > 1 {
				return nil, ErrDuplicateLicense
			}
			raw, err := extractSection(data, sec)
			if err != nil {
				return nil, err
			}
			lic, err := parseLicense(raw)
			if err != nil {
				return nil, err
			}
			obj.License = lic

		case name == signatureSection:
			raw, err := extractSection(data, sec)
			if err != nil {
				return nil, err
			}
			obj.Signature = raw

		default:
			ap, err := types.ParseAttachPoint(name)
			if err != nil {
				continue // unrecognized sections are ignored
			}
			if sec.Type != shtProgbits {
				continue
			}
			text, err := extractSection(data, sec)
			if err != nil {
				return nil, err
			}
			if len(text)%8 != 0 {
				return nil, fmt.Errorf("%w: %q is not instruction aligned", ErrInvalidSection, name)
			}
			obj.Programs = append(obj.Programs, Program{
				Section: name,
				Attach:  ap,
				ID:      types.HashProgram(name, text),
				Text:    text,
			})
			signed.WriteString(name)
			signed.WriteByte(0)
			signed.Write(text)
		}
	}

	if licenseCount == 0 {
		return nil, ErrMissingLicense
	}
	if len(obj.Programs) == 0 {
		return nil, ErrNoPrograms
	}

	signed.WriteString(obj.License)
	obj.SignedContent = signed.Bytes()
	return obj, nil
}

// parseLicense reads a NUL-terminated license string and checks it against
// the compatible set.
func parseLicense(raw []byte) (string, error) {
	end := bytes.IndexByte(raw, 0)
	if end == -1 {
		return "", fmt.Errorf("%w: license string is not NUL-terminated", ErrInvalidSection)
	}
	lic := string(raw[:end])
	if len(lic) == 0 || len(lic) > MaxLicenseLen {
		return "", fmt.Errorf("%w: %q", ErrIncompatibleLicense, lic)
	}
	if !licenseCompatible(lic) {
		return "", fmt.Errorf("%w: %q", ErrIncompatibleLicense, lic)
	}
	return lic, nil
}

// parseHeader parses the ELF header.
func parseHeader(data []byte) (*ELFHeader, error) {
	if len(data) < 64 {
		return nil, ErrInvalidObject
	}
	if !bytes.Equal(data[0:4], elfMagic) {
		return nil, ErrInvalidObject
	}

	header := &ELFHeader{}
	copy(header.Magic[:], data[0:4])
	header.Class = data[4]
	header.Data = data[5]
	header.Version = data[6]
	header.OSABI = data[7]
	header.ABIVersion = data[8]

	header.Type = binary.LittleEndian.Uint16(data[16:18])
	header.Machine = binary.LittleEndian.Uint16(data[18:20])
	header.Version2 = binary.LittleEndian.Uint32(data[20:24])
	header.Entry = binary.LittleEndian.Uint64(data[24:32])
	header.PHOff = binary.LittleEndian.Uint64(data[32:40])
	header.SHOff = binary.LittleEndian.Uint64(data[40:48])
	header.Flags = binary.LittleEndian.Uint32(data[48:52])
	header.EHSize = binary.LittleEndian.Uint16(data[52:54])
	header.PHEntSize = binary.LittleEndian.Uint16(data[54:56])
	header.PHNum = binary.LittleEndian.Uint16(data[56:58])
	header.SHEntSize = binary.LittleEndian.Uint16(data[58:60])
	header.SHNum = binary.LittleEndian.Uint16(data[60:62])
	header.SHStrNdx = binary.LittleEndian.Uint16(data[62:64])

	return header, nil
}

// validateHeader validates the ELF identity.
func validateHeader(h *ELFHeader) error {
	if h.Class != elfClass64 {
		return ErrUnsupportedClass
	}
	if h.Data != elfDataLSB {
		return ErrUnsupportedEndian
	}
	if h.Machine != elfMachineBPF {
		return ErrUnsupportedMachine
	}
	if h.Type != elfTypeRel && h.Type != elfTypeExec && h.Type != elfTypeDyn {
		return fmt.Errorf("%w: unsupported ELF type %d", ErrInvalidObject, h.Type)
	}
	return nil
}

// parseSectionHeaders parses all section headers.
func parseSectionHeaders(data []byte, header *ELFHeader) ([]SectionHeader, error) {
	if header.SHNum == 0 {
		return nil, fmt.Errorf("%w: no sections", ErrInvalidObject)
	}
	if header.SHNum > MaxSections {
		return nil, fmt.Errorf("%w: too many sections", ErrInvalidObject)
	}

	offset := header.SHOff
	size := uint64(header.SHEntSize) * uint64(header.SHNum)
	// Check offset before adding size so a huge SHOff cannot wrap.
	if header.SHEntSize < 64 || offset > uint64(len(data)) || size > uint64(len(data))-offset {
		return nil, ErrInvalidObject
	}

	sections := make([]SectionHeader, header.SHNum)
	for i := uint16(0); i < header.SHNum; i++ {
		off := offset + uint64(i)*uint64(header.SHEntSize)
		sec := &sections[i]
		sec.Name = binary.LittleEndian.Uint32(data[off : off+4])
		sec.Type = binary.LittleEndian.Uint32(data[off+4 : off+8])
		sec.Flags = binary.LittleEndian.Uint64(data[off+8 : off+16])
		sec.Addr = binary.LittleEndian.Uint64(data[off+16 : off+24])
		sec.Offset = binary.LittleEndian.Uint64(data[off+24 : off+32])
		sec.Size = binary.LittleEndian.Uint64(data[off+32 : off+40])
		sec.Link = binary.LittleEndian.Uint32(data[off+40 : off+44])
		sec.Info = binary.LittleEndian.Uint32(data[off+44 : off+48])
		sec.AddrAlign = binary.LittleEndian.Uint64(data[off+48 : off+56])
		sec.EntSize = binary.LittleEndian.Uint64(data[off+56 : off+64])
	}
	return sections, nil
}

// getSectionNames resolves every section's name via the string table.
func getSectionNames(data []byte, sections []SectionHeader, shstrndx uint16) ([]string, error) {
	if int(shstrndx) >= len(sections) {
		return nil, ErrInvalidSection
	}
	strtab := &sections[shstrndx]
	if strtab.Offset > uint64(len(data)) || strtab.Size > uint64(len(data))-strtab.Offset {
		return nil, ErrInvalidSection
	}
	strtabData := data[strtab.Offset : strtab.Offset+strtab.Size]

	names := make([]string, len(sections))
	for i, sec := range sections {
		if sec.Name < uint32(len(strtabData)) {
			end := bytes.IndexByte(strtabData[sec.Name:], 0)
			if end == -1 {
				end = len(strtabData) - int(sec.Name)
			}
			names[i] = string(strtabData[sec.Name : sec.Name+uint32(end)])
		}
	}
	return names, nil
}

// extractSection copies section data out of the image.
func extractSection(data []byte, section *SectionHeader) ([]byte, error) {
	if section.Type == shtNobits {
		return make([]byte, section.Size), nil
	}
	if section.Offset+section.Size > uint64(len(data)) || section.Offset > section.Offset+section.Size {
		return nil, ErrInvalidSection
	}
	result := make([]byte, section.Size)
	copy(result, data[section.Offset:section.Offset+section.Size])
	return result, nil
}
