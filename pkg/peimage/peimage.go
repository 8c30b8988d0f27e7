// Package peimage parses and validates 64-bit PE files on disk. It keeps the
// whole file in one owned buffer and exposes typed header views plus the
// RVA-to-file-offset translation the mapper needs.
package peimage

import (
	"bytes"
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/Binject/debug/pe"
	"github.com/edsrzf/mmap-go"
)

const (
	dosHeaderSize     = uint32(unsafe.Sizeof(IMAGE_DOS_HEADER{}))
	ntHeaders64Size   = uint32(unsafe.Sizeof(IMAGE_NT_HEADERS64{}))
	optionalHdr64Size = uint32(unsafe.Sizeof(IMAGE_OPTIONAL_HEADER64{}))
	sectionHeaderSize = uint32(unsafe.Sizeof(IMAGE_SECTION_HEADER{}))
	fileHeaderSize    = uint32(unsafe.Sizeof(IMAGE_FILE_HEADER{}))
)

// Image is an immutable view over a raw PE file. Construct with Open or New
// and check Ok before using any header accessor.
type Image struct {
	raw      []byte
	dos      *IMAGE_DOS_HEADER
	nt       *IMAGE_NT_HEADERS64
	sections []*IMAGE_SECTION_HEADER

	err Error
	ok  bool

	fileOnce sync.Once
	file     *pe.File
	fileErr  error
}

// Open reads the file at path and parses it. An unopenable file yields a
// not-ok image with no error kind recorded, mirroring the ok/error contract:
// the flag alone reports construction failure.
func Open(path string) *Image {
	img := &Image{}

	f, err := os.Open(path)
	if err != nil {
		return img
	}
	defer f.Close()

	raw, err := readAll(f)
	if err != nil {
		return img
	}

	img.raw = raw
	img.parse()
	return img
}

// New parses an in-memory PE file. The buffer is retained by the image.
func New(raw []byte) *Image {
	img := &Image{raw: raw}
	img.parse()
	return img
}

// readAll maps the file and copies it into an owned buffer, falling back to a
// plain read when the file cannot be mapped (empty files, pipes).
func readAll(f *os.File) ([]byte, error) {
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return io.ReadAll(f)
	}
	defer m.Unmap()

	raw := make([]byte, len(m))
	copy(raw, m)
	return raw, nil
}

func (img *Image) parse() {
	if uint32(len(img.raw)) < dosHeaderSize {
		img.setError(ErrInvalidPeFormat)
		return
	}

	img.dos = (*IMAGE_DOS_HEADER)(unsafe.Pointer(&img.raw[0]))
	if img.dos.E_magic != IMAGE_DOS_SIGNATURE || img.dos.E_lfanew < int32(dosHeaderSize) {
		img.setError(ErrInvalidPeFormat)
		return
	}

	ntOffset := uint32(img.dos.E_lfanew)
	if ntOffset > uint32(len(img.raw)) || uint32(len(img.raw))-ntOffset < 4+fileHeaderSize {
		img.setError(ErrInvalidPeFormat)
		return
	}

	img.nt = (*IMAGE_NT_HEADERS64)(unsafe.Pointer(&img.raw[ntOffset]))
	if img.nt.Signature != IMAGE_NT_SIGNATURE {
		img.setError(ErrInvalidPeFormat)
		return
	}

	if img.nt.FileHeader.Machine != IMAGE_FILE_MACHINE_AMD64 {
		img.setError(ErrNotSupportedMachine)
		return
	}

	// The full PE32+ optional header must be present before the directory
	// array or image size can be trusted.
	if uint32(img.nt.FileHeader.SizeOfOptionalHeader) < optionalHdr64Size ||
		uint32(len(img.raw))-ntOffset < ntHeaders64Size {
		img.setError(ErrInvalidPeFormat)
		return
	}

	sectionBase := ntOffset + 4 + fileHeaderSize + uint32(img.nt.FileHeader.SizeOfOptionalHeader)
	count := uint32(img.nt.FileHeader.NumberOfSections)
	if sectionBase > uint32(len(img.raw)) ||
		(uint32(len(img.raw))-sectionBase)/sectionHeaderSize < count {
		img.setError(ErrInvalidPeFormat)
		return
	}

	img.sections = make([]*IMAGE_SECTION_HEADER, 0, count)
	for i := uint32(0); i < count; i++ {
		hdr := (*IMAGE_SECTION_HEADER)(unsafe.Pointer(&img.raw[sectionBase+i*sectionHeaderSize]))
		img.sections = append(img.sections, hdr)
	}

	img.ok = true
}

func (img *Image) setError(err Error) {
	img.err = err
}

// Ok reports whether the image parsed and validated.
func (img *Image) Ok() bool { return img.ok }

// Err returns the recorded parse error kind. Only meaningful when Ok is false.
func (img *Image) Err() Error { return img.err }

func (img *Image) DOSHeader() *IMAGE_DOS_HEADER { return img.dos }

func (img *Image) NTHeaders() *IMAGE_NT_HEADERS64 { return img.nt }

// SectionHeaders returns the section headers in file order.
func (img *Image) SectionHeaders() []*IMAGE_SECTION_HEADER { return img.sections }

// Data returns the raw file bytes.
func (img *Image) Data() []byte { return img.raw }

func (img *Image) ImageSize() uint32 {
	return img.nt.OptionalHeader.SizeOfImage
}

// DataDirectory returns the directory entry at index, or a zero entry when
// the index is outside the fixed directory array.
func (img *Image) DataDirectory(index int) IMAGE_DATA_DIRECTORY {
	if index < 0 || index >= IMAGE_NUMBEROF_DIRECTORY_ENTRIES {
		return IMAGE_DATA_DIRECTORY{}
	}
	return img.nt.OptionalHeader.DataDirectory[index]
}

// ImportDirectory returns a view of the first import descriptor in the raw
// file, or nil when the image has no import directory. The directory RVA must
// translate to a file offset through a section; header-resident RVAs are not
// translated (see RvaToRaw).
func (img *Image) ImportDirectory() *IMAGE_IMPORT_DESCRIPTOR {
	dd := img.DataDirectory(IMAGE_DIRECTORY_ENTRY_IMPORT)
	if dd.Size == 0 {
		return nil
	}

	raw := img.RvaToRaw(dd.VirtualAddress)
	if raw == 0 || raw >= uint32(len(img.raw)) ||
		uint32(len(img.raw))-raw < uint32(unsafe.Sizeof(IMAGE_IMPORT_DESCRIPTOR{})) {
		return nil
	}
	return (*IMAGE_IMPORT_DESCRIPTOR)(unsafe.Pointer(&img.raw[raw]))
}

// ExportDirectory returns the export data-directory entry without resolving
// its contents.
func (img *Image) ExportDirectory() IMAGE_DATA_DIRECTORY {
	return img.DataDirectory(IMAGE_DIRECTORY_ENTRY_EXPORT)
}

// RvaToRaw translates an RVA to a file offset through the section that
// contains it, returning 0 when no section does. RVAs inside the headers are
// deliberately outside this mapping; callers index Data directly for those.
func (img *Image) RvaToRaw(rva uint32) uint32 {
	for _, s := range img.sections {
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.VirtualSize {
			return rva - s.VirtualAddress + s.PointerToRawData
		}
	}
	return 0
}

// File returns a parsed debug/pe view of the same bytes for callers that want
// symbol-level access. It is built on first use and does not influence Ok.
func (img *Image) File() (*pe.File, error) {
	img.fileOnce.Do(func() {
		img.file, img.fileErr = pe.NewFile(bytes.NewReader(img.raw))
	})
	return img.file, img.fileErr
}
