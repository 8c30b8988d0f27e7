//go:build windows

package manualmap

import (
	"unsafe"

	"golang.org/x/sys/windows"

	"pemapper/pkg/peimage"
)

// Module is a manually mapped image. It owns its virtual-memory region and
// the dependency libraries loaded while its import address table was built;
// Free is the single release path for both.
type Module struct {
	base uintptr
	size uintptr

	dos      *peimage.IMAGE_DOS_HEADER
	nt       *peimage.IMAGE_NT_HEADERS64
	sections []*peimage.IMAGE_SECTION_HEADER

	importModules []windows.Handle

	err   peimage.Error
	ok    bool
	freed bool
}

// newModule re-parses the headers laid out at base. The machine type was
// already validated against the source file, so only the structural checks
// run here. On success the mapped ImageBase field is rewritten to the actual
// base so relocation deltas stay consistent.
func newModule(base, size uintptr) *Module {
	m := &Module{base: base, size: size}
	m.parse()
	return m
}

func (m *Module) parse() {
	dosSize := uintptr(unsafe.Sizeof(peimage.IMAGE_DOS_HEADER{}))
	ntSize := uintptr(unsafe.Sizeof(peimage.IMAGE_NT_HEADERS64{}))

	m.dos = (*peimage.IMAGE_DOS_HEADER)(unsafe.Pointer(m.base))
	if m.dos.E_magic != peimage.IMAGE_DOS_SIGNATURE || m.dos.E_lfanew < int32(dosSize) {
		m.err = peimage.ErrInvalidPeFormat
		return
	}

	ntOffset := uintptr(m.dos.E_lfanew)
	if ntOffset+ntSize > m.size {
		m.err = peimage.ErrInvalidPeFormat
		return
	}

	m.nt = (*peimage.IMAGE_NT_HEADERS64)(unsafe.Pointer(m.base + ntOffset))
	if m.nt.Signature != peimage.IMAGE_NT_SIGNATURE {
		m.err = peimage.ErrInvalidPeFormat
		return
	}

	sectionBase := m.base + ntOffset + 4 +
		uintptr(unsafe.Sizeof(peimage.IMAGE_FILE_HEADER{})) +
		uintptr(m.nt.FileHeader.SizeOfOptionalHeader)

	count := int(m.nt.FileHeader.NumberOfSections)
	m.sections = make([]*peimage.IMAGE_SECTION_HEADER, 0, count)
	for i := 0; i < count; i++ {
		hdr := (*peimage.IMAGE_SECTION_HEADER)(unsafe.Pointer(
			sectionBase + uintptr(i)*unsafe.Sizeof(peimage.IMAGE_SECTION_HEADER{})))
		m.sections = append(m.sections, hdr)
	}

	m.nt.OptionalHeader.ImageBase = uint64(m.base)

	m.ok = true
}

// Ok reports whether the mapped headers validated.
func (m *Module) Ok() bool { return m.ok }

// Err returns the structural error recorded when Ok is false.
func (m *Module) Err() peimage.Error { return m.err }

// Base returns the load address of the mapped image.
func (m *Module) Base() uintptr { return m.base }

// Size returns the byte length of the reserved region.
func (m *Module) Size() uintptr { return m.size }

func (m *Module) DOSHeader() *peimage.IMAGE_DOS_HEADER { return m.dos }

func (m *Module) NTHeaders() *peimage.IMAGE_NT_HEADERS64 { return m.nt }

func (m *Module) SectionHeaders() []*peimage.IMAGE_SECTION_HEADER { return m.sections }

// Data aliases the whole mapped region as a byte slice. Writes through it hit
// live image memory.
func (m *Module) Data() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(m.base)), m.size)
}

// EntryPoint returns the absolute address of the image entry point.
func (m *Module) EntryPoint() uintptr {
	return m.base + uintptr(m.nt.OptionalHeader.AddressOfEntryPoint)
}

func (m *Module) directory(index int) peimage.IMAGE_DATA_DIRECTORY {
	return m.nt.OptionalHeader.DataDirectory[index]
}

func (m *Module) importDirectory() *peimage.IMAGE_IMPORT_DESCRIPTOR {
	dd := m.directory(peimage.IMAGE_DIRECTORY_ENTRY_IMPORT)
	if dd.Size == 0 {
		return nil
	}
	return (*peimage.IMAGE_IMPORT_DESCRIPTOR)(unsafe.Pointer(m.base + uintptr(dd.VirtualAddress)))
}

func (m *Module) exportDirectory() *peimage.IMAGE_EXPORT_DIRECTORY {
	dd := m.directory(peimage.IMAGE_DIRECTORY_ENTRY_EXPORT)
	if dd.Size == 0 {
		return nil
	}
	return (*peimage.IMAGE_EXPORT_DIRECTORY)(unsafe.Pointer(m.base + uintptr(dd.VirtualAddress)))
}

func (m *Module) tlsDirectory() *peimage.IMAGE_TLS_DIRECTORY64 {
	dd := m.directory(peimage.IMAGE_DIRECTORY_ENTRY_TLS)
	if dd.Size == 0 {
		return nil
	}
	return (*peimage.IMAGE_TLS_DIRECTORY64)(unsafe.Pointer(m.base + uintptr(dd.VirtualAddress)))
}

// Export looks a symbol up in the mapped export directory and returns its
// absolute address, or 0 when the module does not export it. Forwarder
// entries are returned as-is; chasing them is up to the caller.
func (m *Module) Export(name string) uintptr {
	exp := m.exportDirectory()
	if exp == nil {
		return 0
	}

	names := unsafe.Slice((*uint32)(unsafe.Pointer(m.base+uintptr(exp.AddressOfNames))), exp.NumberOfNames)
	ordinals := unsafe.Slice((*uint16)(unsafe.Pointer(m.base+uintptr(exp.AddressOfNameOrdinals))), exp.NumberOfNames)
	functions := unsafe.Slice((*uint32)(unsafe.Pointer(m.base+uintptr(exp.AddressOfFunctions))), exp.NumberOfFunctions)

	for i := uint32(0); i < exp.NumberOfNames; i++ {
		if cstringAt(m.base+uintptr(names[i])) != name {
			continue
		}
		ordinal := uint32(ordinals[i])
		if ordinal >= exp.NumberOfFunctions {
			return 0
		}
		return m.base + uintptr(functions[ordinal])
	}

	return 0
}

func (m *Module) addImportModule(lib windows.Handle) {
	m.importModules = append(m.importModules, lib)
}

// release frees dependency libraries in reverse acquisition order, then the
// region itself. Used both by Free and by the loader's abort path.
func (m *Module) release() {
	if m.freed {
		return
	}
	m.freed = true

	for i := len(m.importModules) - 1; i >= 0; i-- {
		windows.FreeLibrary(m.importModules[i])
	}
	m.importModules = nil

	if m.base != 0 {
		windows.VirtualFree(m.base, 0, windows.MEM_RELEASE)
		m.base = 0
	}
}

// Free releases the module. Calling it again is a no-op.
func (m *Module) Free() {
	m.release()
}

func cstringAt(addr uintptr) string {
	var b []byte
	for {
		c := *(*byte)(unsafe.Pointer(addr))
		if c == 0 {
			break
		}
		b = append(b, c)
		addr++
	}
	return string(b)
}
