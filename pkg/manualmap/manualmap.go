//go:build windows

// Package manualmap maps a parsed PE image into the current process the way
// the OS loader would: region reservation, header and section layout, import
// address table construction, base relocation, section protection and TLS
// callback invocation, in that order. Any stage failure unwinds everything
// acquired so far and the caller gets no module.
package manualmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"pemapper/pkg/peimage"
)

// Loader maps images into the current process.
type Loader struct{}

// Load runs the full mapping sequence over a parsed image. On any failure the
// reservation and every dependency library loaded so far are released and a
// nil module is returned with the stage error.
func (l *Loader) Load(img *peimage.Image) (*Module, error) {
	if img == nil || !img.Ok() {
		return nil, errors.New("image is not parsed")
	}

	imageSize := uintptr(img.ImageSize())
	base, err := windows.VirtualAlloc(0, imageSize,
		windows.MEM_RESERVE|windows.MEM_COMMIT|windows.MEM_TOP_DOWN, windows.PAGE_READWRITE)
	if err != nil {
		return nil, fmt.Errorf("reserve image region: %w", err)
	}

	if err := layoutImage(img, base); err != nil {
		windows.VirtualFree(base, 0, windows.MEM_RELEASE)
		return nil, fmt.Errorf("lay out image: %w", err)
	}

	mod := newModule(base, imageSize)
	if !mod.Ok() {
		mod.release()
		return nil, fmt.Errorf("re-parse mapped image: %s", mod.Err())
	}

	if err := buildIAT(mod); err != nil {
		mod.release()
		return nil, fmt.Errorf("build import address table: %w", err)
	}

	delta := uint64(base) - img.NTHeaders().OptionalHeader.ImageBase
	if delta != 0 {
		relocateBase(mod, delta)
	}

	if err := finalizeSections(mod); err != nil {
		mod.release()
		return nil, fmt.Errorf("protect sections: %w", err)
	}

	runTLSCallbacks(mod)

	return mod, nil
}

// layoutImage writes the headers and section bodies from the raw file into
// the reserved region at their virtual addresses. The region is zeroed by the
// allocator, so sections without raw data need no work.
func layoutImage(img *peimage.Image, base uintptr) error {
	raw := img.Data()
	imageSize := img.ImageSize()
	mapped := unsafe.Slice((*byte)(unsafe.Pointer(base)), imageSize)

	headersSize := img.NTHeaders().OptionalHeader.SizeOfHeaders
	if headersSize > imageSize || headersSize > uint32(len(raw)) {
		return fmt.Errorf("headers size 0x%x exceeds image", headersSize)
	}
	copy(mapped[:headersSize], raw[:headersSize])

	for _, s := range img.SectionHeaders() {
		if s.SizeOfRawData == 0 {
			continue
		}

		name := s.NameString()
		if s.VirtualAddress > imageSize || imageSize-s.VirtualAddress < s.SizeOfRawData {
			return fmt.Errorf("section %s extends past the image", name)
		}
		if s.PointerToRawData > uint32(len(raw)) ||
			uint32(len(raw))-s.PointerToRawData < s.SizeOfRawData {
			return fmt.Errorf("section %s raw data extends past the file", name)
		}

		copy(mapped[s.VirtualAddress:s.VirtualAddress+s.SizeOfRawData],
			raw[s.PointerToRawData:s.PointerToRawData+s.SizeOfRawData])
	}

	return nil
}

// buildIAT walks the import descriptors, loads each named dependency and
// overwrites the IAT slots with resolved addresses. Loaded handles are handed
// to the module immediately so the teardown path owns them even when a later
// resolution fails.
func buildIAT(mod *Module) error {
	descriptor := mod.importDirectory()
	if descriptor == nil {
		return nil
	}

	data := mod.Data()
	thunkSize := uint32(unsafe.Sizeof(uint64(0)))

	for descriptor.OriginalFirstThunk != 0 {
		name, ok := getString(data, descriptor.Name)
		if !ok {
			return errors.New("import descriptor name out of range")
		}

		lib, err := windows.LoadLibrary(name)
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		mod.addImportModule(lib)

		// The name table mirrors the IAT. The loop condition already ends
		// the walk at a descriptor without a name table, so the IAT is
		// never used as the name table here.
		oft := descriptor.OriginalFirstThunk
		if oft == 0 {
			oft = descriptor.FirstThunk
		}
		iat := descriptor.FirstThunk

		for {
			if oft+thunkSize > uint32(len(data)) || iat+thunkSize > uint32(len(data)) {
				return fmt.Errorf("%s thunk tables out of range", name)
			}

			entry := binary.LittleEndian.Uint64(data[oft:])
			if entry == 0 {
				break
			}

			var proc uintptr
			if entry&peimage.IMAGE_ORDINAL_FLAG64 != 0 {
				proc, err = GetProcAddressByOrdinal(lib, uintptr(entry&0xffff))
				if err != nil {
					return fmt.Errorf("resolve %s ordinal %d: %w", name, entry&0xffff, err)
				}
			} else {
				// Past the Hint field of IMAGE_IMPORT_BY_NAME.
				fn, ok := getString(data, uint32(entry)+2)
				if !ok {
					return fmt.Errorf("%s import name out of range", name)
				}
				proc, err = windows.GetProcAddress(lib, fn)
				if err != nil {
					return fmt.Errorf("resolve %s!%s: %w", name, fn, err)
				}
			}

			binary.LittleEndian.PutUint64(data[iat:], uint64(proc))

			oft += thunkSize
			iat += thunkSize
		}

		descriptor = (*peimage.IMAGE_IMPORT_DESCRIPTOR)(unsafe.Pointer(
			uintptr(unsafe.Pointer(descriptor)) + unsafe.Sizeof(peimage.IMAGE_IMPORT_DESCRIPTOR{})))
	}

	return nil
}

// relocateBase applies DIR64 fix-ups for the difference between the actual
// and preferred base. Absolute entries pad blocks and are skipped; a zero
// entry ends a block's run and a zero page address ends the walk.
func relocateBase(mod *Module, delta uint64) {
	dd := mod.directory(peimage.IMAGE_DIRECTORY_ENTRY_BASERELOC)
	if dd.Size == 0 {
		return
	}

	data := mod.Data()
	block := dd.VirtualAddress
	end := dd.VirtualAddress + dd.Size

	for block+8 <= end && block+8 <= uint32(len(data)) {
		pageRVA := binary.LittleEndian.Uint32(data[block:])
		blockSize := binary.LittleEndian.Uint32(data[block+4:])
		if pageRVA == 0 || blockSize < 8 {
			break
		}

		entries := block + blockSize
		if entries > end || entries > uint32(len(data)) {
			break
		}

		for cursor := block + 8; cursor+2 <= entries; cursor += 2 {
			entry := binary.LittleEndian.Uint16(data[cursor:])
			if entry == 0 {
				break
			}

			if entry>>12 != peimage.IMAGE_REL_BASED_DIR64 {
				continue
			}

			target := pageRVA + uint32(entry&0xfff)
			if target+8 > uint32(len(data)) {
				continue
			}
			value := binary.LittleEndian.Uint64(data[target:])
			binary.LittleEndian.PutUint64(data[target:], value+delta)
		}

		block += blockSize
	}
}

// finalizeSections drops the mapping-time read/write protection to what each
// section's characteristics declare.
func finalizeSections(mod *Module) error {
	for _, s := range mod.SectionHeaders() {
		if s.VirtualSize == 0 {
			continue
		}

		writable := s.Characteristics&peimage.IMAGE_SCN_MEM_WRITE != 0
		executable := s.Characteristics&peimage.IMAGE_SCN_MEM_EXECUTE != 0

		var protect uint32
		if writable {
			if executable {
				protect = windows.PAGE_EXECUTE_READWRITE
			} else {
				protect = windows.PAGE_READWRITE
			}
		} else {
			if executable {
				protect = windows.PAGE_EXECUTE_READ
			} else {
				protect = windows.PAGE_READONLY
			}
		}

		var old uint32
		err := windows.VirtualProtect(mod.base+uintptr(s.VirtualAddress),
			uintptr(s.VirtualSize), protect, &old)
		if err != nil {
			return fmt.Errorf("section %s: %w", s.NameString(), err)
		}
	}

	return nil
}

// runTLSCallbacks invokes the null-terminated callback array with a process
// attach notification. Callbacks have no error channel.
func runTLSCallbacks(mod *Module) {
	tls := mod.tlsDirectory()
	if tls == nil || tls.AddressOfCallBacks == 0 {
		return
	}

	// AddressOfCallBacks is a virtual address; the relocation pass already
	// rebased it along with the pointers it holds.
	callback := uintptr(tls.AddressOfCallBacks)
	for {
		fn := *(*uintptr)(unsafe.Pointer(callback))
		if fn == 0 {
			break
		}
		syscall.SyscallN(fn, mod.base, peimage.DLL_PROCESS_ATTACH, 0)
		callback += unsafe.Sizeof(uintptr(0))
	}
}

// getString extracts a null-terminated string from the mapped image.
func getString(section []byte, start uint32) (string, bool) {
	if start >= uint32(len(section)) {
		return "", false
	}

	for end := start; end < uint32(len(section)); end++ {
		if section[end] == 0 {
			return string(section[start:end]), true
		}
	}
	return "", false
}
