//go:build windows

package manualmap

import (
	"syscall"

	"golang.org/x/sys/windows"
)

var (
	kernel32DLL        = windows.NewLazySystemDLL("kernel32.dll")
	procGetProcAddress = kernel32DLL.NewProc("GetProcAddress")
)

// GetProcAddressByOrdinal retrieves the address of the exported
// function from module by ordinal.
func GetProcAddressByOrdinal(module windows.Handle, ordinal uintptr) (uintptr, error) {
	r0, _, _ := syscall.SyscallN(procGetProcAddress.Addr(), uintptr(module), ordinal)
	if r0 == 0 {
		return 0, syscall.EINVAL
	}
	return r0, nil
}
