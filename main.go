//go:build windows

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"syscall"

	embedCheck "pemapper/pkg/embed"
	"pemapper/pkg/manualmap"
	"pemapper/pkg/payload"
	"pemapper/pkg/peimage"
)

func main() {
	password := flag.String("password", "", "treat the input as a sealed payload and decrypt it with this password")
	inspect := flag.Bool("inspect", false, "parse and print image info without mapping")
	run := flag.Bool("run", false, "jump to the entry point after mapping")
	flag.Parse()

	img, err := openImage(flag.Arg(0), *password)
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}

	if !img.Ok() {
		log.Printf("cannot parse image: %s", img.Err())
		os.Exit(1)
	}

	if *inspect {
		dump(img)
		return
	}

	log.Println("Starting load...")

	loader := manualmap.Loader{}
	mod, err := loader.Load(img)
	if err != nil {
		log.Printf("failed to load module: %v", err)
		os.Exit(1)
	}
	defer mod.Free()

	log.Printf("mapped at 0x%x (%d bytes, %d sections)", mod.Base(), mod.Size(), len(mod.SectionHeaders()))

	if *run {
		syscall.SyscallN(mod.EntryPoint())
	}
}

func openImage(path, password string) (*peimage.Image, error) {
	if embedCheck.IsEmbedded {
		log.Println("Using embedded payload.")
		return peimage.New(embedCheck.EmbeddedBytes), nil
	}

	if path == "" {
		return nil, fmt.Errorf("usage: %s [flags] <pe path>", os.Args[0])
	}

	if password != "" {
		raw, err := payload.Open(path, password)
		if err != nil {
			return nil, err
		}
		return peimage.New(raw), nil
	}

	return peimage.Open(path), nil
}

func dump(img *peimage.Image) {
	nt := img.NTHeaders()
	fmt.Printf("machine:     0x%x\n", nt.FileHeader.Machine)
	fmt.Printf("image base:  0x%x\n", nt.OptionalHeader.ImageBase)
	fmt.Printf("image size:  0x%x\n", nt.OptionalHeader.SizeOfImage)
	fmt.Printf("entry point: 0x%x\n", nt.OptionalHeader.AddressOfEntryPoint)

	exp := img.ExportDirectory()
	fmt.Printf("exports:     rva=0x%x size=0x%x\n", exp.VirtualAddress, exp.Size)

	fmt.Println("sections:")
	for _, s := range img.SectionHeaders() {
		fmt.Printf("  %-8s va=0x%08x vsize=0x%08x raw=0x%08x characteristics=0x%08x\n",
			s.NameString(), s.VirtualAddress, s.VirtualSize, s.PointerToRawData, s.Characteristics)
	}

	f, err := img.File()
	if err != nil {
		return
	}
	if symbols, err := f.ImportedSymbols(); err == nil && len(symbols) > 0 {
		fmt.Println("imports:")
		for _, sym := range symbols {
			fmt.Printf("  %s\n", sym)
		}
	}
}
