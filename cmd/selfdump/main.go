package main

import (
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/bayedieng/obliteration/loader"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/pflag"
)

var fRaw = pflag.BoolP("raw", "R", false, "dump the whole parsed image with spew")

func dump(path string) error {
	img, err := loader.NewLoader(nil).LoadFile(path)
	if err != nil {
		return err
	}

	if *fRaw {
		cfg := spew.ConfigState{Indent: "  ", DisableMethods: true, MaxDepth: 4}
		cfg.Dump(img)
		return nil
	}

	fmt.Printf("\n[header]\n")
	fmt.Printf("type     %s\n", img.Type)
	fmt.Printf("machine  %s\n", img.Machine)
	fmt.Printf("os abi   %s\n", img.OSABI)
	fmt.Printf("entry    %#x\n", img.EntryAddress())
	fmt.Printf("base     %#x\n", img.Base)
	fmt.Printf("sections %d\n", img.Sections)

	if img.Self != nil {
		fmt.Printf("\n[self segments]\n")

		tr := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
		for i, seg := range img.SelfSegments {
			fmt.Fprintf(tr, "%d\ttype=%#x\toffset=%#x\tcompressed=%#x\tsize=%#x\n",
				i, seg.Type, seg.Offset, seg.CompressedSize, seg.DecompressedSize)
		}
		tr.Flush()
	}

	fmt.Printf("\n[segments]\n")

	tr := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
	for _, seg := range img.Segments {
		fmt.Fprintf(tr, "%d\t%s\t%#x\t%#x\t%s\tfile=%d\n",
			seg.Index, seg.Type, seg.Vaddr, seg.Memsz, seg.Prot, len(seg.Data))
	}
	tr.Flush()

	if img.TLS != nil {
		fmt.Printf("\n[tls]\n")
		fmt.Printf("init %d bytes, memsz %#x, align %d\n", len(img.TLS.Data), img.TLS.MemSize, img.TLS.Align)
	}

	return nil
}

func main() {
	pflag.Parse()

	if pflag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "usage: selfdump [-R] <image>...\n")
		os.Exit(2)
	}

	for _, path := range pflag.Args() {
		fmt.Printf("%s:\n", path)

		if err := dump(path); err != nil {
			log.Fatal(err)
		}
	}
}
