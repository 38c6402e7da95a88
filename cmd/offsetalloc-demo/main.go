// Command offsetalloc-demo walks through a small allocate/free sequence and
// prints the offsets the allocator hands out.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/offsetalloc/offsetalloc/internal/offsetalloc"
)

func main() {
	var (
		size      uint
		maxAllocs uint
	)

	flag.UintVar(&size, "size", 12345, "managed range in units")
	flag.UintVar(&maxAllocs, "max-allocs", 128*1024, "node pool capacity")
	flag.Parse()

	if err := run(uint32(size), uint32(maxAllocs)); err != nil {
		fmt.Fprintf(os.Stderr, "offsetalloc-demo: %v\n", err)
		os.Exit(1)
	}
}

func run(size, maxAllocs uint32) error {
	a, err := offsetalloc.New(size, maxAllocs)
	if err != nil {
		return err
	}
	defer a.Destroy()

	allocA, err := a.Allocate(1337)
	if err != nil {
		return err
	}
	fmt.Printf("offsetA: %d\n", allocA.Offset)

	allocB, err := a.Allocate(123)
	if err != nil {
		return err
	}
	fmt.Printf("offsetB: %d\n", allocB.Offset)

	if err := a.Free(allocA); err != nil {
		return err
	}

	// Reuses the region allocA just gave back.
	allocC, err := a.Allocate(64)
	if err != nil {
		return err
	}
	fmt.Printf("offsetC: %d\n", allocC.Offset)

	if err := a.Free(allocB); err != nil {
		return err
	}
	if err := a.Free(allocC); err != nil {
		return err
	}

	fmt.Printf("free storage: %d of %d\n", a.FreeStorage(), a.Size())

	return nil
}
