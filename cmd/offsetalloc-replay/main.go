// Command offsetalloc-replay applies an allocation trace to an allocator and
// reports what happened. With -arena the allocations are backed by mapped
// memory and every returned region is touched; with -watch the trace is
// re-applied whenever the file changes.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/offsetalloc/offsetalloc/internal/arena"
	"github.com/offsetalloc/offsetalloc/internal/offsetalloc"
	"github.com/offsetalloc/offsetalloc/internal/trace"
)

func main() {
	var (
		tracePath string
		size      uint
		maxAllocs uint
		useArena  bool
		watch     bool
		verbose   bool
	)

	flag.StringVar(&tracePath, "trace", "", "trace file to replay (required)")
	flag.UintVar(&size, "size", 128*1024*1024, "managed range in units")
	flag.UintVar(&maxAllocs, "max-allocs", 64*1024, "node pool capacity")
	flag.BoolVar(&useArena, "arena", false, "back allocations with mapped memory and touch each region")
	flag.BoolVar(&watch, "watch", false, "re-run the trace whenever the file changes")
	flag.BoolVar(&verbose, "v", false, "log every operation")
	flag.Parse()

	if tracePath == "" {
		fmt.Fprintln(os.Stderr, "offsetalloc-replay: -trace is required")
		flag.Usage()
		os.Exit(2)
	}

	r := &replayer{
		size:      uint32(size),
		maxAllocs: uint32(maxAllocs),
		useArena:  useArena,
		verbose:   verbose,
	}

	if err := r.runFile(tracePath); err != nil {
		fmt.Fprintf(os.Stderr, "offsetalloc-replay: %v\n", err)
		if !watch {
			os.Exit(1)
		}
	}

	if !watch {
		return
	}

	if err := watchAndRerun(tracePath, r); err != nil {
		fmt.Fprintf(os.Stderr, "offsetalloc-replay: %v\n", err)
		os.Exit(1)
	}
}

type replayer struct {
	size      uint32
	maxAllocs uint32
	useArena  bool
	verbose   bool
}

type summary struct {
	applied  int
	failures int
}

func (r *replayer) runFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ops, err := trace.Parse(f)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	a, err := offsetalloc.New(r.size, r.maxAllocs)
	if err != nil {
		return err
	}
	defer a.Destroy()

	var backing *arena.Arena
	if r.useArena {
		backing, err = arena.Map(r.size)
		if err != nil {
			return err
		}
		defer backing.Unmap()
	}

	sum, err := r.apply(a, backing, ops)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d ops applied, %d failed, free storage %d of %d\n",
		path, sum.applied, sum.failures, a.FreeStorage(), a.Size())

	return nil
}

func (r *replayer) apply(a *offsetalloc.Allocator, backing *arena.Arena, ops []trace.Op) (summary, error) {
	var sum summary

	live := make(map[string]offsetalloc.Allocation)

	for i, op := range ops {
		switch op.Kind {
		case trace.OpAlloc:
			if _, ok := live[op.Tag]; ok {
				return sum, fmt.Errorf("op %d: tag %q is already allocated", i+1, op.Tag)
			}

			alloc, err := a.Allocate(op.Size)
			if err != nil {
				sum.failures++
				if r.verbose {
					fmt.Printf("  alloc %s %d -> %v\n", op.Tag, op.Size, err)
				}
				continue
			}

			if backing != nil {
				region, err := backing.Slice(alloc.Offset, op.Size)
				if err != nil {
					return sum, fmt.Errorf("op %d: %w", i+1, err)
				}
				for j := range region {
					region[j] = byte(alloc.Offset)
				}
			}

			live[op.Tag] = alloc
			sum.applied++
			if r.verbose {
				fmt.Printf("  alloc %s %d -> offset %d\n", op.Tag, op.Size, alloc.Offset)
			}

		case trace.OpFree:
			alloc, ok := live[op.Tag]
			if !ok {
				return sum, fmt.Errorf("op %d: free of unknown tag %q", i+1, op.Tag)
			}
			delete(live, op.Tag)

			if err := a.Free(alloc); err != nil {
				return sum, fmt.Errorf("op %d: free %s: %w", i+1, op.Tag, err)
			}

			sum.applied++
			if r.verbose {
				fmt.Printf("  free %s (offset %d)\n", op.Tag, alloc.Offset)
			}
		}
	}

	return sum, nil
}

// watchAndRerun blocks forever, re-applying the trace after each change to
// the file. Editors replace files by rename, so the watch is on the parent
// directory and filtered by name.
func watchAndRerun(path string, r *replayer) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	abs, err := absDir(path)
	if err != nil {
		return err
	}

	if err := w.Add(abs); err != nil {
		return err
	}

	fmt.Printf("watching %s\n", path)

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !sameFile(ev.Name, path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if err := r.runFile(path); err != nil {
				fmt.Fprintf(os.Stderr, "offsetalloc-replay: %v\n", err)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "offsetalloc-replay: watch: %v\n", err)
		}
	}
}

func absDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return filepath.Dir(abs), nil
}

func sameFile(a, b string) bool {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false
	}

	absB, err := filepath.Abs(b)
	if err != nil {
		return false
	}

	return absA == absB
}
