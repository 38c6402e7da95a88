// Command offsetalloc-soak drives random allocate/free traffic against an
// allocator, mirrors it into a plain model and verifies after every step
// that offsets never overlap, stay inside the range and that free-storage
// accounting holds. A non-zero exit reports the first divergence together
// with the seed that reproduces it.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/offsetalloc/offsetalloc/internal/offsetalloc"
)

func main() {
	var (
		seed         int64
		ops          int
		size         uint
		maxAllocs    uint
		maxAllocSize uint
		verbose      bool
	)

	flag.Int64Var(&seed, "seed", 0, "random seed (0=time)")
	flag.IntVar(&ops, "ops", 100000, "operations to run")
	flag.UintVar(&size, "size", 1<<24, "managed range in units")
	flag.UintVar(&maxAllocs, "max-allocs", 4096, "node pool capacity")
	flag.UintVar(&maxAllocSize, "max-alloc-size", 65536, "largest random request")
	flag.BoolVar(&verbose, "v", false, "log every operation")
	flag.Parse()

	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s := &soaker{
		rng:          rand.New(rand.NewSource(seed)),
		size:         uint32(size),
		maxAllocSize: uint32(maxAllocSize),
		verbose:      verbose,
	}

	if err := s.run(uint32(maxAllocs), ops); err != nil {
		fmt.Fprintf(os.Stderr, "offsetalloc-soak: %v\nreproduce with -seed %d\n", err, seed)
		os.Exit(1)
	}

	fmt.Printf("%d ops ok (seed %d): %d allocs, %d frees, %d rejected\n",
		ops, seed, s.allocs, s.frees, s.rejected)
}

type liveRegion struct {
	alloc offsetalloc.Allocation
	size  uint32
}

type soaker struct {
	rng          *rand.Rand
	size         uint32
	maxAllocSize uint32
	verbose      bool

	live     []liveRegion
	liveSum  uint32
	allocs   int
	frees    int
	rejected int
}

func (s *soaker) run(maxAllocs uint32, ops int) error {
	a, err := offsetalloc.New(s.size, maxAllocs)
	if err != nil {
		return err
	}
	defer a.Destroy()

	for op := 0; op < ops; op++ {
		if len(s.live) == 0 || s.rng.Intn(100) < 55 {
			if err := s.allocate(a, op); err != nil {
				return err
			}
		} else {
			if err := s.free(a, op); err != nil {
				return err
			}
		}

		if err := s.verify(a, op); err != nil {
			return err
		}
	}

	// Drain and make sure the whole range is reported free again.
	for len(s.live) > 0 {
		if err := s.free(a, ops); err != nil {
			return err
		}
	}

	if a.FreeStorage() != s.size {
		return fmt.Errorf("drained allocator reports %d free of %d", a.FreeStorage(), s.size)
	}

	return nil
}

func (s *soaker) allocate(a *offsetalloc.Allocator, op int) error {
	size := uint32(s.rng.Int63n(int64(s.maxAllocSize))) + 1

	alloc, err := a.Allocate(size)
	if err != nil {
		// Pool pressure and fragmentation are expected outcomes, not bugs.
		s.rejected++
		if s.verbose {
			fmt.Printf("op %d: alloc %d rejected: %v\n", op, size, err)
		}
		return nil
	}

	if uint64(alloc.Offset)+uint64(size) > uint64(s.size) {
		return fmt.Errorf("op %d: region [%d, %d) exceeds range %d",
			op, alloc.Offset, uint64(alloc.Offset)+uint64(size), s.size)
	}

	s.live = append(s.live, liveRegion{alloc: alloc, size: size})
	s.liveSum += size
	s.allocs++

	if s.verbose {
		fmt.Printf("op %d: alloc %d -> offset %d\n", op, size, alloc.Offset)
	}

	return nil
}

func (s *soaker) free(a *offsetalloc.Allocator, op int) error {
	i := s.rng.Intn(len(s.live))
	r := s.live[i]

	if err := a.Free(r.alloc); err != nil {
		return fmt.Errorf("op %d: free offset %d: %w", op, r.alloc.Offset, err)
	}

	s.live[i] = s.live[len(s.live)-1]
	s.live = s.live[:len(s.live)-1]
	s.liveSum -= r.size
	s.frees++

	if s.verbose {
		fmt.Printf("op %d: free offset %d\n", op, r.alloc.Offset)
	}

	return nil
}

// verify checks the allocator's externally observable guarantees against the
// model: disjoint live regions and exact free-storage accounting.
func (s *soaker) verify(a *offsetalloc.Allocator, op int) error {
	if got, want := a.FreeStorage(), s.size-s.liveSum; got != want {
		return fmt.Errorf("op %d: free storage %d, model says %d", op, got, want)
	}

	regions := make([]liveRegion, len(s.live))
	copy(regions, s.live)
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].alloc.Offset < regions[j].alloc.Offset
	})

	for i := 1; i < len(regions); i++ {
		prev, cur := regions[i-1], regions[i]
		if prev.alloc.Offset+prev.size > cur.alloc.Offset {
			return fmt.Errorf("op %d: overlap between [%d, %d) and [%d, %d)",
				op, prev.alloc.Offset, prev.alloc.Offset+prev.size,
				cur.alloc.Offset, cur.alloc.Offset+cur.size)
		}
	}

	return nil
}
