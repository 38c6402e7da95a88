package offsetalloc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// checkInvariants walks the allocator's whole state and verifies the
// structural invariants that must hold between public operations: the
// free-slot stack, the physical-adjacency chain, bin membership and the
// two-level mask, neighbor coalescing and storage accounting.
func checkInvariants(t *testing.T, a *Allocator) {
	t.Helper()

	// Free-slot stack: in range, no duplicates. Its complement is the set of
	// node slots currently describing a region.
	require.GreaterOrEqual(t, a.freeOffset, -1)
	require.Less(t, a.freeOffset, int(a.maxAllocs))

	inUse := make(map[uint32]bool, a.maxAllocs)
	for i := uint32(0); i < a.maxAllocs; i++ {
		inUse[i] = true
	}
	for i := 0; i <= a.freeOffset; i++ {
		id := a.freeNodes[i]
		require.True(t, inUse[id], "free-slot stack has duplicate or stale id %d", id)
		delete(inUse, id)
	}

	// The physical-adjacency chain covers [0, size) exactly, in offset order,
	// visiting every in-use node once. No two adjacent nodes are both free.
	var head uint32 = nodeUnused
	for id := range inUse {
		if a.nodes[id].neighborPrev == nodeUnused {
			require.Equal(t, nodeUnused, head, "two chain heads: %d and %d", head, id)
			head = id
		}
	}
	require.NotEqual(t, nodeUnused, head, "no chain head")

	visited := 0
	expectedOffset := uint32(0)
	freeSum := uint32(0)
	liveSum := uint32(0)

	for id := head; id != nodeUnused; id = a.nodes[id].neighborNext {
		n := &a.nodes[id]
		require.True(t, inUse[id], "chain reaches node %d which is on the free stack", id)
		require.Equal(t, expectedOffset, n.offset, "gap or overlap at node %d", id)
		require.Less(t, visited, len(inUse), "cycle in the adjacency chain")

		if next := n.neighborNext; next != nodeUnused {
			require.Equal(t, id, a.nodes[next].neighborPrev, "broken back link at node %d", id)
			require.False(t, !n.used && !a.nodes[next].used,
				"adjacent free nodes %d and %d were not coalesced", id, next)
		}

		if n.used {
			liveSum += n.size
			require.Equal(t, nodeUnused, n.binPrev, "live node %d has a bin prev link", id)
			require.Equal(t, nodeUnused, n.binNext, "live node %d has a bin next link", id)
		} else {
			freeSum += n.size
		}

		expectedOffset += n.size
		visited++
	}

	require.Equal(t, a.size, expectedOffset, "chain does not cover the managed range")
	require.Equal(t, len(inUse), visited, "in-use nodes unreachable from the chain")
	require.Equal(t, a.freeStorage, freeSum, "freeStorage does not match the free nodes")
	require.Equal(t, a.size-liveSum, a.freeStorage, "live and free sizes do not sum to the range")

	// Every free node sits in exactly the bin its size rounds down to, and
	// the masks mirror bin-head emptiness.
	binMember := make(map[uint32]uint32) // node id -> bin index
	for bin := uint32(0); bin < numLeafBins; bin++ {
		topBin := bin >> topBinsIndexShift
		leafBin := bin & leafBinsIndexMask

		head := a.binHeads[bin]
		if head == nodeUnused {
			require.Zero(t, a.usedBins[topBin]&(1<<leafBin), "leaf bit set for empty bin %d", bin)
			continue
		}

		require.NotZero(t, a.usedBins[topBin]&(1<<leafBin), "leaf bit clear for non-empty bin %d", bin)
		require.NotZero(t, a.usedBinsTop&(1<<topBin), "top bit clear for non-empty top bin %d", topBin)

		require.Equal(t, nodeUnused, a.nodes[head].binPrev, "bin %d head has a prev link", bin)
		for id := head; id != nodeUnused; id = a.nodes[id].binNext {
			n := &a.nodes[id]
			_, seen := binMember[id]
			require.False(t, seen, "node %d appears in more than one bin", id)
			binMember[id] = bin

			require.True(t, inUse[id], "bin %d reaches node %d on the free stack", bin, id)
			require.False(t, n.used, "bin %d reaches live node %d", bin, id)
			require.Equal(t, binRoundDown(n.size), bin, "node %d of size %d in wrong bin", id, n.size)

			if next := n.binNext; next != nodeUnused {
				require.Equal(t, id, a.nodes[next].binPrev, "broken bin back link at node %d", id)
			}
		}
	}

	for topBin := uint32(0); topBin < numTopBins; topBin++ {
		if a.usedBins[topBin] == 0 {
			require.Zero(t, a.usedBinsTop&(1<<topBin), "top bit set for empty top bin %d", topBin)
		}
	}

	// Bin membership and chain free-ness agree.
	for id := range inUse {
		if !a.nodes[id].used {
			_, ok := binMember[id]
			require.True(t, ok, "free node %d not reachable from any bin", id)
		}
	}
}

// TestRandomizedInvariants drives random allocate/free traffic against a
// slice of live regions, checks each new allocation against it, and
// re-verifies every structural invariant every 50 operations and at the end.
func TestRandomizedInvariants(t *testing.T) {
	const (
		rangeSize = 131072
		maxAllocs = 64
		steps     = 4000
	)

	rng := rand.New(rand.NewSource(1))

	a, err := New(rangeSize, maxAllocs)
	require.NoError(t, err)

	type region struct {
		alloc Allocation
		size  uint32
	}
	var live []region

	for step := 0; step < steps; step++ {
		if len(live) == 0 || rng.Intn(100) < 60 {
			size := uint32(rng.Intn(4096) + 1)
			alloc, err := a.Allocate(size)
			if err != nil {
				// Legitimate under pressure; both causes leave the
				// allocator untouched.
				var allocErr *AllocError
				require.ErrorAs(t, err, &allocErr, "step %d", step)
				require.Contains(t, []ErrorCode{ErrNoSpace, ErrOutOfNodes}, allocErr.Code, "step %d", step)
			} else {
				require.LessOrEqual(t, uint64(alloc.Offset)+uint64(size), uint64(rangeSize), "step %d", step)
				for _, r := range live {
					disjoint := alloc.Offset+size <= r.alloc.Offset || r.alloc.Offset+r.size <= alloc.Offset
					require.True(t, disjoint, "step %d: overlap with live region at %d", step, r.alloc.Offset)
				}
				live = append(live, region{alloc: alloc, size: size})
			}
		} else {
			i := rng.Intn(len(live))
			require.NoError(t, a.Free(live[i].alloc), "step %d", step)
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
		}

		if step%50 == 0 {
			checkInvariants(t, a)
		}
	}

	for _, r := range live {
		require.NoError(t, a.Free(r.alloc))
	}

	require.Equal(t, uint32(rangeSize), a.FreeStorage())
	checkInvariants(t, a)
}
