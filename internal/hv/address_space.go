package hv

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	ErrInvalidAddressRange = errors.New("invalid guest address range")
	ErrRegionsIntersect    = errors.New("address space regions intersect")
)

// AddressSpaceLayout bounds a guest's physical address space: the highest
// usable physical address, and the window where default guest memory may
// live. Device and DAX regions may sit above MemEnd, below PhysEnd.
type AddressSpaceLayout struct {
	PhysEnd  uint64
	MemStart uint64
	MemEnd   uint64
}

// IsRegionValid reports whether a region fits the layout. Default memory
// regions must stay inside the guest memory window; other kinds only need
// to stay below the physical ceiling.
func (l AddressSpaceLayout) IsRegionValid(r *Region) bool {
	if !r.IsValid() {
		return false
	}
	if r.LastAddr() > l.PhysEnd {
		return false
	}
	if r.Kind() == RegionDefaultMemory {
		return r.Base() >= l.MemStart && r.LastAddr() <= l.MemEnd
	}
	return true
}

// addressSpaceState is one immutable snapshot of the region set, sorted by
// guest physical base address.
type addressSpaceState struct {
	regions []*Region
	layout  AddressSpaceLayout
}

// AddressSpace holds the authoritative set of typed, non-overlapping
// regions for one guest. Lookups read an immutable snapshot so device I/O
// paths never contend with the control thread; mutations swap in a new
// snapshot under a writer lock.
type AddressSpace struct {
	mu    sync.Mutex // serializes writers
	state atomic.Pointer[addressSpaceState]
}

// NewAddressSpace creates an address space from an initial region set.
// Regions are sorted by base address; invalid or mutually intersecting
// regions are rejected.
func NewAddressSpace(regions []*Region, layout AddressSpaceLayout) (*AddressSpace, error) {
	st, err := buildState(regions, layout)
	if err != nil {
		return nil, err
	}
	a := &AddressSpace{}
	a.state.Store(st)
	return a, nil
}

func buildState(regions []*Region, layout AddressSpaceLayout) (*addressSpaceState, error) {
	sorted := make([]*Region, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base() < sorted[j].Base() })

	for _, r := range sorted {
		if !layout.IsRegionValid(r) {
			return nil, fmt.Errorf("%w: (0x%x, 0x%x)", ErrInvalidAddressRange, r.Base(), r.Size())
		}
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[i].IntersectWith(sorted[i-1]) {
			return nil, fmt.Errorf("%w: (0x%x, 0x%x)", ErrRegionsIntersect, sorted[i].Base(), sorted[i].Size())
		}
	}
	return &addressSpaceState{regions: sorted, layout: layout}, nil
}

// InsertRegion adds a region after checking layout validity and non-overlap
// against every existing region.
func (a *AddressSpace) InsertRegion(region *Region) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.state.Load()
	if !cur.layout.IsRegionValid(region) {
		return fmt.Errorf("%w: (0x%x, 0x%x)", ErrInvalidAddressRange, region.Base(), region.Size())
	}
	for _, r := range cur.regions {
		if r.IntersectWith(region) {
			return fmt.Errorf("%w: (0x%x, 0x%x)", ErrRegionsIntersect, region.Base(), region.Size())
		}
	}

	next, err := buildState(append(append([]*Region(nil), cur.regions...), region), cur.layout)
	if err != nil {
		return err
	}
	a.state.Store(next)
	return nil
}

// WalkRegions applies cb to every region in base-address order, stopping at
// the first error.
func (a *AddressSpace) WalkRegions(cb func(*Region) error) error {
	for _, r := range a.state.Load().regions {
		if err := cb(r); err != nil {
			return err
		}
	}
	return nil
}

// Layout returns the layout the address space was created with.
func (a *AddressSpace) Layout() AddressSpaceLayout {
	return a.state.Load().layout
}

// LastAddr returns the highest guest physical address used by any region
// other than DAX windows.
func (a *AddressSpace) LastAddr() uint64 {
	st := a.state.Load()
	last := st.layout.MemStart
	for _, r := range st.regions {
		if r.Kind() != RegionDAXMemory && r.LastAddr() > last {
			last = r.LastAddr()
		}
	}
	return last
}

// IsDAXRegion reports whether gpa falls inside a DAX window.
func (a *AddressSpace) IsDAXRegion(gpa uint64) bool {
	for _, r := range a.state.Load().regions {
		if r.Kind() == RegionDAXMemory && r.Base() <= gpa && gpa <= r.LastAddr() {
			return true
		}
	}
	return false
}

// ProtFlags returns the mmap protection flags of the region covering gpa.
func (a *AddressSpace) ProtFlags(gpa uint64) (int, error) {
	for _, r := range a.state.Load().regions {
		if r.Base() <= gpa && gpa <= r.LastAddr() {
			return r.ProtFlags(), nil
		}
	}
	return 0, fmt.Errorf("%w: 0x%x", ErrNoRegionForAddress, gpa)
}

// NumaNodeID returns the host NUMA node hint of the region covering gpa,
// or nil when there is no hint or no region.
func (a *AddressSpace) NumaNodeID(gpa uint64) *uint32 {
	for _, r := range a.state.Load().regions {
		if r.Base() <= gpa && gpa <= r.LastAddr() {
			return r.HostNumaNode()
		}
	}
	return nil
}
