package hv

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RegionKind describes what a guest physical address range is used for.
type RegionKind int

const (
	// RegionDefaultMemory is normal guest RAM.
	RegionDefaultMemory RegionKind = iota
	// RegionDeviceMemory is an MMIO window owned by a device model. The
	// address space manager never maps these; the device does.
	RegionDeviceMemory
	// RegionDAXMemory is a window for direct guest access to device-provided
	// data, such as a virtio-fs cache window.
	RegionDAXMemory
)

func (k RegionKind) String() string {
	switch k {
	case RegionDefaultMemory:
		return "default-memory"
	case RegionDeviceMemory:
		return "device-memory"
	case RegionDAXMemory:
		return "dax-memory"
	default:
		return fmt.Sprintf("region-kind(%d)", int(k))
	}
}

// FileOffset pairs an open backing file with the offset of the region's
// first byte inside it.
type FileOffset struct {
	File   *os.File
	Offset uint64
}

// Region describes one contiguous range of the guest physical address
// space: its kind, backing source and access policy. A Region is immutable
// once built and owned by the address space it is inserted into.
type Region struct {
	kind            RegionKind
	base            uint64
	size            uint64
	hostNumaNode    *uint32
	backing         *FileOffset
	permFlags       int // mmap flags (MAP_SHARED, MAP_POPULATE, ...)
	protFlags       int // mmap protection (PROT_READ|PROT_WRITE)
	hugePageEnabled bool
	anonPageEnabled bool
	hotplugEnabled  bool
}

// NewRegion creates a region with default read|write protection and no
// backing file.
func NewRegion(kind RegionKind, base, size uint64) *Region {
	return &Region{
		kind:      kind,
		base:      base,
		size:      size,
		protFlags: unix.PROT_READ | unix.PROT_WRITE,
	}
}

// BuildRegion creates a fully specified region in one call.
func BuildRegion(kind RegionKind, base, size uint64, hostNumaNode *uint32, backing *FileOffset, permFlags, protFlags int, hotplug bool) *Region {
	return &Region{
		kind:           kind,
		base:           base,
		size:           size,
		hostNumaNode:   hostNumaNode,
		backing:        backing,
		permFlags:      permFlags,
		protFlags:      protFlags,
		hotplugEnabled: hotplug,
	}
}

// CreateDeviceRegion creates a region for device MMIO ranges. The region has
// no backing file and zero permission/protection flags because the device
// model, not the address space manager, maps it.
func CreateDeviceRegion(base, size uint64) *Region {
	r := NewRegion(RegionDeviceMemory, base, size)
	r.permFlags = 0
	r.protFlags = 0
	return r
}

// CreateDAXRegion creates a region for a device DAX window, such as the
// virtio-fs cache window. Like device regions it carries no backing file.
func CreateDAXRegion(base, size uint64) *Region {
	r := NewRegion(RegionDAXMemory, base, size)
	r.permFlags = 0
	r.protFlags = 0
	return r
}

// CreateDefaultMemoryRegion creates a region of normal guest RAM backed by
// the named memory source. This is the only constructor that performs file
// I/O: memfd creation, or backing file creation/unlinking/resizing.
func CreateDefaultMemoryRegion(base, size uint64, hostNumaNode *uint32, sourceName, filePath string, prealloc, hotplug bool) (*Region, error) {
	store, err := selectBackingStore(sourceName, filePath, size)
	if err != nil {
		return nil, err
	}

	permFlags := unix.MAP_SHARED
	if store.anonymous {
		permFlags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	}
	if prealloc {
		permFlags |= unix.MAP_POPULATE
	}

	var backing *FileOffset
	if store.file != nil {
		backing = &FileOffset{File: store.file}
	}

	r := BuildRegion(RegionDefaultMemory, base, size, hostNumaNode, backing,
		permFlags, unix.PROT_READ|unix.PROT_WRITE, hotplug)
	r.hugePageEnabled = store.hugePage
	r.anonPageEnabled = store.anonymous
	return r, nil
}

func (r *Region) Kind() RegionKind      { return r.kind }
func (r *Region) Base() uint64          { return r.base }
func (r *Region) Size() uint64          { return r.size }
func (r *Region) HostNumaNode() *uint32 { return r.hostNumaNode }
func (r *Region) Backing() *FileOffset  { return r.backing }
func (r *Region) PermFlags() int        { return r.permFlags }
func (r *Region) ProtFlags() int        { return r.protFlags }
func (r *Region) IsHugePage() bool      { return r.hugePageEnabled }
func (r *Region) IsAnonPage() bool      { return r.anonPageEnabled }
func (r *Region) IsHotplug() bool       { return r.hotplugEnabled }

// LastAddr returns the last guest physical address covered by the region.
// Only meaningful when the region is valid.
func (r *Region) LastAddr() uint64 {
	return r.base + r.size - 1
}

// IsValid reports whether the region has a positive size and its end does
// not overflow the guest physical address width.
func (r *Region) IsValid() bool {
	return r.size > 0 && r.base <= ^uint64(0)-r.size
}

// IntersectWith reports whether two regions' half-open address ranges
// overlap. Invalid regions conservatively intersect everything: their
// bounds cannot be trusted for exclusion logic.
func (r *Region) IntersectWith(other *Region) bool {
	if !r.IsValid() || !other.IsValid() {
		return true
	}
	return r.base < other.base+other.size && other.base < r.base+r.size
}
