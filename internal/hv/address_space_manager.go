package hv

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Guest physical address space layout. Default guest memory grows upward
// from GuestMemStart and must avoid the low MMIO hole used by 32-bit BARs
// and the IOAPIC.
const (
	GuestMemStart = 0x0
	GuestPhysEnd  = (1 << 46) - 1
	GuestMemEnd   = GuestPhysEnd >> 1

	MMIOLowStart = 0xc000_0000
	MMIOLowEnd   = 0xffff_ffff
)

const (
	// Regions straddling the MMIO hole are split, unless the fragment below
	// the hole would be smaller than this.
	minimalSplitSpace = 128 << 20

	// Background pre-fault: one worker per 4 GiB, capped.
	maxPreallocWorkers      = 16
	preallocGranularityBits = 32

	pageSize = 4096
)

const (
	mpolPreferred = 1
	mpolMfMove    = 2
	numaMaxNodes  = 64
)

// NumaRegionInfo describes one guest memory extent requested by the boot
// configuration.
type NumaRegionInfo struct {
	// Size of the extent in MiB.
	SizeMiB uint64
	// Optional host NUMA node to prefer for the backing pages.
	HostNumaNode *uint32
	// Guest NUMA node the extent belongs to.
	GuestNumaNode uint32
	// vCPUs assigned to the guest NUMA node.
	VcpuIDs []uint32
}

// NumaNode accumulates the memory extents and vCPUs of one guest NUMA node.
type NumaNode struct {
	Extents []MMIORegion
	VcpuIDs []uint32
}

// AddressSpaceManagerBuilder collects the parameters for building a guest
// address space.
type AddressSpaceManagerBuilder struct {
	memType     string
	memFile     string
	memIndex    uint32
	memSuffix   bool
	memPrealloc bool
	slotMapper  SlotMapper
}

// NewAddressSpaceManagerBuilder creates a builder for the given memory
// source type and backing file path. The type is validated when regions are
// created; an empty type is rejected up front.
func NewAddressSpaceManagerBuilder(memType, memFile string) (*AddressSpaceManagerBuilder, error) {
	if memType == "" {
		return nil, fmt.Errorf("%w: empty memory type", ErrInvalidMemorySourceType)
	}
	return &AddressSpaceManagerBuilder{
		memType:   memType,
		memFile:   memFile,
		memSuffix: true,
	}, nil
}

// ToggleFileSuffix enables or disables the numbered suffix appended to
// backing file paths (shmem0, shmem1, ...).
func (b *AddressSpaceManagerBuilder) ToggleFileSuffix(enabled bool) {
	b.memSuffix = enabled
}

// TogglePrealloc enables or disables pre-faulting of guest memory. Enabling
// trades boot time and CPU for stable performance at workload start.
func (b *AddressSpaceManagerBuilder) TogglePrealloc(prealloc bool) {
	b.memPrealloc = prealloc
}

// SetSlotMapper supplies the hypervisor hook that installs guest memory
// slots. Without one, regions are mapped into the host but not exposed to
// the hypervisor; that is the normal arrangement in tests.
func (b *AddressSpaceManagerBuilder) SetSlotMapper(m SlotMapper) {
	b.slotMapper = m
}

func (b *AddressSpaceManagerBuilder) nextMemFile() string {
	if b.memSuffix {
		path := fmt.Sprintf("%s%d", b.memFile, b.memIndex)
		b.memIndex++
		return path
	}
	return b.memFile
}

// Build assembles the address space from the configured parameters, maps
// all default memory into the host and hands each region to the slot
// mapper.
func (b *AddressSpaceManagerBuilder) Build(numaRegions []NumaRegionInfo) (*AddressSpaceManager, error) {
	mgr := &AddressSpaceManager{
		baseToSlot: make(map[uint64]uint32),
		numaNodes:  make(map[uint32]*NumaNode),
	}
	if err := mgr.createAddressSpace(b, numaRegions); err != nil {
		return nil, err
	}
	return mgr, nil
}

// AddressSpaceManager owns a guest's physical address space: the region
// set, the host mappings of default memory, and the guest memory accessor
// derived from them. The region set is assembled at boot and is read-mostly
// afterwards.
type AddressSpaceManager struct {
	addressSpace *AddressSpace
	guestMemory  *mmapGuestMemory

	baseToSlot map[uint64]uint32
	nextSlot   uint32

	numaNodes map[uint32]*NumaNode

	preallocWG   sync.WaitGroup
	preallocStop atomic.Bool
}

// IsInitialized reports whether the address space has been created.
func (m *AddressSpaceManager) IsInitialized() bool {
	return m.addressSpace != nil
}

// AddressSpace returns the managed address space, or nil before Build.
func (m *AddressSpaceManager) AddressSpace() *AddressSpace {
	return m.addressSpace
}

// GuestMemory returns the accessor for the guest's default memory.
func (m *AddressSpaceManager) GuestMemory() (GuestMemory, error) {
	if m.guestMemory == nil {
		return nil, ErrGuestMemoryNotInitialized
	}
	return m.guestMemory, nil
}

// NumaNodes returns the guest NUMA bookkeeping, keyed by guest node id.
func (m *AddressSpaceManager) NumaNodes() map[uint32]*NumaNode {
	return m.numaNodes
}

// Layout returns the address space layout.
func (m *AddressSpaceManager) Layout() (AddressSpaceLayout, error) {
	if m.addressSpace == nil {
		return AddressSpaceLayout{}, ErrGuestMemoryNotInitialized
	}
	return m.addressSpace.Layout(), nil
}

// BaseToSlot returns the mapping from region base address to hypervisor
// memory slot.
func (m *AddressSpaceManager) BaseToSlot() map[uint64]uint32 {
	return m.baseToSlot
}

// InsertDeviceRegion reserves an MMIO window for a device model. The range
// must not intersect any existing region.
func (m *AddressSpaceManager) InsertDeviceRegion(base, size uint64) (*Region, error) {
	if m.addressSpace == nil {
		return nil, ErrGuestMemoryNotInitialized
	}
	r := CreateDeviceRegion(base, size)
	if err := m.addressSpace.InsertRegion(r); err != nil {
		return nil, err
	}
	return r, nil
}

// InsertDAXRegion reserves a DAX window, such as a virtio-fs cache window.
func (m *AddressSpaceManager) InsertDAXRegion(base, size uint64) (*Region, error) {
	if m.addressSpace == nil {
		return nil, ErrGuestMemoryNotInitialized
	}
	r := CreateDAXRegion(base, size)
	if err := m.addressSpace.InsertRegion(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (m *AddressSpaceManager) createAddressSpace(b *AddressSpaceManagerBuilder, numaRegions []NumaRegionInfo) error {
	var regions []*Region
	startAddr := uint64(GuestMemStart)

	for i := range numaRegions {
		info := &numaRegions[i]
		size := info.SizeMiB << 20
		if size>>20 != info.SizeMiB {
			return fmt.Errorf("%w: memory size %d MiB overflows", ErrInvalidAddressRange, info.SizeMiB)
		}

		// Guest memory must not intersect the low MMIO hole.
		if startAddr > MMIOLowEnd || startAddr+size <= MMIOLowStart {
			region, err := m.createRegion(startAddr, size, info, b)
			if err != nil {
				return err
			}
			regions = append(regions, region)
			next, ok := checkedAdd(startAddr, size)
			if !ok {
				return fmt.Errorf("%w: (0x%x, 0x%x)", ErrInvalidAddressRange, startAddr, size)
			}
			startAddr = next
		} else {
			// Split around the hole. Skip the fragment below the hole when
			// it is too small to be worth a separate region.
			belowSize := MMIOLowStart - startAddr
			if belowSize < minimalSplitSpace {
				belowSize = 0
			} else {
				region, err := m.createRegion(startAddr, belowSize, info, b)
				if err != nil {
					return err
				}
				regions = append(regions, region)
			}

			aboveStart := uint64(MMIOLowEnd) + 1
			aboveSize := size - belowSize
			region, err := m.createRegion(aboveStart, aboveSize, info, b)
			if err != nil {
				return err
			}
			regions = append(regions, region)
			next, ok := checkedAdd(aboveStart, aboveSize)
			if !ok {
				return fmt.Errorf("%w: (0x%x, 0x%x)", ErrInvalidAddressRange, aboveStart, aboveSize)
			}
			startAddr = next
		}
	}

	layout := AddressSpaceLayout{PhysEnd: GuestPhysEnd, MemStart: GuestMemStart, MemEnd: GuestMemEnd}
	space, err := NewAddressSpace(regions, layout)
	if err != nil {
		return err
	}

	gm := &mmapGuestMemory{}
	for _, reg := range regions {
		mapped, err := m.mapRegion(reg, b)
		if err != nil {
			gm.unmapAll()
			return err
		}
		gm.insert(mapped)
		if err := m.mapToSlot(b, reg, mapped); err != nil {
			gm.unmapAll()
			return err
		}
	}

	m.addressSpace = space
	m.guestMemory = gm
	return nil
}

func (m *AddressSpaceManager) createRegion(startAddr, size uint64, info *NumaRegionInfo, b *AddressSpaceManagerBuilder) (*Region, error) {
	memFilePath := b.nextMemFile()
	region, err := CreateDefaultMemoryRegion(startAddr, size, info.HostNumaNode, b.memType, memFilePath, b.memPrealloc, false)
	if err != nil {
		return nil, err
	}

	node, ok := m.numaNodes[info.GuestNumaNode]
	if !ok {
		node = &NumaNode{}
		m.numaNodes[info.GuestNumaNode] = node
	}
	node.Extents = append(node.Extents, MMIORegion{Address: startAddr, Size: size})
	node.VcpuIDs = append(node.VcpuIDs, info.VcpuIDs...)

	slog.Info("address-space: create region",
		"base", fmt.Sprintf("0x%x", startAddr),
		"size", size,
		"source", b.memType)
	return region, nil
}

// mapRegion mmaps one default memory region into the current process and
// applies the region's placement hints.
func (m *AddressSpaceManager) mapRegion(region *Region, b *AddressSpaceManagerBuilder) (*hostMapping, error) {
	if region.Size() > uint64(^uint(0)>>1) {
		return nil, fmt.Errorf("%w: (0x%x, 0x%x)", ErrInvalidAddressRange, region.Base(), region.Size())
	}

	perm := region.PermFlags()
	if perm&unix.MAP_POPULATE != 0 && region.IsHugePage() {
		// MAP_POPULATE pre-faults with normal pages before MADV_HUGEPAGE
		// takes effect, so huge-page regions are faulted in by the
		// pre-fault workers instead.
		perm &^= unix.MAP_POPULATE
	}

	fd := -1
	var fileOffset int64
	if backing := region.Backing(); backing != nil {
		fd = int(backing.File.Fd())
		fileOffset = int64(backing.Offset)
	}

	data, err := unix.Mmap(fd, fileOffset, int(region.Size()), region.ProtFlags(), perm)
	if err != nil {
		return nil, fmt.Errorf("address-space: mmap guest memory (0x%x, 0x%x): %w", region.Base(), region.Size(), err)
	}

	if region.IsAnonPage() {
		if err := unix.Madvise(data, unix.MADV_DONTFORK); err != nil {
			unix.Munmap(data)
			return nil, fmt.Errorf("address-space: madvise MADV_DONTFORK: %w", err)
		}
	}
	if node := region.HostNumaNode(); node != nil {
		// Best effort; a failed bind affects performance, not correctness.
		if err := mbindPreferred(data, *node); err != nil {
			slog.Warn("address-space: mbind to host numa node failed",
				"node", *node, "err", err)
		}
	}
	if region.IsHugePage() {
		if err := unix.Madvise(data, unix.MADV_HUGEPAGE); err != nil {
			unix.Munmap(data)
			return nil, fmt.Errorf("address-space: madvise MADV_HUGEPAGE: %w", err)
		}
		if region.PermFlags()&unix.MAP_POPULATE != 0 {
			m.startPreallocWorkers(data)
		}
	}

	mapped := &hostMapping{
		guestBase: region.Base(),
		data:      data,
	}
	if backing := region.Backing(); backing != nil {
		mapped.file = backing.File
		mapped.fileOffset = backing.Offset
	}
	return mapped, nil
}

func (m *AddressSpaceManager) mapToSlot(b *AddressSpaceManagerBuilder, region *Region, mapped *hostMapping) error {
	slot := m.nextSlot
	m.nextSlot++

	if b.slotMapper != nil {
		hostAddr := uintptr(unsafe.Pointer(&mapped.data[0]))
		if err := b.slotMapper.SetUserMemoryRegion(slot, region.Base(), region.Size(), hostAddr); err != nil {
			return fmt.Errorf("address-space: configure memory slot %d: %w", slot, err)
		}
	}
	m.baseToSlot[region.Base()] = slot
	return nil
}

// startPreallocWorkers touches every page of data in the background to
// trigger allocation. The step is 4 KiB rather than the huge page size so
// allocation still completes when the host runs out of huge pages.
func (m *AddressSpaceManager) startPreallocWorkers(data []byte) {
	npages := uint64(len(data)) / pageSize
	if npages == 0 {
		return
	}

	workers := (uint64(len(data)) >> preallocGranularityBits) + 1
	if workers > maxPreallocWorkers {
		workers = maxPreallocWorkers
	}

	perWorker := npages / workers
	for n := uint64(0); n < workers; n++ {
		start := perWorker * n
		end := perWorker * (n + 1)
		if n == workers-1 {
			end = npages
		}

		m.preallocWG.Add(1)
		go func(start, end uint64) {
			defer m.preallocWG.Done()
			for page := start; page < end; page++ {
				if m.preallocStop.Load() {
					return
				}
				// A read may be served by the zero page; only a write
				// guarantees allocation. The compare-and-swap of the
				// current value writes without changing guest state.
				p := (*uint32)(unsafe.Pointer(&data[page*pageSize]))
				old := atomic.LoadUint32(p)
				atomic.CompareAndSwapUint32(p, old, old)
			}
		}(start, end)
	}
}

// WaitPrealloc waits for the background pre-fault workers. When stop is
// true the workers are asked to exit early.
func (m *AddressSpaceManager) WaitPrealloc(stop bool) {
	if stop {
		m.preallocStop.Store(true)
	}
	m.preallocWG.Wait()
}

func mbindPreferred(data []byte, node uint32) error {
	if node >= numaMaxNodes {
		return fmt.Errorf("host numa node %d out of range", node)
	}
	nodemask := uint64(1) << node
	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		uintptr(unsafe.Pointer(&data[0])),
		uintptr(len(data)),
		mpolPreferred,
		uintptr(unsafe.Pointer(&nodemask)),
		numaMaxNodes,
		mpolMfMove)
	if errno != 0 {
		return errno
	}
	return nil
}

func checkedAdd(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum >= a
}

// hostMapping is one mmapped extent of guest memory.
type hostMapping struct {
	guestBase  uint64
	data       []byte
	file       *os.File
	fileOffset uint64
}

// mmapGuestMemory implements GuestMemory over the host mappings of the
// guest's default memory regions.
type mmapGuestMemory struct {
	mappings []*hostMapping // sorted by guestBase
}

func (g *mmapGuestMemory) insert(m *hostMapping) {
	g.mappings = append(g.mappings, m)
	sort.Slice(g.mappings, func(i, j int) bool {
		return g.mappings[i].guestBase < g.mappings[j].guestBase
	})
}

func (g *mmapGuestMemory) unmapAll() {
	for _, m := range g.mappings {
		unix.Munmap(m.data)
	}
	g.mappings = nil
}

// find returns the mapping covering gpa and the offset of gpa within it.
func (g *mmapGuestMemory) find(gpa uint64) (*hostMapping, uint64) {
	idx := sort.Search(len(g.mappings), func(i int) bool {
		m := g.mappings[i]
		return gpa < m.guestBase+uint64(len(m.data))
	})
	if idx < len(g.mappings) && gpa >= g.mappings[idx].guestBase {
		return g.mappings[idx], gpa - g.mappings[idx].guestBase
	}
	return nil, 0
}

func (g *mmapGuestMemory) ReadAt(p []byte, off int64) (int, error) {
	return g.access(p, uint64(off), func(dst, src []byte) { copy(dst, src) })
}

func (g *mmapGuestMemory) WriteAt(p []byte, off int64) (int, error) {
	return g.access(p, uint64(off), func(src, dst []byte) { copy(dst, src) })
}

// access walks the mappings covering [gpa, gpa+len(p)), applying op to each
// chunk. Reads and writes may span adjacent regions but fail on gaps.
func (g *mmapGuestMemory) access(p []byte, gpa uint64, op func(user, guest []byte)) (int, error) {
	done := 0
	for done < len(p) {
		m, offset := g.find(gpa + uint64(done))
		if m == nil {
			return done, fmt.Errorf("%w: 0x%x", ErrNoRegionForAddress, gpa+uint64(done))
		}
		n := len(p) - done
		if avail := uint64(len(m.data)) - offset; uint64(n) > avail {
			n = int(avail)
		}
		op(p[done:done+n], m.data[offset:offset+uint64(n)])
		done += n
	}
	return done, nil
}

func (g *mmapGuestMemory) HostAddress(gpa uint64) (uintptr, uint64, error) {
	m, offset := g.find(gpa)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: 0x%x", ErrNoRegionForAddress, gpa)
	}
	return uintptr(unsafe.Pointer(&m.data[offset])), uint64(len(m.data)) - offset, nil
}

func (g *mmapGuestMemory) MappedRegions() []MappedRegion {
	out := make([]MappedRegion, 0, len(g.mappings))
	for _, m := range g.mappings {
		out = append(out, MappedRegion{
			GuestBase:  m.guestBase,
			Size:       uint64(len(m.data)),
			HostAddr:   uintptr(unsafe.Pointer(&m.data[0])),
			File:       m.file,
			FileOffset: m.fileOffset,
		})
	}
	return out
}
