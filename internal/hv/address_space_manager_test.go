package hv

import (
	"bytes"
	"errors"
	"testing"
)

type recordedSlot struct {
	slot          uint32
	guestPhysAddr uint64
	size          uint64
	hostAddr      uintptr
}

type fakeSlotMapper struct {
	slots []recordedSlot
	err   error
}

func (f *fakeSlotMapper) SetUserMemoryRegion(slot uint32, guestPhysAddr, size uint64, hostAddr uintptr) error {
	if f.err != nil {
		return f.err
	}
	f.slots = append(f.slots, recordedSlot{slot, guestPhysAddr, size, hostAddr})
	return nil
}

func buildTestManager(t *testing.T, memType string, sizeMiB uint64) *AddressSpaceManager {
	t.Helper()
	builder, err := NewAddressSpaceManagerBuilder(memType, "")
	if err != nil {
		t.Fatalf("NewAddressSpaceManagerBuilder: %v", err)
	}
	mgr, err := builder.Build([]NumaRegionInfo{{
		SizeMiB:       sizeMiB,
		GuestNumaNode: 0,
		VcpuIDs:       []uint32{1, 2},
	}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return mgr
}

func TestBuilderRejectsEmptyMemType(t *testing.T) {
	if _, err := NewAddressSpaceManagerBuilder("", ""); !errors.Is(err, ErrInvalidMemorySourceType) {
		t.Errorf("err = %v, want ErrInvalidMemorySourceType", err)
	}
}

func TestBuilderMemFileSuffix(t *testing.T) {
	b, err := NewAddressSpaceManagerBuilder(MemorySourceShmem, "/tmp/shmem")
	if err != nil {
		t.Fatalf("NewAddressSpaceManagerBuilder: %v", err)
	}
	if got := b.nextMemFile(); got != "/tmp/shmem0" {
		t.Errorf("nextMemFile() = %q, want /tmp/shmem0", got)
	}
	if got := b.nextMemFile(); got != "/tmp/shmem1" {
		t.Errorf("nextMemFile() = %q, want /tmp/shmem1", got)
	}
	b.ToggleFileSuffix(false)
	if got := b.nextMemFile(); got != "/tmp/shmem" {
		t.Errorf("nextMemFile() unsuffixed = %q, want /tmp/shmem", got)
	}
}

func TestCreateAddressSpaceSingleRegion(t *testing.T) {
	mgr := buildTestManager(t, MemorySourceShmem, 128)

	if !mgr.IsInitialized() {
		t.Fatal("manager should be initialized")
	}
	gm, err := mgr.GuestMemory()
	if err != nil {
		t.Fatalf("GuestMemory: %v", err)
	}

	regions := gm.MappedRegions()
	if len(regions) != 1 {
		t.Fatalf("mapped regions = %d, want 1", len(regions))
	}
	if regions[0].GuestBase != GuestMemStart || regions[0].Size != 128<<20 {
		t.Errorf("region = (0x%x, 0x%x), want (0x%x, 0x%x)",
			regions[0].GuestBase, regions[0].Size, uint64(GuestMemStart), uint64(128<<20))
	}
	if regions[0].File == nil {
		t.Error("shmem-backed region should expose its backing file")
	}

	// Round-trip through the accessor.
	payload := []byte{1, 2, 3, 4, 5}
	if _, err := gm.WriteAt(payload, GuestMemStart); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := gm.ReadAt(got, GuestMemStart); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("read back %v, want %v", got, payload)
	}

	// Access past the end of mapped memory must fail.
	if _, err := gm.ReadAt(got, int64(GuestMemStart+128<<20)); !errors.Is(err, ErrNoRegionForAddress) {
		t.Errorf("out of range read err = %v, want ErrNoRegionForAddress", err)
	}
}

func TestCreateAddressSpaceSplitsAroundMMIOHole(t *testing.T) {
	// 4 GiB of RAM straddles the 3 GiB..4 GiB hole and must be split.
	mgr := buildTestManager(t, MemorySourceAnon, 4096)

	gm, err := mgr.GuestMemory()
	if err != nil {
		t.Fatalf("GuestMemory: %v", err)
	}
	regions := gm.MappedRegions()
	if len(regions) != 2 {
		t.Fatalf("mapped regions = %d, want 2", len(regions))
	}
	if regions[0].GuestBase != GuestMemStart || regions[0].Size != MMIOLowStart-GuestMemStart {
		t.Errorf("low region = (0x%x, 0x%x)", regions[0].GuestBase, regions[0].Size)
	}
	if regions[1].GuestBase != uint64(MMIOLowEnd)+1 {
		t.Errorf("high region base = 0x%x, want 0x%x", regions[1].GuestBase, uint64(MMIOLowEnd)+1)
	}
	var total uint64
	for _, r := range regions {
		total += r.Size
	}
	if total != 4096<<20 {
		t.Errorf("total mapped = 0x%x, want 0x%x", total, uint64(4096)<<20)
	}
}

func TestCreateAddressSpaceSlotMapping(t *testing.T) {
	builder, err := NewAddressSpaceManagerBuilder(MemorySourceShmem, "")
	if err != nil {
		t.Fatalf("NewAddressSpaceManagerBuilder: %v", err)
	}
	mapper := &fakeSlotMapper{}
	builder.SetSlotMapper(mapper)

	mgr, err := builder.Build([]NumaRegionInfo{{SizeMiB: 64}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(mapper.slots) != 1 {
		t.Fatalf("slots = %d, want 1", len(mapper.slots))
	}
	if mapper.slots[0].guestPhysAddr != GuestMemStart || mapper.slots[0].size != 64<<20 {
		t.Errorf("slot = %+v", mapper.slots[0])
	}
	if got := mgr.BaseToSlot()[GuestMemStart]; got != 0 {
		t.Errorf("BaseToSlot[0x%x] = %d, want 0", uint64(GuestMemStart), got)
	}
}

func TestManagerNumaNodes(t *testing.T) {
	builder, err := NewAddressSpaceManagerBuilder(MemorySourceShmem, "")
	if err != nil {
		t.Fatalf("NewAddressSpaceManagerBuilder: %v", err)
	}
	mgr, err := builder.Build([]NumaRegionInfo{{
		SizeMiB:       128,
		GuestNumaNode: 0,
		VcpuIDs:       []uint32{1, 2},
	}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	node, ok := mgr.NumaNodes()[0]
	if !ok {
		t.Fatal("guest numa node 0 missing")
	}
	if len(node.Extents) != 1 || node.Extents[0].Size != 128<<20 {
		t.Errorf("extents = %+v", node.Extents)
	}
	if len(node.VcpuIDs) != 2 {
		t.Errorf("vcpus = %v, want [1 2]", node.VcpuIDs)
	}
}

func TestManagerInsertDeviceAndDAXRegions(t *testing.T) {
	mgr := buildTestManager(t, MemorySourceAnon, 64)

	dev, err := mgr.InsertDeviceRegion(0xd000_0000, 0x1000)
	if err != nil {
		t.Fatalf("InsertDeviceRegion: %v", err)
	}
	if dev.Kind() != RegionDeviceMemory {
		t.Errorf("Kind() = %v, want device-memory", dev.Kind())
	}

	dax, err := mgr.InsertDAXRegion(0xd100_0000, 0x1000)
	if err != nil {
		t.Fatalf("InsertDAXRegion: %v", err)
	}
	if !mgr.AddressSpace().IsDAXRegion(dax.Base()) {
		t.Error("DAX window not visible in address space")
	}

	// A second window overlapping the first must be rejected.
	if _, err := mgr.InsertDeviceRegion(0xd000_0800, 0x1000); !errors.Is(err, ErrRegionsIntersect) {
		t.Errorf("overlapping insert err = %v, want ErrRegionsIntersect", err)
	}
}

func TestManagerPrealloc(t *testing.T) {
	builder, err := NewAddressSpaceManagerBuilder(MemorySourceHugeAnon, "")
	if err != nil {
		t.Fatalf("NewAddressSpaceManagerBuilder: %v", err)
	}
	builder.TogglePrealloc(true)
	mgr, err := builder.Build([]NumaRegionInfo{{SizeMiB: 2}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	mgr.WaitPrealloc(false)
}
