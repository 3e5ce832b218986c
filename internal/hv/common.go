package hv

import (
	"errors"
	"io"
	"os"
)

var (
	ErrGuestMemoryNotInitialized = errors.New("guest memory not initialized")
	ErrNoRegionForAddress        = errors.New("no region covers the guest address")
)

// GuestMemory is an accessor for a virtual machine's default guest memory.
// The address space manager owns the backing resources; GuestMemory only
// reads and writes through them. Offsets are guest physical addresses.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt

	// HostAddress translates a guest physical address into a host virtual
	// address valid for at least the returned length in bytes.
	HostAddress(gpa uint64) (addr uintptr, length uint64, err error)

	// MappedRegions describes the host mappings backing guest memory, in
	// guest physical address order. Used to advertise the memory table to
	// out-of-process device backends.
	MappedRegions() []MappedRegion
}

// MappedRegion describes one host mapping of guest memory.
type MappedRegion struct {
	GuestBase  uint64
	Size       uint64
	HostAddr   uintptr
	File       *os.File // nil for anonymous mappings
	FileOffset uint64
}

type Device interface {
	// DeviceID returns a stable identifier used for logging and control
	// message routing.
	DeviceID() string
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// MemoryMappedIODevice is a device reachable through the guest MMIO bus.
type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// IRQOptions selects the interrupt wiring for a device registration.
type IRQOptions struct {
	UseSharedIrq  bool
	UseGenericIrq bool
}

// DeviceRegistrar turns a constructed device object into a guest-visible bus
// device. Implemented by the surrounding VMM runtime; this subsystem only
// calls it during boot-time attachment.
type DeviceRegistrar interface {
	RegisterMMIODevice(dev MemoryMappedIODevice, opts IRQOptions) error
}

// SlotMapper installs a guest physical range backed by host memory into the
// hypervisor. Implemented by the KVM layer of the surrounding runtime.
type SlotMapper interface {
	SetUserMemoryRegion(slot uint32, guestPhysAddr, size uint64, hostAddr uintptr) error
}
