package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/microvmm/mvm/internal/eventloop"
	"github.com/microvmm/mvm/internal/hv"
	"github.com/microvmm/mvm/internal/ratelimiter"
)

// Virtio-fs device constants.
const (
	FsMMIOBase     = 0xd000_4000
	FsMMIOSize     = 0x200
	FsMMIOStride   = 0x1000 // spacing between per-device config windows
	fsCfgTagSize   = 36
	fsDeviceID     = 26 // VIRTIO_ID_FS
	fsQueueSizeMax = 1024
)

var (
	ErrBackendExists   = errors.New("backend filesystem already mounted at mountpoint")
	ErrBackendNotFound = errors.New("no backend filesystem mounted at mountpoint")
	ErrUnknownFsOps    = errors.New("unknown backend filesystem operation")
)

// FsOptions carries the tunables of an in-process virtio-fs device beyond
// its queue geometry.
type FsOptions struct {
	CachePolicy     string
	ThreadPoolSize  uint16
	WritebackCache  bool
	NoOpen          bool
	Xattr           bool
	DropSysResource bool
	KillPrivV2      bool
	NoReaddir       bool
}

// RegionHandler gives an in-process device shared access to the guest
// address space so it can translate guest physical addresses during I/O
// and manage its DAX window.
type RegionHandler struct {
	Mem   hv.GuestMemory
	Space *hv.AddressSpace
}

// Translate resolves a guest physical address to a host virtual address.
func (h *RegionHandler) Translate(gpa uint64) (uintptr, uint64, error) {
	return h.Mem.HostAddress(gpa)
}

// InDAXWindow reports whether gpa falls inside a DAX window of the guest
// address space.
func (h *RegionHandler) InDAXWindow(gpa uint64) bool {
	return h.Space.IsDAXRegion(gpa)
}

// RateLimiterPatch is the control message that updates a running device's
// token buckets without reconstructing the device.
type RateLimiterPatch struct {
	Bytes ratelimiter.BucketUpdate
	Ops   ratelimiter.BucketUpdate
}

// FS is an in-process virtio-fs device. Queue processing runs on the
// surrounding runtime's event loop; this type owns the device
// configuration space, the DAX window, the backend filesystem table and
// the rate limiter.
type FS struct {
	tag       [fsCfgTagSize]byte
	tagStr    string
	numQueues uint16
	queueSize uint16

	mmioBase uint64
	daxBase  uint64
	daxSize  uint64

	opts    FsOptions
	handler *RegionHandler
	loop    *eventloop.Manager

	// mu guards the device's inner mutable state: the backend mount table
	// and the rate limiter. Acquired by runtime management calls after the
	// registry lock that located the device has been released.
	mu       sync.Mutex
	backends map[string]BackendFs
	limiter  *ratelimiter.RateLimiter
}

// NewFS builds an in-process virtio-fs device bound to the guest address
// space through handler. When loop is non-nil the device subscribes to it
// for control messages; without a loop the device still works but rate
// limiter patches cannot reach it.
func NewFS(tag string, numQueues, queueSize uint16, mmioBase, daxBase, daxSize uint64,
	opts FsOptions, handler *RegionHandler, limiter *ratelimiter.RateLimiter,
	loop *eventloop.Manager) (*FS, error) {
	if handler == nil || handler.Mem == nil || handler.Space == nil {
		return nil, fmt.Errorf("virtio-fs %q: region handler is incomplete", tag)
	}
	if queueSize == 0 || queueSize > fsQueueSizeMax {
		return nil, fmt.Errorf("virtio-fs %q: queue size %d out of range", tag, queueSize)
	}

	fs := &FS{
		tagStr:    tag,
		numQueues: numQueues,
		queueSize: queueSize,
		mmioBase:  mmioBase,
		daxBase:   daxBase,
		daxSize:   daxSize,
		opts:      opts,
		handler:   handler,
		loop:      loop,
		backends:  make(map[string]BackendFs),
		limiter:   limiter,
	}
	copy(fs.tag[:], tag)

	if loop != nil {
		if err := loop.Subscribe(fs.DeviceID(), eventloop.HandlerFunc(fs.handleControl)); err != nil {
			return nil, fmt.Errorf("virtio-fs %q: subscribe event loop: %w", tag, err)
		}
	}
	return fs, nil
}

// DeviceID implements hv.Device.
func (v *FS) DeviceID() string { return "virtio-fs-" + v.tagStr }

// Tag returns the guest-visible mount tag.
func (v *FS) Tag() string { return v.tagStr }

// QueueGeometry returns the negotiated queue count and depth.
func (v *FS) QueueGeometry() (num, size uint16) { return v.numQueues, v.queueSize }

// CacheWindow returns the DAX window, or (0, 0) when the device has none.
func (v *FS) CacheWindow() (base, size uint64) { return v.daxBase, v.daxSize }

// MMIORegions implements hv.MemoryMappedIODevice: the config window plus
// the DAX cache window when one is configured.
func (v *FS) MMIORegions() []hv.MMIORegion {
	regions := []hv.MMIORegion{{Address: v.mmioBase, Size: FsMMIOSize}}
	if v.daxSize > 0 {
		regions = append(regions, hv.MMIORegion{Address: v.daxBase, Size: v.daxSize})
	}
	return regions
}

// ReadMMIO implements hv.MemoryMappedIODevice. Only the device config
// space is served here; queue registers belong to the transport layer of
// the surrounding runtime.
func (v *FS) ReadMMIO(addr uint64, data []byte) error {
	if addr < v.mmioBase || addr >= v.mmioBase+FsMMIOSize {
		return fmt.Errorf("virtio-fs %q: read outside config window: 0x%x", v.tagStr, addr)
	}
	off := addr - v.mmioBase
	for i := range data {
		data[i] = 0
	}
	switch {
	case off < fsCfgTagSize:
		// struct virtio_fs_config.tag
		copy(data, v.tag[off:])
	case off >= fsCfgTagSize && off < fsCfgTagSize+4:
		// struct virtio_fs_config.num_request_queues
		var w [4]byte
		binary.LittleEndian.PutUint32(w[:], uint32(v.numQueues))
		copy(data, w[off-fsCfgTagSize:])
	}
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice. The virtio-fs config space
// is read-only.
func (v *FS) WriteMMIO(addr uint64, data []byte) error {
	return nil
}

// ManipulateBackendFs mounts, updates or unmounts a backend filesystem on
// the live device. Synchronous; the caller holds no registry lock.
func (v *FS) ManipulateBackendFs(req BackendFsRequest) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch req.Ops {
	case FsOpsMount:
		if _, ok := v.backends[req.Mountpoint]; ok {
			return fmt.Errorf("%w: %s", ErrBackendExists, req.Mountpoint)
		}
		backend, err := newBackendFs(req)
		if err != nil {
			return err
		}
		if err := backend.Mount(req); err != nil {
			return err
		}
		v.backends[req.Mountpoint] = backend
		slog.Info("virtio-fs: mount backend",
			"tag", v.tagStr, "fstype", req.Fstype, "mountpoint", req.Mountpoint)
		return nil

	case FsOpsUpdate:
		backend, ok := v.backends[req.Mountpoint]
		if !ok {
			return fmt.Errorf("%w: %s", ErrBackendNotFound, req.Mountpoint)
		}
		return backend.Update(req)

	case FsOpsUmount:
		backend, ok := v.backends[req.Mountpoint]
		if !ok {
			return fmt.Errorf("%w: %s", ErrBackendNotFound, req.Mountpoint)
		}
		if err := backend.Umount(); err != nil {
			return err
		}
		delete(v.backends, req.Mountpoint)
		slog.Info("virtio-fs: umount backend", "tag", v.tagStr, "mountpoint", req.Mountpoint)
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownFsOps, req.Ops)
	}
}

// Backends returns the mountpoints with a live backend, for diagnostics.
func (v *FS) Backends() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.backends))
	for mp := range v.backends {
		out = append(out, mp)
	}
	return out
}

// AllowRequest consumes rate limiter budget for one request of n bytes.
func (v *FS) AllowRequest(nowBytes int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.limiter == nil {
		return true
	}
	now := time.Now()
	return v.limiter.AllowOp(now) && v.limiter.AllowBytes(now, nowBytes)
}

func (v *FS) handleControl(msgs []any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, msg := range msgs {
		patch, ok := msg.(RateLimiterPatch)
		if !ok {
			slog.Warn("virtio-fs: unexpected control message", "tag", v.tagStr, "msg", msg)
			continue
		}
		if v.limiter == nil {
			v.limiter = &ratelimiter.RateLimiter{}
		}
		v.limiter.Update(patch.Bytes, patch.Ops)
		slog.Info("virtio-fs: rate limiter patched", "tag", v.tagStr)
	}
}
