package devmgr

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/microvmm/mvm/internal/devices/virtio"
	"github.com/microvmm/mvm/internal/eventloop"
	"github.com/microvmm/mvm/internal/hv"
	"github.com/microvmm/mvm/internal/ratelimiter"
)

// Filesystem device modes.
const (
	FsModeVirtio    = "virtio"
	FsModeVhostUser = "vhostuser"
)

// Defaults applied to a filesystem device record when the configuration
// leaves the field unset.
const (
	DefaultFsNumQueues   = 1
	DefaultFsQueueSize   = 1024
	DefaultFsCacheSize   = 2 << 30
	DefaultFsCachePolicy = "always"
)

var (
	ErrFsHotplugNotSupported   = errors.New("filesystem devices only support boot time attachment")
	ErrFsTagNotFound           = errors.New("no attached filesystem device with tag")
	ErrFsInvalidMode           = errors.New("invalid filesystem device mode")
	ErrFsMissingTag            = errors.New("filesystem device tag is required")
	ErrFsMissingSockPath       = errors.New("vhost-user filesystem device requires a socket path")
	ErrAddressSpaceNotReady    = errors.New("guest address space is not initialized")
	ErrAttachBackendFailed     = errors.New("backend filesystem operation failed")
	ErrEpollHandlerSendFailed  = errors.New("failed to deliver update to device event loop handler")
	ErrRateLimiterTranslation  = errors.New("cannot translate rate limiter configuration")
	ErrFsDeviceMgrNotSupported = errors.New("operation not supported by this device mode")
)

// FsDeviceConfigInfo is one filesystem device record as ingested from the
// boot configuration.
type FsDeviceConfigInfo struct {
	Tag      string `yaml:"tag" json:"tag"`
	Mode     string `yaml:"mode" json:"mode"`
	SockPath string `yaml:"sock_path,omitempty" json:"sock_path,omitempty"`

	NumQueues uint16 `yaml:"num_queues,omitempty" json:"num_queues,omitempty"`
	QueueSize uint16 `yaml:"queue_size,omitempty" json:"queue_size,omitempty"`
	// CacheSize is the DAX window size in bytes. Zero disables the
	// window.
	CacheSize      uint64 `yaml:"cache_size,omitempty" json:"cache_size,omitempty"`
	ThreadPoolSize uint16 `yaml:"thread_pool_size,omitempty" json:"thread_pool_size,omitempty"`

	CachePolicy     string `yaml:"cache_policy,omitempty" json:"cache_policy,omitempty"`
	WritebackCache  bool   `yaml:"writeback_cache" json:"writeback_cache"`
	NoOpen          bool   `yaml:"no_open" json:"no_open"`
	Xattr           bool   `yaml:"xattr,omitempty" json:"xattr,omitempty"`
	DropSysResource bool   `yaml:"drop_sys_resource,omitempty" json:"drop_sys_resource,omitempty"`
	KillPrivV2      bool   `yaml:"fuse_killpriv_v2,omitempty" json:"fuse_killpriv_v2,omitempty"`
	NoReaddir       bool   `yaml:"no_readdir,omitempty" json:"no_readdir,omitempty"`

	RateLimiter *ratelimiter.RateLimiterConfig `yaml:"rate_limiter,omitempty" json:"rate_limiter,omitempty"`

	UseSharedIrq  *bool `yaml:"use_shared_irq,omitempty" json:"use_shared_irq,omitempty"`
	UseGenericIrq *bool `yaml:"use_generic_irq,omitempty" json:"use_generic_irq,omitempty"`
}

// NewFsDeviceConfigInfo returns a record for tag with the documented
// defaults filled in.
func NewFsDeviceConfigInfo(tag string) FsDeviceConfigInfo {
	return FsDeviceConfigInfo{
		Tag:            tag,
		Mode:           FsModeVirtio,
		NumQueues:      DefaultFsNumQueues,
		QueueSize:      DefaultFsQueueSize,
		CacheSize:      DefaultFsCacheSize,
		CachePolicy:    DefaultFsCachePolicy,
		WritebackCache: true,
		NoOpen:         true,
	}
}

// ApplyDefaults fills unset fields in place, for records decoded from an
// external configuration file.
func (c *FsDeviceConfigInfo) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = FsModeVirtio
	}
	if c.NumQueues == 0 {
		c.NumQueues = DefaultFsNumQueues
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultFsQueueSize
	}
	if c.CachePolicy == "" {
		c.CachePolicy = DefaultFsCachePolicy
	}
}

// ID implements ConfigItem.
func (c FsDeviceConfigInfo) ID() string { return c.Tag }

// CheckConflict implements ConfigItem: records collide when they share a
// tag, or when both are vhost-user records sharing a socket path.
func (c FsDeviceConfigInfo) CheckConflict(other FsDeviceConfigInfo) error {
	if c.Tag == other.Tag {
		return fmt.Errorf("%w: %q", ErrTagConflict, c.Tag)
	}
	if c.Mode == FsModeVhostUser && other.Mode == FsModeVhostUser &&
		c.SockPath != "" && c.SockPath == other.SockPath {
		return fmt.Errorf("%w: %q", ErrSockPathConflict, c.SockPath)
	}
	return nil
}

// FsMountConfigInfo is a transient backend filesystem manipulation
// request routed to an attached device by tag.
type FsMountConfigInfo struct {
	Ops        string `json:"ops"`
	Tag        string `json:"tag"`
	Fstype     string `json:"fstype,omitempty"`
	Source     string `json:"source,omitempty"`
	Mountpoint string `json:"mountpoint"`
	Config     string `json:"config,omitempty"`

	PrefetchListPath string `json:"prefetch_list_path,omitempty"`
	DaxThreshold     uint64 `json:"dax_threshold,omitempty"`
}

// FsDeviceConfigUpdateInfo patches the rate limiter of an attached device.
type FsDeviceConfigUpdateInfo struct {
	Tag         string                         `json:"tag"`
	RateLimiter *ratelimiter.RateLimiterConfig `json:"rate_limiter,omitempty"`
}

// FsDeviceMgrOptions wires the manager to the surrounding runtime.
type FsDeviceMgrOptions struct {
	// AddressSpace provides guest memory translation for in-process
	// devices. Required before AttachDevices when any virtio mode record
	// is registered.
	AddressSpace *hv.AddressSpaceManager
	// Registrar places attached devices on the guest MMIO bus.
	Registrar hv.DeviceRegistrar
	// EventLoop carries control messages to running devices.
	EventLoop *eventloop.Manager
	// DefaultIRQ is used when a record carries no interrupt override.
	DefaultIRQ hv.IRQOptions
}

// FsDeviceMgr owns the filesystem device registry and the boot time
// attachment sequence. All exported methods are safe for concurrent use;
// the registry lock is never held across a call into a device or an
// external process.
type FsDeviceMgr struct {
	opts FsDeviceMgrOptions

	mu      sync.Mutex
	info    DeviceConfigInfos[FsDeviceConfigInfo]
	booted  bool
	mmioIdx int

	// attachMu serializes AttachDevices against itself. It is distinct
	// from mu so device construction, which dials the vhost-user daemon,
	// never blocks registry operations.
	attachMu sync.Mutex
	daxNext  uint64
}

// NewFsDeviceMgr returns an empty manager. DAX windows are carved upward
// from the first address past guest RAM.
func NewFsDeviceMgr(opts FsDeviceMgrOptions) *FsDeviceMgr {
	return &FsDeviceMgr{
		opts:    opts,
		daxNext: hv.GuestMemEnd + 1,
	}
}

// InsertDevice registers a filesystem device record. Boot time only:
// once AttachDevices has run, further inserts fail because filesystem
// devices cannot be hotplugged.
func (m *FsDeviceMgr) InsertDevice(config FsDeviceConfigInfo) error {
	if config.Tag == "" {
		return ErrFsMissingTag
	}
	switch config.Mode {
	case FsModeVirtio:
	case FsModeVhostUser:
		if config.SockPath == "" {
			return fmt.Errorf("%w (tag %q)", ErrFsMissingSockPath, config.Tag)
		}
	default:
		return fmt.Errorf("%w: %q (tag %q)", ErrFsInvalidMode, config.Mode, config.Tag)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.booted {
		return fmt.Errorf("%w (tag %q)", ErrFsHotplugNotSupported, config.Tag)
	}
	if _, err := m.info.Insert(config); err != nil {
		return err
	}
	slog.Info("devmgr: registered filesystem device", "tag", config.Tag, "mode", config.Mode)
	return nil
}

// AttachDevices builds and registers a live device for every registered
// record, in registration order, then marks the manager booted. A single
// device's failure is returned to the caller without rolling back devices
// already attached; the error names the failing tag.
//
// The registry lock is only held to snapshot the pending records and to
// store each live device handle. Device construction, including the
// vhost-user socket handshake, runs without it so a stalled daemon never
// wedges the other management operations.
func (m *FsDeviceMgr) AttachDevices() error {
	m.attachMu.Lock()
	defer m.attachMu.Unlock()

	type pendingAttach struct {
		idx      int
		cfg      FsDeviceConfigInfo
		mmioBase uint64
	}

	m.mu.Lock()
	var work []pendingAttach
	for i := 0; i < m.info.Len(); i++ {
		entry := m.info.At(i)
		if entry.Device != nil {
			continue
		}
		work = append(work, pendingAttach{
			idx:      i,
			cfg:      entry.Config,
			mmioBase: uint64(virtio.FsMMIOBase) + uint64(m.mmioIdx)*virtio.FsMMIOStride,
		})
		m.mmioIdx++
	}
	// The boot window closes as soon as attachment starts; a failed
	// attach does not reopen it.
	m.booted = true
	m.mu.Unlock()

	for _, p := range work {
		dev, err := m.attachOne(p.cfg, p.mmioBase)
		if err != nil {
			return fmt.Errorf("attach filesystem device %q: %w", p.cfg.Tag, err)
		}
		m.mu.Lock()
		m.info.At(p.idx).Device = dev
		m.mu.Unlock()
		slog.Info("devmgr: attached filesystem device",
			"tag", p.cfg.Tag, "mode", p.cfg.Mode)
	}
	return nil
}

// attachOne constructs and bus-registers one device. Called with
// attachMu held but never with the registry lock; the vhost-user
// constructor blocks on socket I/O.
func (m *FsDeviceMgr) attachOne(cfg FsDeviceConfigInfo, mmioBase uint64) (hv.MemoryMappedIODevice, error) {
	irq := m.irqOptions(cfg)

	var dev hv.MemoryMappedIODevice
	switch cfg.Mode {
	case FsModeVirtio:
		if m.opts.AddressSpace == nil || !m.opts.AddressSpace.IsInitialized() {
			return nil, ErrAddressSpaceNotReady
		}
		mem, err := m.opts.AddressSpace.GuestMemory()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAddressSpaceNotReady, err)
		}
		handler := &virtio.RegionHandler{
			Mem:   mem,
			Space: m.opts.AddressSpace.AddressSpace(),
		}

		var limiter *ratelimiter.RateLimiter
		if cfg.RateLimiter != nil {
			limiter, err = ratelimiter.New(cfg.RateLimiter)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrRateLimiterTranslation, err)
			}
		}

		var daxBase uint64
		if cfg.CacheSize > 0 {
			region, err := m.opts.AddressSpace.InsertDAXRegion(m.daxNext, cfg.CacheSize)
			if err != nil {
				return nil, fmt.Errorf("reserve DAX window: %w", err)
			}
			daxBase = region.Base()
			m.daxNext = region.LastAddr() + 1
		}

		fsDev, err := virtio.NewFS(cfg.Tag, cfg.NumQueues, cfg.QueueSize,
			mmioBase, daxBase, cfg.CacheSize,
			virtio.FsOptions{
				CachePolicy:     cfg.CachePolicy,
				ThreadPoolSize:  cfg.ThreadPoolSize,
				WritebackCache:  cfg.WritebackCache,
				NoOpen:          cfg.NoOpen,
				Xattr:           cfg.Xattr,
				DropSysResource: cfg.DropSysResource,
				KillPrivV2:      cfg.KillPrivV2,
				NoReaddir:       cfg.NoReaddir,
			},
			handler, limiter, m.opts.EventLoop)
		if err != nil {
			return nil, err
		}
		dev = fsDev

	case FsModeVhostUser:
		var mem hv.GuestMemory
		if m.opts.AddressSpace != nil && m.opts.AddressSpace.IsInitialized() {
			var err error
			mem, err = m.opts.AddressSpace.GuestMemory()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrAddressSpaceNotReady, err)
			}
		} else {
			return nil, ErrAddressSpaceNotReady
		}
		vuDev, err := virtio.NewVhostUserFs(cfg.Tag, cfg.SockPath,
			cfg.NumQueues, cfg.QueueSize, mmioBase, mem)
		if err != nil {
			return nil, err
		}
		dev = vuDev

	default:
		return nil, fmt.Errorf("%w: %q", ErrFsInvalidMode, cfg.Mode)
	}

	if m.opts.Registrar != nil {
		if err := m.opts.Registrar.RegisterMMIODevice(dev, irq); err != nil {
			return nil, fmt.Errorf("register on MMIO bus: %w", err)
		}
	}
	return dev, nil
}

func (m *FsDeviceMgr) irqOptions(cfg FsDeviceConfigInfo) hv.IRQOptions {
	irq := m.opts.DefaultIRQ
	if cfg.UseSharedIrq != nil {
		irq.UseSharedIrq = *cfg.UseSharedIrq
	}
	if cfg.UseGenericIrq != nil {
		irq.UseGenericIrq = *cfg.UseGenericIrq
	}
	return irq
}

// ManipulateBackendFs routes a mount, update or umount request to the
// attached device with the matching tag. Synchronous; the registry lock
// is released before the device's own lock is taken.
func (m *FsDeviceMgr) ManipulateBackendFs(req FsMountConfigInfo) error {
	m.mu.Lock()
	entry := m.info.Lookup(req.Tag)
	var dev any
	if entry != nil {
		dev = entry.Device
	}
	m.mu.Unlock()

	if dev == nil {
		return fmt.Errorf("%w: %q", ErrFsTagNotFound, req.Tag)
	}

	fsDev, ok := dev.(*virtio.FS)
	if !ok {
		return fmt.Errorf("%w: backend filesystems of %q are managed out of process",
			ErrFsDeviceMgrNotSupported, req.Tag)
	}

	err := fsDev.ManipulateBackendFs(virtio.BackendFsRequest{
		Ops:              req.Ops,
		Fstype:           req.Fstype,
		Source:           req.Source,
		Mountpoint:       req.Mountpoint,
		Config:           req.Config,
		PrefetchListPath: req.PrefetchListPath,
		DaxThreshold:     req.DaxThreshold,
	})
	if err != nil {
		return fmt.Errorf("%w (tag %q): %v", ErrAttachBackendFailed, req.Tag, err)
	}
	return nil
}

// UpdateDeviceRateLimiters stores the new rate limiter configuration for
// tag and sends the computed bucket deltas to the running device. The
// configuration is stored even when the send fails, so a retry of the
// same update can succeed without recomputing anything.
func (m *FsDeviceMgr) UpdateDeviceRateLimiters(update FsDeviceConfigUpdateInfo) error {
	m.mu.Lock()
	entry := m.info.Lookup(update.Tag)
	if entry == nil || entry.Device == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrFsTagNotFound, update.Tag)
	}

	var patch virtio.RateLimiterPatch
	if update.RateLimiter != nil {
		patch.Bytes = ratelimiter.MakeBucketUpdate(&update.RateLimiter.Bandwidth)
		patch.Ops = ratelimiter.MakeBucketUpdate(&update.RateLimiter.Ops)
	} else {
		patch.Bytes = ratelimiter.MakeBucketUpdate(nil)
		patch.Ops = ratelimiter.MakeBucketUpdate(nil)
	}
	entry.Config.RateLimiter = update.RateLimiter
	deviceID := entry.Device.(hv.Device).DeviceID()
	m.mu.Unlock()

	if m.opts.EventLoop == nil {
		return fmt.Errorf("%w: no event loop", ErrEpollHandlerSendFailed)
	}
	if err := m.opts.EventLoop.Send(deviceID, patch); err != nil {
		return fmt.Errorf("%w: %v", ErrEpollHandlerSendFailed, err)
	}
	return nil
}

// IsBooted reports whether AttachDevices has run.
func (m *FsDeviceMgr) IsBooted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.booted
}

// DeviceConfig returns a copy of the stored record for tag, for
// inspection by management callers.
func (m *FsDeviceMgr) DeviceConfig(tag string) (FsDeviceConfigInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.info.Lookup(tag)
	if entry == nil {
		return FsDeviceConfigInfo{}, false
	}
	return entry.Config, true
}
