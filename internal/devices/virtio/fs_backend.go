package virtio

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Backend filesystem operations accepted by ManipulateBackendFs.
const (
	FsOpsMount  = "mount"
	FsOpsUpdate = "update"
	FsOpsUmount = "umount"
)

var (
	ErrUnknownFstype = errors.New("unknown backend filesystem type")
	ErrNoSourcePath  = errors.New("backend filesystem source path is missing")
)

// BackendFsRequest describes one manipulation of a device's backend
// filesystem table.
type BackendFsRequest struct {
	// Ops is one of FsOpsMount, FsOpsUpdate or FsOpsUmount.
	Ops string
	// Fstype selects the backend implementation on mount. Empty means
	// the default passthrough backend.
	Fstype string
	// Source is the host path exported to the guest.
	Source string
	// Mountpoint keys the device's backend table.
	Mountpoint string
	// Config carries backend specific options, opaque to the device.
	Config string
	// PrefetchListPath names an optional file listing paths to warm on
	// mount.
	PrefetchListPath string
	// DaxThreshold is the minimum file size, in bytes, mapped through the
	// DAX window instead of copied through the request queues. Zero keeps
	// the backend default.
	DaxThreshold uint64
}

// BackendFs is a host-side filesystem served through a virtio-fs device.
type BackendFs interface {
	Mount(req BackendFsRequest) error
	Update(req BackendFsRequest) error
	Umount() error
}

// BackendFsFactory builds a BackendFs for one Fstype.
type BackendFsFactory func(req BackendFsRequest) (BackendFs, error)

var (
	backendMu        sync.RWMutex
	backendFactories = map[string]BackendFsFactory{}
)

// RegisterBackendFs makes a backend filesystem type available to every
// virtio-fs device. Later registrations for the same fstype win, which
// lets tests install stubs.
func RegisterBackendFs(fstype string, factory BackendFsFactory) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backendFactories[fstype] = factory
}

func newBackendFs(req BackendFsRequest) (BackendFs, error) {
	fstype := req.Fstype
	if fstype == "" {
		fstype = "passthroughfs"
	}
	backendMu.RLock()
	factory, ok := backendFactories[fstype]
	backendMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFstype, fstype)
	}
	return factory(req)
}

func init() {
	RegisterBackendFs("passthroughfs", newPassthroughFs)
}

// passthroughFs exports a host directory one-to-one. Request serving is
// driven by the virtio transport; this type owns the source directory
// handle and validates requests.
type passthroughFs struct {
	source string
	dir    *os.File
}

func newPassthroughFs(req BackendFsRequest) (BackendFs, error) {
	return &passthroughFs{}, nil
}

func (p *passthroughFs) Mount(req BackendFsRequest) error {
	if req.Source == "" {
		return ErrNoSourcePath
	}
	dir, err := os.Open(req.Source)
	if err != nil {
		return fmt.Errorf("passthroughfs: open source: %w", err)
	}
	info, err := dir.Stat()
	if err != nil {
		dir.Close()
		return fmt.Errorf("passthroughfs: stat source: %w", err)
	}
	if !info.IsDir() {
		dir.Close()
		return fmt.Errorf("passthroughfs: source %q is not a directory", req.Source)
	}
	p.source = req.Source
	p.dir = dir
	return nil
}

func (p *passthroughFs) Update(req BackendFsRequest) error {
	if p.dir == nil {
		return fmt.Errorf("passthroughfs: not mounted")
	}
	if req.Source != "" && req.Source != p.source {
		return fmt.Errorf("passthroughfs: source cannot change on update")
	}
	return nil
}

func (p *passthroughFs) Umount() error {
	if p.dir != nil {
		err := p.dir.Close()
		p.dir = nil
		return err
	}
	return nil
}
