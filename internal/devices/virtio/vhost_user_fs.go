package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sys/unix"

	"github.com/microvmm/mvm/internal/hv"
)

// vhost-user protocol message types used by the attach handshake.
const (
	vhostUserSetOwner    = 3
	vhostUserSetMemTable = 5

	vhostUserHeaderSize    = 12
	vhostUserVersion       = 0x1
	vhostUserMaxMemRegions = 8
)

var (
	ErrVhostUserMounts     = errors.New("vhost-user-fs backends are managed by the daemon, not the device")
	ErrNoFileBackedMemory  = errors.New("guest memory region is not file backed and cannot be shared")
	ErrTooManyMemRegions   = errors.New("too many guest memory regions for the vhost-user memory table")
	ErrVhostUserNotRunning = errors.New("vhost-user-fs connection is closed")
)

// vhostUserMemoryRegion mirrors struct vhost_user_memory_region on the
// wire: guest physical address, size, the frontend's userspace address
// and the offset into the shared fd.
type vhostUserMemoryRegion struct {
	guestPhysAddr uint64
	memorySize    uint64
	userspaceAddr uint64
	mmapOffset    uint64
}

// VhostUserFs drives an external virtiofsd-style daemon over a unix
// socket. The device owns the connection; queue activity belongs to the
// daemon, so the frontend only performs the ownership and memory table
// handshake and serves the same config window as the in-process device.
type VhostUserFs struct {
	tag       [fsCfgTagSize]byte
	tagStr    string
	sockPath  string
	numQueues uint16
	queueSize uint16
	mmioBase  uint64

	conn *net.UnixConn
}

// NewVhostUserFs connects to the daemon listening at sockPath and runs
// the attach handshake: SET_OWNER followed by SET_MEM_TABLE carrying the
// file descriptors of every file-backed guest memory region.
func NewVhostUserFs(tag, sockPath string, numQueues, queueSize uint16, mmioBase uint64,
	mem hv.GuestMemory) (*VhostUserFs, error) {
	if queueSize == 0 || queueSize > fsQueueSizeMax {
		return nil, fmt.Errorf("vhost-user-fs %q: queue size %d out of range", tag, queueSize)
	}

	raddr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("vhost-user-fs %q: resolve socket: %w", tag, err)
	}
	conn, err := net.DialUnix("unix", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("vhost-user-fs %q: dial %s: %w", tag, sockPath, err)
	}

	v := &VhostUserFs{
		tagStr:    tag,
		sockPath:  sockPath,
		numQueues: numQueues,
		queueSize: queueSize,
		mmioBase:  mmioBase,
		conn:      conn,
	}
	copy(v.tag[:], tag)

	if err := v.setOwner(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := v.setMemTable(mem.MappedRegions()); err != nil {
		conn.Close()
		return nil, err
	}
	slog.Info("vhost-user-fs: attached", "tag", tag, "sock_path", sockPath)
	return v, nil
}

// DeviceID implements hv.Device.
func (v *VhostUserFs) DeviceID() string { return "vhost-user-fs-" + v.tagStr }

// Tag returns the guest-visible mount tag.
func (v *VhostUserFs) Tag() string { return v.tagStr }

// SockPath returns the daemon socket the device is attached to.
func (v *VhostUserFs) SockPath() string { return v.sockPath }

// MMIORegions implements hv.MemoryMappedIODevice.
func (v *VhostUserFs) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: v.mmioBase, Size: FsMMIOSize}}
}

// ReadMMIO implements hv.MemoryMappedIODevice. Config space layout is
// identical to the in-process device.
func (v *VhostUserFs) ReadMMIO(addr uint64, data []byte) error {
	if addr < v.mmioBase || addr >= v.mmioBase+FsMMIOSize {
		return fmt.Errorf("vhost-user-fs %q: read outside config window: 0x%x", v.tagStr, addr)
	}
	off := addr - v.mmioBase
	for i := range data {
		data[i] = 0
	}
	switch {
	case off < fsCfgTagSize:
		copy(data, v.tag[off:])
	case off >= fsCfgTagSize && off < fsCfgTagSize+4:
		var w [4]byte
		binary.LittleEndian.PutUint32(w[:], uint32(v.numQueues))
		copy(data, w[off-fsCfgTagSize:])
	}
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (v *VhostUserFs) WriteMMIO(addr uint64, data []byte) error {
	return nil
}

// ManipulateBackendFs always fails: with an external daemon the backend
// filesystems live on the daemon's side of the socket.
func (v *VhostUserFs) ManipulateBackendFs(req BackendFsRequest) error {
	return fmt.Errorf("%w (tag %q)", ErrVhostUserMounts, v.tagStr)
}

// Close tears down the daemon connection.
func (v *VhostUserFs) Close() error {
	if v.conn == nil {
		return nil
	}
	err := v.conn.Close()
	v.conn = nil
	return err
}

// sendMsg writes one vhost-user message. The header is three little
// endian 32-bit words: request, flags and payload size. fds, when
// non-empty, travel as SCM_RIGHTS ancillary data on the same datagram.
func (v *VhostUserFs) sendMsg(request uint32, payload []byte, fds []int) error {
	if v.conn == nil {
		return ErrVhostUserNotRunning
	}
	msg := make([]byte, vhostUserHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(msg[0:], request)
	binary.LittleEndian.PutUint32(msg[4:], vhostUserVersion)
	binary.LittleEndian.PutUint32(msg[8:], uint32(len(payload)))
	copy(msg[vhostUserHeaderSize:], payload)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	if _, _, err := v.conn.WriteMsgUnix(msg, oob, nil); err != nil {
		return fmt.Errorf("vhost-user-fs %q: send message %d: %w", v.tagStr, request, err)
	}
	return nil
}

func (v *VhostUserFs) setOwner() error {
	return v.sendMsg(vhostUserSetOwner, nil, nil)
}

func (v *VhostUserFs) setMemTable(regions []hv.MappedRegion) error {
	var (
		table []vhostUserMemoryRegion
		fds   []int
	)
	for _, r := range regions {
		if r.File == nil {
			return fmt.Errorf("%w: guest base 0x%x", ErrNoFileBackedMemory, r.GuestBase)
		}
		table = append(table, vhostUserMemoryRegion{
			guestPhysAddr: r.GuestBase,
			memorySize:    r.Size,
			userspaceAddr: uint64(r.HostAddr),
			mmapOffset:    r.FileOffset,
		})
		fds = append(fds, int(r.File.Fd()))
	}
	if len(table) == 0 {
		return fmt.Errorf("vhost-user-fs %q: no guest memory regions to share", v.tagStr)
	}
	if len(table) > vhostUserMaxMemRegions {
		return fmt.Errorf("%w: %d > %d", ErrTooManyMemRegions, len(table), vhostUserMaxMemRegions)
	}

	// struct vhost_user_memory: nregions, padding, then the region array.
	payload := make([]byte, 8+len(table)*32)
	binary.LittleEndian.PutUint32(payload[0:], uint32(len(table)))
	for i, r := range table {
		off := 8 + i*32
		binary.LittleEndian.PutUint64(payload[off+0:], r.guestPhysAddr)
		binary.LittleEndian.PutUint64(payload[off+8:], r.memorySize)
		binary.LittleEndian.PutUint64(payload[off+16:], r.userspaceAddr)
		binary.LittleEndian.PutUint64(payload[off+24:], r.mmapOffset)
	}
	return v.sendMsg(vhostUserSetMemTable, payload, fds)
}

var _ hv.MemoryMappedIODevice = (*FS)(nil)
var _ hv.MemoryMappedIODevice = (*VhostUserFs)(nil)
