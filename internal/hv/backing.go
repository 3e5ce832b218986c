package hv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Memory source names accepted by CreateDefaultMemoryRegion. They match the
// externally supplied configuration one to one.
const (
	MemorySourceShmem     = "shmem"     // memfd-backed shared memory
	MemorySourceHugeShmem = "hugeshmem" // memfd-backed, huge-page hinted
	MemorySourceAnon      = "anon"      // anonymous private mapping
	MemorySourceHugeAnon  = "hugeanon"  // anonymous, huge-page hinted
	MemorySourceFile      = "file"      // file on a huge-page filesystem
)

var (
	ErrInvalidMemorySourceType = errors.New("invalid guest memory source type")
	ErrCreateMemFd             = errors.New("failed to create memfd for guest memory")
	ErrCreateMemFile           = errors.New("failed to create guest memory file")
	ErrCreateMemDir            = errors.New("failed to create guest memory directory")
	ErrSetFileSize             = errors.New("failed to set guest memory file size")
)

// backingStore is the concrete host resource behind a default memory region.
// Exactly one of {no file, an open file at offset zero} is populated.
type backingStore struct {
	file      *os.File
	hugePage  bool
	anonymous bool
}

// selectBackingStore resolves a symbolic memory source name into a host
// resource sized for the region.
func selectBackingStore(sourceName, filePath string, size uint64) (*backingStore, error) {
	switch sourceName {
	case MemorySourceShmem:
		f, err := createMemFd(filePath, size)
		if err != nil {
			return nil, err
		}
		return &backingStore{file: f}, nil

	case MemorySourceHugeShmem:
		f, err := createMemFd(filePath, size)
		if err != nil {
			return nil, err
		}
		return &backingStore{file: f, hugePage: true}, nil

	case MemorySourceAnon:
		return &backingStore{anonymous: true}, nil

	case MemorySourceHugeAnon:
		return &backingStore{anonymous: true, hugePage: true}, nil

	case MemorySourceFile:
		f, err := createMemFile(filePath, size)
		if err != nil {
			return nil, err
		}
		return &backingStore{file: f, hugePage: true}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMemorySourceType, sourceName)
	}
}

// createMemFd creates an anonymous kernel-backed memory file and sizes it.
// The name is advisory; it only shows up in /proc for diagnostics.
func createMemFd(name string, size uint64) (*os.File, error) {
	if name == "" {
		name = "guest_mem"
	} else {
		name = filepath.Base(name)
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateMemFd, err)
	}
	f := os.NewFile(uintptr(fd), name)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrSetFileSize, err)
	}
	return f, nil
}

// createMemFile creates a named file (typically on a hugetlbfs mount),
// unlinks it immediately so only the open descriptor keeps it alive, then
// sizes it. Parent directories are created on demand; creation is
// idempotent.
func createMemFile(path string, size uint64) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path for file-backed guest memory", ErrCreateMemFile)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCreateMemDir, dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCreateMemFile, path, err)
	}
	// The file exists only as long as the descriptor is open.
	if err := os.Remove(path); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: unlink %s: %v", ErrCreateMemFile, path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrSetFileSize, path, err)
	}
	return f, nil
}
