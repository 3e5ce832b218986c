package hv

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestSelectBackingStoreShmem(t *testing.T) {
	store, err := selectBackingStore(MemorySourceShmem, "", 1<<20)
	if err != nil {
		t.Fatalf("selectBackingStore: %v", err)
	}
	defer store.file.Close()

	if store.file == nil {
		t.Fatal("shmem store must carry an open file")
	}
	if store.hugePage || store.anonymous {
		t.Error("shmem store must not be huge-page or anonymous")
	}
	fi, err := store.file.Stat()
	if err != nil {
		t.Fatalf("stat memfd: %v", err)
	}
	if fi.Size() != 1<<20 {
		t.Errorf("memfd size = %d, want %d", fi.Size(), 1<<20)
	}
}

func TestSelectBackingStoreHugeShmem(t *testing.T) {
	store, err := selectBackingStore(MemorySourceHugeShmem, "", 1<<20)
	if err != nil {
		t.Fatalf("selectBackingStore: %v", err)
	}
	defer store.file.Close()

	if !store.hugePage {
		t.Error("hugeshmem store must carry the huge-page hint")
	}
}

func TestSelectBackingStoreAnon(t *testing.T) {
	for _, source := range []string{MemorySourceAnon, MemorySourceHugeAnon} {
		store, err := selectBackingStore(source, "", 1<<20)
		if err != nil {
			t.Fatalf("selectBackingStore(%q): %v", source, err)
		}
		if store.file != nil {
			t.Errorf("%q store must not carry a file", source)
		}
		if !store.anonymous {
			t.Errorf("%q store must be anonymous", source)
		}
	}
}

func TestSelectBackingStoreFile(t *testing.T) {
	// A plain tmpfs path stands in for a hugetlbfs mount; the create,
	// unlink and truncate sequence is identical.
	path := filepath.Join(t.TempDir(), "nested", "dir", "guest_mem")

	store, err := selectBackingStore(MemorySourceFile, path, 1<<20)
	if err != nil {
		t.Fatalf("selectBackingStore: %v", err)
	}
	defer store.file.Close()

	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("backing file must be unlinked immediately after creation")
	}
	fi, err := store.file.Stat()
	if err != nil {
		t.Fatalf("stat backing file: %v", err)
	}
	if fi.Size() != 1<<20 {
		t.Errorf("file size = %d, want %d", fi.Size(), 1<<20)
	}

	// Idempotent directory creation: a second store under the same parent.
	second, err := selectBackingStore(MemorySourceFile, path, 1<<20)
	if err != nil {
		t.Fatalf("second selectBackingStore: %v", err)
	}
	second.file.Close()
}

func TestSelectBackingStoreFileEmptyPath(t *testing.T) {
	_, err := selectBackingStore(MemorySourceFile, "", 1<<20)
	if !errors.Is(err, ErrCreateMemFile) {
		t.Errorf("err = %v, want ErrCreateMemFile", err)
	}
}

func TestCreateDefaultMemoryRegionShmem(t *testing.T) {
	r, err := CreateDefaultMemoryRegion(0, 1<<20, nil, MemorySourceShmem, "", false, false)
	if err != nil {
		t.Fatalf("CreateDefaultMemoryRegion: %v", err)
	}
	defer r.Backing().File.Close()

	if r.Backing() == nil || r.Backing().Offset != 0 {
		t.Fatal("shmem region must have a backing file at offset zero")
	}
	if r.PermFlags()&unix.MAP_SHARED == 0 {
		t.Error("shmem region must be MAP_SHARED")
	}
}

func TestCreateDefaultMemoryRegionAnon(t *testing.T) {
	r, err := CreateDefaultMemoryRegion(0, 1<<20, nil, MemorySourceAnon, "", true, false)
	if err != nil {
		t.Fatalf("CreateDefaultMemoryRegion: %v", err)
	}
	if r.Backing() != nil {
		t.Error("anonymous region must not have a backing file")
	}
	if r.PermFlags()&unix.MAP_PRIVATE == 0 || r.PermFlags()&unix.MAP_ANONYMOUS == 0 {
		t.Error("anonymous region must be MAP_PRIVATE|MAP_ANONYMOUS")
	}
}
