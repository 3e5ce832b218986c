// Package config loads and validates the boot configuration: the guest
// memory layout and the filesystem devices to attach.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/microvmm/mvm/internal/devmgr"
	"github.com/microvmm/mvm/internal/hv"
)

var (
	ErrNoMemory     = errors.New("configuration declares no guest memory")
	ErrMemFileEmpty = errors.New("file backed memory requires mem_file_path")
)

// MemoryConfig describes the guest memory layout.
type MemoryConfig struct {
	// Type selects the backing source: shmem, hugeshmem, anon, hugeanon
	// or file.
	Type string `yaml:"type"`
	// FilePath is the backing file path for the file source, also used
	// as the path prefix for numbered region files.
	FilePath string `yaml:"mem_file_path,omitempty"`
	// Prealloc pre-faults all guest pages at boot.
	Prealloc bool `yaml:"prealloc,omitempty"`

	// Regions lists the memory extents. A single-extent guest can give
	// just size_mib; NUMA guests give one entry per node.
	Regions []MemoryRegionConfig `yaml:"regions"`
}

// MemoryRegionConfig is one guest memory extent.
type MemoryRegionConfig struct {
	SizeMiB       uint64   `yaml:"size_mib"`
	HostNumaNode  *uint32  `yaml:"host_numa_node,omitempty"`
	GuestNumaNode uint32   `yaml:"guest_numa_node,omitempty"`
	VcpuIDs       []uint32 `yaml:"vcpu_ids,omitempty"`
}

// BootConfig is the top level configuration document.
type BootConfig struct {
	Memory  MemoryConfig                `yaml:"memory"`
	FsItems []devmgr.FsDeviceConfigInfo `yaml:"fs_devices,omitempty"`
}

// Load reads and validates a boot configuration file, applying defaults
// to every filesystem device record.
func Load(path string) (*BootConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a boot configuration document.
func Parse(data []byte) (*BootConfig, error) {
	var cfg BootConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.Memory.Type == "" {
		cfg.Memory.Type = hv.MemorySourceShmem
	}
	for i := range cfg.FsItems {
		cfg.FsItems[i].ApplyDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the document for errors that would otherwise only
// surface mid-boot.
func (c *BootConfig) Validate() error {
	var total uint64
	for _, r := range c.Memory.Regions {
		total += r.SizeMiB
	}
	if total == 0 {
		return ErrNoMemory
	}
	if c.Memory.Type == hv.MemorySourceFile && c.Memory.FilePath == "" {
		return ErrMemFileEmpty
	}

	seenTags := make(map[string]struct{})
	seenSocks := make(map[string]struct{})
	for _, fs := range c.FsItems {
		if fs.Tag == "" {
			return devmgr.ErrFsMissingTag
		}
		if _, ok := seenTags[fs.Tag]; ok {
			return fmt.Errorf("%w: %q", devmgr.ErrTagConflict, fs.Tag)
		}
		seenTags[fs.Tag] = struct{}{}

		switch fs.Mode {
		case devmgr.FsModeVirtio:
		case devmgr.FsModeVhostUser:
			if fs.SockPath == "" {
				return fmt.Errorf("%w (tag %q)", devmgr.ErrFsMissingSockPath, fs.Tag)
			}
			if _, ok := seenSocks[fs.SockPath]; ok {
				return fmt.Errorf("%w: %q", devmgr.ErrSockPathConflict, fs.SockPath)
			}
			seenSocks[fs.SockPath] = struct{}{}
		default:
			return fmt.Errorf("%w: %q (tag %q)", devmgr.ErrFsInvalidMode, fs.Mode, fs.Tag)
		}
	}
	return nil
}

// NumaRegions converts the memory extents to the form the address space
// builder consumes.
func (c *BootConfig) NumaRegions() []hv.NumaRegionInfo {
	out := make([]hv.NumaRegionInfo, 0, len(c.Memory.Regions))
	for _, r := range c.Memory.Regions {
		out = append(out, hv.NumaRegionInfo{
			SizeMiB:       r.SizeMiB,
			HostNumaNode:  r.HostNumaNode,
			GuestNumaNode: r.GuestNumaNode,
			VcpuIDs:       r.VcpuIDs,
		})
	}
	return out
}
