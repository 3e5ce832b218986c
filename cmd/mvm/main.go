package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/microvmm/mvm/internal/config"
	"github.com/microvmm/mvm/internal/devmgr"
	"github.com/microvmm/mvm/internal/eventloop"
	"github.com/microvmm/mvm/internal/hv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mvm: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Boot configuration file (YAML)")
	dryRun := flag.Bool("dry-run", false, "Validate the configuration and build the address space, then exit")
	prealloc := flag.Bool("prealloc", false, "Pre-fault all guest memory at boot (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config <file> [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Build a guest address space and attach the configured filesystem devices.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if *configPath == "" {
		flag.Usage()
		return fmt.Errorf("configuration file required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *prealloc {
		cfg.Memory.Prealloc = true
	}

	builder, err := hv.NewAddressSpaceManagerBuilder(cfg.Memory.Type, cfg.Memory.FilePath)
	if err != nil {
		return fmt.Errorf("memory configuration: %w", err)
	}
	builder.TogglePrealloc(cfg.Memory.Prealloc)

	addressSpace, err := builder.Build(cfg.NumaRegions())
	if err != nil {
		return fmt.Errorf("build address space: %w", err)
	}
	slog.Info("Guest address space ready",
		"source", cfg.Memory.Type, "regions", len(cfg.Memory.Regions))

	loop, err := eventloop.NewManager()
	if err != nil {
		return fmt.Errorf("create event loop: %w", err)
	}
	defer loop.Close()

	mgr := devmgr.NewFsDeviceMgr(devmgr.FsDeviceMgrOptions{
		AddressSpace: addressSpace,
		EventLoop:    loop,
		DefaultIRQ:   hv.IRQOptions{UseSharedIrq: true},
	})
	for _, item := range cfg.FsItems {
		if err := mgr.InsertDevice(item); err != nil {
			return fmt.Errorf("register device %q: %w", item.Tag, err)
		}
	}

	if *dryRun {
		addressSpace.WaitPrealloc(true)
		slog.Info("Dry run complete", "fs_devices", len(cfg.FsItems))
		return nil
	}

	if err := mgr.AttachDevices(); err != nil {
		return fmt.Errorf("attach devices: %w", err)
	}
	addressSpace.WaitPrealloc(false)
	slog.Info("All devices attached", "fs_devices", len(cfg.FsItems))
	return nil
}
