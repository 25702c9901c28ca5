package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/subcommands"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/config"
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/fs/ext2"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/blockdev"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging/slogext"
)

// mkfsCmd implements subcommands.Command for the "mkfs" command.
type mkfsCmd struct {
	size           int64
	blockSize      uint
	inodesPerGroup uint
	fileType       bool
	label          string
}

func (*mkfsCmd) Name() string     { return "mkfs" }
func (*mkfsCmd) Synopsis() string { return "create an empty ext2 filesystem in a disk image" }
func (*mkfsCmd) Usage() string {
	return `mkfs [flags] <image>
`
}

func (c *mkfsCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.size, "size", 8<<20, "image size in bytes; an existing larger image keeps its size")
	f.UintVar(&c.blockSize, "block-size", ext2.DefaultBlockSize, "block size: 1024, 2048 or 4096")
	f.UintVar(&c.inodesPerGroup, "inodes-per-group", 0, "inodes per block group, 0 derives it from the size")
	f.BoolVar(&c.fileType, "filetype", true, "store entry types in directory records")
	f.StringVar(&c.label, "label", "", "volume name")
}

func (c *mkfsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	image := f.Arg(0)

	logger := newLogger(config.AppConfig{LogLevel: "info"}, true)
	ctx = logging.MakeContextWithLogger(ctx, logger)

	dev, err := blockdev.OpenFile(filepath.Base(image), image, c.size, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vfsd mkfs: %v\n", err)
		return subcommands.ExitFailure
	}
	defer dev.Close()

	opts := ext2.Options{
		BlockSize:      uint32(c.blockSize),
		InodesPerGroup: uint32(c.inodesPerGroup),
		FileType:       c.fileType,
		VolumeName:     c.label,
	}
	if err := ext2.Format(ctx, dev, opts); err != nil {
		logger.Error("Format failed", slog.String("image", image), slogext.Err(err))
		return subcommands.ExitFailure
	}
	if err := dev.Sync(); err != nil {
		logger.Error("Sync failed", slog.String("image", image), slogext.Err(err))
		return subcommands.ExitFailure
	}

	logger.Info("Filesystem created", slog.String("image", image), slog.Int64("size", dev.Size()))
	return subcommands.ExitSuccess
}
