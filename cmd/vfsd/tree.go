package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/config"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging/slogext"
)

// treeCmd implements subcommands.Command for the "tree" command.
type treeCmd struct {
	configPath string
}

func (*treeCmd) Name() string     { return "tree" }
func (*treeCmd) Synopsis() string { return "mount the configured devices and print the vnode tree as YAML" }
func (*treeCmd) Usage() string {
	return `tree [-config path]
`
}

func (c *treeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", defaultConfigPath, "path to the YAML configuration")
}

func (c *treeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vfsd: %v\n", err)
		return subcommands.ExitFailure
	}

	logger := newLogger(cfg.App, false)
	ctx = logging.MakeContextWithLogger(ctx, logger)

	sys, err := newSystem(ctx, cfg)
	if err != nil {
		logger.Error("Cannot assemble namespace", slogext.Err(err))
		return subcommands.ExitFailure
	}
	defer sys.Close()

	out, err := sys.vfs.DumpTreeYAML()
	if err != nil {
		logger.Error("Cannot dump tree", slogext.Err(err))
		return subcommands.ExitFailure
	}
	os.Stdout.Write(out)
	return subcommands.ExitSuccess
}
