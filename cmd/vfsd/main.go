// Command vfsd serves a virtual filesystem namespace over HTTP and
// provides maintenance tools for its disk images.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/google/subcommands"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/config"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(serveCmd), "")
	subcommands.Register(new(mkfsCmd), "")
	subcommands.Register(new(treeCmd), "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// newLogger builds the process logger from the app section.
func newLogger(cfg config.AppConfig, pretty bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return logging.New(os.Stderr, pretty || cfg.PrettyLogs, level)
}
