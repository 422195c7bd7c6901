// erofuse - Inspect and mount EROFS images
//
// Usage:
//
//	erofuse [flags] <image> ls [-l] [-a] [path]
//	erofuse [flags] <image> cat <path>
//	erofuse [flags] <image> stat <path>
//	erofuse [flags] <image> info
//	erofuse [flags] <image> mount [--allow-other] [--debug-fuse] <mountpoint>
//
// The image may be omitted when the configuration file names one. A
// partitioned disk image is accepted too; --partition picks the partition,
// otherwise the first EROFS partition is used.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/lvdlvd/erofuse/blockdev"
	"github.com/lvdlvd/erofuse/cmd"
	"github.com/lvdlvd/erofuse/config"
	"github.com/lvdlvd/erofuse/detect"
	"github.com/lvdlvd/erofuse/fsys/erofs"
	"github.com/lvdlvd/erofuse/fusefs"
	"github.com/lvdlvd/erofuse/part"
)

var version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "erofuse: %v\n", err)
		os.Exit(1)
	}
}

var commands = map[string]bool{"ls": true, "cat": true, "stat": true, "info": true, "mount": true}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flagSet := pflag.NewFlagSet("erofuse", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.SetInterspersed(false)
	configPath := flagSet.String("config", "", "YAML configuration file (default: $"+config.EnvVar+")")
	logLevel := flagSet.String("log-level", "", "log level: debug, info, warn, error")
	logFormat := flagSet.String("log-format", "", "log format: text or json")
	logFile := flagSet.String("log-file", "", "write logs to this file instead of stderr")
	partition := flagSet.String("partition", "", "partition of a disk image to use (p1, 1, or GPT label)")
	showVersion := flagSet.Bool("version", false, "print the version and exit")
	help := flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet, stderr)
			return nil
		}
		return err
	}
	if *help {
		printHelp(flagSet, stderr)
		return nil
	}
	if *showVersion {
		fmt.Fprintf(stdout, "erofuse %s\n", version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if flagSet.Changed("log-format") {
		cfg.Log.Format = *logFormat
	}
	if flagSet.Changed("log-file") {
		cfg.Log.File = *logFile
	}
	if flagSet.Changed("partition") {
		cfg.Partition = *partition
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	rest := flagSet.Args()
	if len(rest) > 0 && commands[rest[0]] && cfg.Image != "" {
		rest = append([]string{cfg.Image}, rest...)
	}
	if len(rest) < 2 {
		return fmt.Errorf("usage: erofuse [flags] <image> <command> [options] [path]")
	}
	imagePath, command, cmdArgs := rest[0], rest[1], rest[2:]
	if !commands[command] {
		return fmt.Errorf("unknown command: %s (use ls, cat, stat, info, or mount)", command)
	}

	filesystem, err := openImage(imagePath, cfg.Partition, logger)
	if err != nil {
		return err
	}
	defer filesystem.Close()

	switch command {
	case "ls":
		return runLs(filesystem, cmdArgs, stdout, stderr)
	case "cat":
		return runCat(filesystem, cmdArgs, stdout)
	case "stat":
		return runStat(filesystem, cmdArgs, stdout)
	case "info":
		return cmd.Info(filesystem, stdout)
	default:
		return runMount(ctx, filesystem, cfg, cmdArgs, logger, stderr)
	}
}

// openImage opens and mounts the image, first slicing out a partition
// when it is a partitioned disk. When it is not EROFS the error says what
// it looks like instead.
func openImage(imagePath, partition string, logger *slog.Logger) (*erofs.FS, error) {
	dev, err := blockdev.Open(imagePath, blockdev.Options{Logger: logger})
	if err != nil {
		return nil, err
	}

	// Images too small to sniff are left for Mount to reject.
	kind, _ := detect.Detect(io.NewSectionReader(dev, 0, dev.Size()))

	switch {
	case kind.IsPartitionTable():
		dev, err = selectPartition(dev, kind, partition, logger)
		if err != nil {
			return nil, err
		}
	case partition != "":
		dev.Close()
		return nil, fmt.Errorf("%s has no partition table (detected %s)", imagePath, kind)
	}

	filesystem, err := erofs.Mount(dev, erofs.Options{Logger: logger})
	if err != nil {
		dev.Close()
		if kind != detect.Unknown && kind != detect.EROFS && !kind.IsPartitionTable() {
			return nil, fmt.Errorf("%s is not an EROFS image (looks like %s)", imagePath, kind)
		}
		return nil, fmt.Errorf("mounting %s: %w", imagePath, err)
	}
	return filesystem, nil
}

// selectPartition replaces dev with a Device over the chosen partition.
// dev is closed on error.
func selectPartition(dev *blockdev.Device, scheme detect.Type, name string, logger *slog.Logger) (*blockdev.Device, error) {
	table, err := part.Read(dev, scheme)
	if err != nil {
		dev.Close()
		return nil, err
	}

	var p *part.Partition
	if name != "" {
		p, err = table.Lookup(name)
	} else {
		p, err = table.Find(dev, detect.EROFS)
	}
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("%s disk: %w", scheme, err)
	}

	logger.Info("using partition", "partition", p.Name, "label", p.Label, "offset", p.Offset(), "size", p.Size())
	slice, err := dev.Slice(p.Offset(), p.Size())
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("partition %s: %w", p.Name, err)
	}
	return slice, nil
}

func newLogger(cfg config.LogConfig, stderr io.Writer) (*slog.Logger, func() error, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}

	out := stderr
	closeLog := func() error { return nil }
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = file
		closeLog = file.Close
	}

	options := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, options)), closeLog, nil
	}
	return slog.New(slog.NewTextHandler(out, options)), closeLog, nil
}

func runLs(filesystem *erofs.FS, args []string, out, stderr io.Writer) error {
	fs := pflag.NewFlagSet("ls", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	long := fs.BoolP("long", "l", false, "use long listing format")
	all := fs.BoolP("all", "a", false, "show entries starting with .")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := "."
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}

	return cmd.Ls(filesystem, path, out, cmd.LsOptions{
		Long: *long,
		All:  *all,
	})
}

func runCat(filesystem *erofs.FS, args []string, out io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("cat requires a path argument")
	}

	return cmd.Cat(filesystem, args[0], out)
}

func runStat(filesystem *erofs.FS, args []string, out io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("stat requires a path argument")
	}

	return cmd.Stat(filesystem, args[0], out)
}

// runMount serves the image until ctx is done or SIGINT/SIGTERM arrives,
// or until the filesystem is unmounted externally.
func runMount(ctx context.Context, filesystem *erofs.FS, cfg *config.Config, args []string, logger *slog.Logger, stderr io.Writer) error {
	fs := pflag.NewFlagSet("mount", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	allowOther := fs.Bool("allow-other", cfg.Mount.AllowOther, "let other users access the mount")
	debugFuse := fs.Bool("debug-fuse", cfg.Mount.Debug, "log every FUSE request")
	if err := fs.Parse(args); err != nil {
		return err
	}

	mountpoint := cfg.Mountpoint
	if fs.NArg() > 0 {
		mountpoint = fs.Arg(0)
	}
	if mountpoint == "" {
		return fmt.Errorf("mount requires a mountpoint argument")
	}

	server, err := fusefs.Mount(fusefs.Options{
		Mountpoint:      mountpoint,
		FS:              filesystem,
		FsName:          cfg.Mount.FsName,
		AllowOther:      *allowOther,
		EntryTimeout:    cfg.Mount.EntryTimeout,
		AttrTimeout:     cfg.Mount.AttrTimeout,
		NegativeTimeout: cfg.Mount.NegativeTimeout,
		Debug:           *debugFuse,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("filesystem unmounted externally", "mountpoint", mountpoint)
		return nil
	case <-ctx.Done():
	}

	logger.Info("unmounting", "mountpoint", mountpoint)
	if err := server.Unmount(); err != nil {
		return fmt.Errorf("unmounting %s: %w", mountpoint, err)
	}
	<-done
	return nil
}

func printHelp(flagSet *pflag.FlagSet, out io.Writer) {
	fmt.Fprintf(out, `erofuse reads EROFS filesystem images and serves them over FUSE.

Usage:
  erofuse [flags] <image> <command> [options] [args]

Commands:
  ls [-l] [-a] [path]                          list a directory
  cat <path>                                   write a file to stdout
  stat <path>                                  show attributes, layout and extents
  info                                         show superblock fields
  mount [--allow-other] [--debug-fuse] <dir>   mount until interrupted

Flags:
`)
	flagSet.SetOutput(out)
	flagSet.PrintDefaults()
}
