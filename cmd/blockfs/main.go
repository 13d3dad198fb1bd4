// Command blockfs formats, inspects and edits blockfs image files.
//
// Usage:
//
//	blockfs [global flags] <command> [flags] [args]
//
// Every command opens the image, mounts it at / of a private VFS, runs and
// unmounts again, so each invocation leaves a clean journal behind.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"blockfs/pkg/config"
	"blockfs/pkg/storage"
	"blockfs/pkg/vfs"
	"blockfs/pkg/vfs/treefs"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "blockfs: %v\n", err)
		os.Exit(1)
	}
}

// env is what a command runs with.
type env struct {
	cfg    *config.Config
	log    *slog.Logger
	stdin  io.Reader
	stdout io.Writer
}

type command struct {
	name     string
	usage    string
	readOnly bool
	// raw commands handle the image themselves instead of getting a
	// mounted session.
	raw func(e *env, args []string) error
	run func(e *env, s *session, args []string) error
}

var commands = []command{
	{name: "format", usage: "create and format the image", raw: cmdFormat},
	{name: "recover", usage: "replay the journal of an unclean image", raw: cmdRecover},
	{name: "info", usage: "show filesystem statistics", readOnly: true, run: cmdInfo},
	{name: "fsck", usage: "check filesystem consistency", readOnly: true, run: cmdFsck},
	{name: "ls", usage: "list directory contents", readOnly: true, run: cmdLs},
	{name: "stat", usage: "show file metadata", readOnly: true, run: cmdStat},
	{name: "cat", usage: "print file contents", readOnly: true, run: cmdCat},
	{name: "readlink", usage: "print a symbolic link's target", readOnly: true, run: cmdReadlink},
	{name: "mkdir", usage: "create directories", run: cmdMkdir},
	{name: "put", usage: "copy a host file (or - for stdin) into the image", run: cmdPut},
	{name: "rm", usage: "remove files or directories", run: cmdRm},
	{name: "mv", usage: "rename a file or directory", run: cmdMv},
	{name: "ln", usage: "create hard or symbolic links", run: cmdLn},
	{name: "truncate", usage: "set a file's size", run: cmdTruncate},
	{name: "chmod", usage: "change permission bits", run: cmdChmod},
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	var (
		configPath string
		imagePath  string
		blocks     uint64
		logLevel   string
	)
	flagSet := pflag.NewFlagSet("blockfs", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	flagSet.StringVarP(&imagePath, "image", "i", "", "image file (overrides device.path)")
	flagSet.Uint64Var(&blocks, "blocks", 0, "image size in blocks for format (overrides device.blocks)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (overrides log.level)")
	flagSet.Usage = func() { printUsage(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(flagSet)
		return errors.New("no command given")
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath); err != nil {
			return err
		}
	}
	if imagePath != "" {
		cfg.Device.Path = imagePath
	}
	if blocks != 0 {
		cfg.Device.Blocks = blocks
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	cmd, ok := lookupCommand(rest[0])
	if !ok {
		return fmt.Errorf("unknown command %q", rest[0])
	}
	e := &env{cfg: cfg, log: logger, stdin: stdin, stdout: stdout}
	if cmd.raw != nil {
		return cmd.raw(e, rest[1:])
	}

	s, err := openSession(cfg, logger, cmd.readOnly)
	if err != nil {
		return err
	}
	err = cmd.run(e, s, rest[1:])
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintln(os.Stderr, "Usage: blockfs [flags] <command> [args]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", c.name, c.usage)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Flags:")
	flagSet.PrintDefaults()
}

// session is an image mounted at / of a private VFS.
type session struct {
	dev   *storage.FileBlockDevice
	cache *storage.CachedDevice // nil when caching is off
	fs    *treefs.FS
	v     *vfs.VFS
}

func openSession(cfg *config.Config, logger *slog.Logger, readOnly bool) (*session, error) {
	dev, err := storage.OpenFileBlockDevice(cfg.Device.Path)
	if err != nil {
		return nil, err
	}

	var flags vfs.MountFlags
	if readOnly {
		flags |= vfs.MountReadOnly
	}
	mounted := cfg.WrapDevice(dev)
	fs := treefs.New(cfg.TreeFSOptions(logger))
	v := vfs.New(cfg.VFSOptions(logger))
	if err := v.Mount("/", fs, mounted, flags); err != nil {
		dev.Close()
		if errors.Is(err, treefs.ErrNeedsRecovery) {
			return nil, fmt.Errorf("%w (run \"blockfs recover\" first)", err)
		}
		return nil, err
	}
	cache, _ := mounted.(*storage.CachedDevice)
	return &session{dev: dev, cache: cache, fs: fs, v: v}, nil
}

// Close unmounts the filesystem and releases the image.
func (s *session) Close() error {
	return errors.Join(s.v.Shutdown(), s.dev.Close())
}

// subcommand returns a flag set for a command; help goes to stderr.
func subcommand(name, args string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: blockfs %s [flags] %s\n", name, args)
		fs.PrintDefaults()
	}
	return fs
}
