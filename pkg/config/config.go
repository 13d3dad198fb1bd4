// Package config loads blockfs settings from a YAML file.
//
// A missing section or field keeps its default, so a file only needs to
// name what it changes:
//
//	device:
//	  path: /var/lib/blockfs/disk.img
//	  blocks: 65536
//	journal:
//	  blocks: 2048
//	log:
//	  level: debug
//	  format: json
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"blockfs/pkg/btree"
	"blockfs/pkg/journal"
	"blockfs/pkg/storage"
	"blockfs/pkg/vfs"
	"blockfs/pkg/vfs/treefs"
)

// Config is the complete set of blockfs settings.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Journal JournalConfig `yaml:"journal"`
	BTree   BTreeConfig   `yaml:"btree"`
	VFS     VFSConfig     `yaml:"vfs"`
	Log     LogConfig     `yaml:"log"`
}

// DeviceConfig names the image file backing the filesystem.
type DeviceConfig struct {
	// Path of the image file.
	Path string `yaml:"path"`

	// Blocks is the image size used when formatting a new image.
	Blocks uint64 `yaml:"blocks"`

	// CacheBlocks is the number of blocks kept in the read cache in front
	// of the image. Zero disables the cache.
	CacheBlocks int `yaml:"cache_blocks"`

	// CachePolicy is lru or fifo.
	CachePolicy string `yaml:"cache_policy"`
}

// JournalConfig sizes the write-ahead log.
type JournalConfig struct {
	Blocks               uint32 `yaml:"blocks"`
	MaxTransactionBlocks int    `yaml:"max_transaction_blocks"`
}

// BTreeConfig tunes the inode and free-block trees. Zero values select the
// tree defaults.
type BTreeConfig struct {
	Order     int `yaml:"order"`
	MaxHeight int `yaml:"max_height"`
	CacheSize int `yaml:"cache_size"`
}

// VFSConfig sizes the VFS tables. Zero values select the VFS defaults.
type VFSConfig struct {
	MaxMounts       int `yaml:"max_mounts"`
	MaxOpenFiles    int `yaml:"max_open_files"`
	DentryCacheSize int `yaml:"dentry_cache_size"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`

	// Output is stderr, stdout or a file path.
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Path:        "blockfs.img",
			Blocks:      16384,
			CacheBlocks: 256,
			CachePolicy: string(storage.CachePolicyLRU),
		},
		Journal: JournalConfig{
			Blocks:               treefs.DefaultJournalBlocks,
			MaxTransactionBlocks: treefs.DefaultMaxTransactionSize,
		},
		BTree: BTreeConfig{
			MaxHeight: btree.DefaultMaxHeight,
			CacheSize: btree.DefaultCacheSize,
		},
		VFS: VFSConfig{
			MaxMounts:       vfs.DefaultMaxMounts,
			MaxOpenFiles:    vfs.DefaultMaxOpenFiles,
			DentryCacheSize: vfs.DefaultDentryCacheSize,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadFile reads path and overlays it on Default. The result is validated.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse overlays YAML data on Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if c.Device.Path == "" {
		errs = append(errs, errors.New("device.path is required"))
	}
	if c.Device.CacheBlocks < 0 {
		errs = append(errs, fmt.Errorf("device.cache_blocks must not be negative, got %d", c.Device.CacheBlocks))
	}
	if _, err := storage.ParseCachePolicy(c.Device.CachePolicy); err != nil {
		errs = append(errs, fmt.Errorf("device.cache_policy: %w", err))
	}

	maxTx := c.Journal.MaxTransactionBlocks
	if maxTx < 1 || maxTx > journal.MaxTransactionLimit {
		errs = append(errs, fmt.Errorf("journal.max_transaction_blocks must be in [1, %d], got %d", journal.MaxTransactionLimit, maxTx))
	} else if need := journal.MinSize(maxTx); c.Journal.Blocks < need {
		errs = append(errs, fmt.Errorf("journal.blocks must be at least %d for %d-block transactions, got %d", need, maxTx, c.Journal.Blocks))
	}
	if c.Device.Blocks <= uint64(c.Journal.Blocks)+2 {
		errs = append(errs, fmt.Errorf("device.blocks (%d) leaves no room for data after a %d-block journal", c.Device.Blocks, c.Journal.Blocks))
	}

	if c.BTree.Order != 0 && c.BTree.Order < btree.MinOrder {
		errs = append(errs, fmt.Errorf("btree.order must be 0 or at least %d, got %d", btree.MinOrder, c.BTree.Order))
	}
	if c.BTree.MaxHeight < 0 || c.BTree.CacheSize < 0 {
		errs = append(errs, errors.New("btree.max_height and btree.cache_size must not be negative"))
	}
	if c.VFS.MaxMounts < 0 || c.VFS.MaxOpenFiles < 0 || c.VFS.DentryCacheSize < 0 {
		errs = append(errs, errors.New("vfs table sizes must not be negative"))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Log.Output == "" {
		errs = append(errs, errors.New("log.output is required"))
	}

	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the logger described by the log section. The returned
// function closes the output file, if one was opened.
func (c *Config) NewLogger() (*slog.Logger, func() error, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer
	closer := func() error { return nil }
	switch strings.ToLower(c.Log.Output) {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(c.Log.Output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log output: %w", err)
		}
		out, closer = f, f.Close
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.Log.Format == "json" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	return slog.New(handler), closer, nil
}

// WrapDevice puts the configured read cache in front of dev. It returns
// dev unchanged when the cache is disabled.
func (c *Config) WrapDevice(dev storage.BlockDevice) storage.BlockDevice {
	if c.Device.CacheBlocks == 0 {
		return dev
	}
	policy, err := storage.ParseCachePolicy(c.Device.CachePolicy)
	if err != nil {
		policy = storage.CachePolicyLRU
	}
	return storage.NewCachedDevice(dev, policy, c.Device.CacheBlocks)
}

// TreeFSOptions returns the filesystem options for this configuration.
func (c *Config) TreeFSOptions(logger *slog.Logger) treefs.Options {
	return treefs.Options{
		JournalBlocks:      c.Journal.Blocks,
		MaxTransactionSize: c.Journal.MaxTransactionBlocks,
		Order:              c.BTree.Order,
		CacheSize:          c.BTree.CacheSize,
		MaxHeight:          c.BTree.MaxHeight,
		Logger:             logger,
	}
}

// VFSOptions returns the VFS options for this configuration.
func (c *Config) VFSOptions(logger *slog.Logger) vfs.Options {
	return vfs.Options{
		MaxMounts:       c.VFS.MaxMounts,
		MaxOpenFiles:    c.VFS.MaxOpenFiles,
		DentryCacheSize: c.VFS.DentryCacheSize,
		Logger:          logger,
	}
}
