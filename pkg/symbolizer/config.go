package symbolizer

import (
	"context"
	"flag"
	"fmt"

	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"
)

const (
	BackendFilesystem = "filesystem"
	BackendMemory     = "memory"
)

type Config struct {
	CacheSize         int    `yaml:"cache_size"`
	NotFoundCacheSize int    `yaml:"not_found_cache_size" category:"advanced"`
	MaxConcurrency    int    `yaml:"max_concurrency"`
	VerifyChecksum    bool   `yaml:"verify_checksum"`
	Demangle          string `yaml:"demangle"`

	Storage StorageConfig `yaml:"storage"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.CacheSize, "symbolizer.cache-size", 128, "Number of open symbol caches kept in memory.")
	f.IntVar(&cfg.NotFoundCacheSize, "symbolizer.not-found-cache-size", 1024, "Number of modules remembered as having no symbols.")
	f.IntVar(&cfg.MaxConcurrency, "symbolizer.max-concurrency", 10, "Maximum number of modules loaded concurrently for one request.")
	f.BoolVar(&cfg.VerifyChecksum, "symbolizer.verify-checksum", true, "Verify the checksum of symbol caches read from storage.")
	f.StringVar(&cfg.Demangle, "symbolizer.demangle", "none", "Demangling of resolved names: none, simplified, templates or full.")
	cfg.Storage.RegisterFlags(f)
}

func (cfg *Config) Validate() error {
	if cfg.CacheSize < 1 {
		return fmt.Errorf("invalid cache-size value, must be positive")
	}
	if cfg.NotFoundCacheSize < 1 {
		return fmt.Errorf("invalid not-found-cache-size value, must be positive")
	}
	if cfg.MaxConcurrency < 1 {
		return fmt.Errorf("invalid max-concurrency value, must be positive")
	}
	if _, ok := demangleModes[cfg.Demangle]; !ok {
		return fmt.Errorf("invalid demangle value %q", cfg.Demangle)
	}
	return cfg.Storage.Validate()
}

// StorageConfig selects the bucket caches and symbol files are kept in.
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	Directory string `yaml:"directory"`
	Prefix    string `yaml:"prefix"`
}

func (cfg *StorageConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, "symbolizer.storage.backend", BackendFilesystem, "Backend storage to use. Supported backends are: filesystem, memory.")
	f.StringVar(&cfg.Directory, "symbolizer.storage.directory", "./data/symbols", "Local filesystem storage directory.")
	f.StringVar(&cfg.Prefix, "symbolizer.storage.prefix", "", "Prefix for all objects stored in the backend storage.")
}

func (cfg *StorageConfig) Validate() error {
	switch cfg.Backend {
	case BackendFilesystem:
		if cfg.Directory == "" {
			return fmt.Errorf("storage directory is required for the filesystem backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
	return nil
}

// NewBucket creates the bucket described by cfg.
func NewBucket(_ context.Context, cfg StorageConfig) (objstore.Bucket, error) {
	var (
		bkt objstore.Bucket
		err error
	)
	switch cfg.Backend {
	case BackendFilesystem:
		bkt, err = filesystem.NewBucket(cfg.Directory)
		if err != nil {
			return nil, err
		}
	case BackendMemory:
		bkt = objstore.NewInMemBucket()
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
	if cfg.Prefix != "" {
		bkt = objstore.NewPrefixedBucket(bkt, cfg.Prefix)
	}
	return bkt, nil
}
