package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"gopkg.in/yaml.v3"

	"github.com/grafana/symcache/pkg/symbolizer"
)

type configParams struct {
	configFile string
	directory  string
}

func addConfigParams(cmd commander) *configParams {
	params := &configParams{}
	cmd.Flag("config.file", "YAML file with the symbolizer configuration.").StringVar(&params.configFile)
	cmd.Flag("storage.directory", "Overrides the storage directory of the configuration.").StringVar(&params.directory)
	return params
}

type fileConfig struct {
	Symbolizer symbolizer.Config `yaml:"symbolizer"`
}

// load reads the configuration file over the flag defaults.
func (p *configParams) load() (symbolizer.Config, error) {
	var cfg fileConfig
	flagext.DefaultValues(&cfg.Symbolizer)

	if p.configFile != "" {
		data, err := os.ReadFile(p.configFile)
		if err != nil {
			return cfg.Symbolizer, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg.Symbolizer, fmt.Errorf("failed parsing config: %w", err)
		}
	}
	if p.directory != "" {
		cfg.Symbolizer.Storage.Directory = p.directory
	}
	return cfg.Symbolizer, cfg.Symbolizer.Validate()
}

func (p *configParams) newSymbolizer(ctx context.Context) (*symbolizer.Symbolizer, error) {
	cfg, err := p.load()
	if err != nil {
		return nil, err
	}
	bucket, err := symbolizer.NewBucket(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	level.Debug(logger).Log("msg", "using symbol storage", "backend", cfg.Storage.Backend, "directory", cfg.Storage.Directory)
	return symbolizer.New(logger, cfg, nil, bucket)
}
