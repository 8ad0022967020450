package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"

	"github.com/grafana/symcache/pkg/debuginfo"
	"github.com/grafana/symcache/symcache"
)

type buildParams struct {
	input      string
	output     string
	version    uint32
	noChecksum bool
}

func addBuildParams(cmd commander) *buildParams {
	params := &buildParams{}
	cmd.Arg("input", "Breakpad symbol file or ELF object, optionally gzip or zstd compressed.").Required().ExistingFileVar(&params.input)
	cmd.Flag("output", "Path of the cache to write. Defaults to the input path with a .symcache extension.").Short('o').StringVar(&params.output)
	cmd.Flag("version", "Layout version to write.").Default(fmt.Sprint(symcache.LatestVersion)).Uint32Var(&params.version)
	cmd.Flag("no-checksum", "Do not compute the body checksum.").Default("false").BoolVar(&params.noChecksum)
	return params
}

func (p *buildParams) outputPath() string {
	if p.output != "" {
		return p.output
	}
	name := p.input
	for _, ext := range []string{".gz", ".zst", ".sym", ".debug"} {
		name = strings.TrimSuffix(name, ext)
	}
	return name + ".symcache"
}

func build(ctx context.Context, params *buildParams) error {
	syms, err := debuginfo.ReadFile(params.input)
	if err != nil {
		return err
	}

	opts := []symcache.Option{symcache.WithFormatVersion(params.version), symcache.WithLogger(logger)}
	if params.noChecksum {
		opts = append(opts, symcache.WithoutChecksum())
	}
	b := symcache.NewBuilder(syms.Module.Arch, syms.Module.DebugID, opts...)
	for _, r := range syms.Records {
		if err := b.Add(r); err != nil {
			return err
		}
	}
	data, err := b.Bytes()
	if err != nil {
		return err
	}

	path := params.outputPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	stats := b.Stats()
	level.Info(logger).Log(
		"msg", "symbol cache written",
		"path", path,
		"module", syms.Module.Name,
		"debug_id", syms.Module.DebugID,
		"arch", syms.Module.Arch,
		"size", humanize.Bytes(uint64(len(data))),
		"records", stats.Records,
		"duplicates", stats.Duplicates,
		"dropped", stats.Dropped,
		"functions", stats.Functions,
		"lines", stats.Lines,
	)
	fmt.Fprintln(output(ctx), path)
	return nil
}
