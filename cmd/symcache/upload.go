package main

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"

	"github.com/grafana/symcache/pkg/debuginfo"
	"github.com/grafana/symcache/pkg/symbolizer"
	"github.com/grafana/symcache/symcache"
)

type uploadParams struct {
	*configParams
	paths     []string
	skipCache bool
}

func addUploadParams(cmd commander) *uploadParams {
	params := &uploadParams{configParams: addConfigParams(cmd)}
	cmd.Arg("path", "Symbol file(s) to upload.").Required().ExistingFilesVar(&params.paths)
	cmd.Flag("skip-cache", "Only store the symbol files, caches are built on first use.").Default("false").BoolVar(&params.skipCache)
	return params
}

func upload(ctx context.Context, params *uploadParams) error {
	cfg, err := params.load()
	if err != nil {
		return err
	}
	bucket, err := symbolizer.NewBucket(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	store := symbolizer.NewStore(bucket)

	for _, path := range params.paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		syms, err := debuginfo.Read(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		id := syms.Module.DebugID
		if err := store.PutSource(ctx, id, bytes.NewReader(data)); err != nil {
			return err
		}
		if !params.skipCache {
			cache, err := syms.Build(symcache.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if err := store.PutCache(ctx, id, syms.Module.Arch, cache); err != nil {
				return err
			}
			level.Info(logger).Log("msg", "symbol cache stored", "path", symbolizer.CachePath(id, syms.Module.Arch), "size", humanize.Bytes(uint64(len(cache))))
		}
		level.Info(logger).Log("msg", "symbols uploaded", "file", path, "module", syms.Module.Name, "debug_id", id, "size", humanize.Bytes(uint64(len(data))))
	}
	return nil
}
