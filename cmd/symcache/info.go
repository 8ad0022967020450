package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/grafana/symcache/pkg/debuginfo"
	"github.com/grafana/symcache/symcache"
)

type infoParams struct {
	paths          []string
	verifyChecksum bool
}

func addInfoParams(cmd commander) *infoParams {
	params := &infoParams{}
	cmd.Arg("path", "Symbol cache file(s).").Required().ExistingFilesVar(&params.paths)
	cmd.Flag("verify-checksum", "Verify the body checksum.").Default("true").BoolVar(&params.verifyChecksum)
	return params
}

// openCache memory-maps uncompressed caches and decompresses the others.
func openCache(path string, verifyChecksum bool) (*symcache.Cache, int64, error) {
	var opts []symcache.Option
	if verifyChecksum {
		opts = append(opts, symcache.WithChecksum())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	if debuginfo.DetectCompression(data) == debuginfo.CompressionNone {
		c, err := symcache.OpenFile(path, opts...)
		return c, int64(len(data)), err
	}
	raw, err := debuginfo.Decompress(data)
	if err != nil {
		return nil, 0, err
	}
	c, err := symcache.Open(raw, opts...)
	return c, int64(len(data)), err
}

func info(ctx context.Context, params *infoParams) error {
	table := tablewriter.NewWriter(output(ctx))
	table.SetHeader([]string{"Path", "Size", "Version", "Arch", "Debug ID", "Functions", "Lines", "Line info", "File info"})
	for _, path := range params.paths {
		c, size, err := openCache(path, params.verifyChecksum)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		var lines int
		fns := c.Functions()
		for _, fn := range fns {
			lines += len(fn.Lines)
		}
		table.Append([]string{
			path,
			humanize.Bytes(uint64(size)),
			strconv.FormatUint(uint64(c.Version()), 10),
			c.Arch().String(),
			c.DebugID().String(),
			strconv.Itoa(len(fns)),
			strconv.Itoa(lines),
			strconv.FormatBool(c.HasLineInfo()),
			strconv.FormatBool(c.HasFileInfo()),
		})
		if err := c.Close(); err != nil {
			return err
		}
	}
	table.Render()
	return nil
}
