package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

type dumpParams struct {
	path  string
	lines bool
}

func addDumpParams(cmd commander) *dumpParams {
	params := &dumpParams{}
	cmd.Arg("path", "Symbol cache file.").Required().ExistingFileVar(&params.path)
	cmd.Flag("lines", "Print the detail rows of every function.").Default("false").BoolVar(&params.lines)
	return params
}

func dump(ctx context.Context, params *dumpParams) error {
	c, _, err := openCache(params.path, false)
	if err != nil {
		return err
	}
	defer c.Close()

	table := tablewriter.NewWriter(output(ctx))
	if params.lines {
		table.SetHeader([]string{"Start", "End", "Depth", "Symbol", "File", "Line", "Language"})
	} else {
		table.SetHeader([]string{"Start", "End", "Name", "Language", "Rows"})
	}
	for _, fn := range c.Functions() {
		if !params.lines {
			table.Append([]string{
				fmt.Sprintf("%#x", fn.Start),
				fmt.Sprintf("%#x", fn.End),
				fn.Name,
				fn.Language.String(),
				strconv.Itoa(len(fn.Lines)),
			})
			continue
		}
		for _, l := range fn.Lines {
			table.Append([]string{
				fmt.Sprintf("%#x", l.Start),
				fmt.Sprintf("%#x", l.End),
				strconv.FormatUint(uint64(l.InlineDepth), 10),
				l.Symbol,
				l.File,
				strconv.FormatUint(uint64(l.Line), 10),
				l.Language.String(),
			})
		}
	}
	table.Render()
	return nil
}
