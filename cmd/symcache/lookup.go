package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/xlab/treeprint"

	"github.com/grafana/symcache/pkg/debuginfo"
	"github.com/grafana/symcache/symcache"
)

type lookupParams struct {
	path      string
	addresses []string
	frame     frameParams
}

// frameParams describe the stack frame an address was taken from.
type frameParams struct {
	correct  bool
	crashing bool
	signal   uint32
	ip       string
}

func addFrameParams(cmd commander, params *frameParams) {
	cmd.Flag("crashing", "The address is the top frame of the crashing thread.").Default("false").BoolVar(&params.crashing)
	cmd.Flag("signal", "Signal number of the crash.").Default("0").Uint32Var(&params.signal)
	cmd.Flag("ip", "Value of the instruction pointer register, in hex.").StringVar(&params.ip)
}

func (p *frameParams) ipRegister() (uint64, error) {
	if p.ip == "" {
		return 0, nil
	}
	return debuginfo.ParseAddress(p.ip)
}

func addLookupParams(cmd commander) *lookupParams {
	params := &lookupParams{}
	cmd.Arg("path", "Symbol cache file.").Required().ExistingFileVar(&params.path)
	cmd.Arg("address", "Address(es) to resolve, in hex, relative to the image.").Required().StringsVar(&params.addresses)
	cmd.Flag("correct", "Move return addresses back to the calling instruction before the lookup.").Default("false").BoolVar(&params.frame.correct)
	addFrameParams(cmd, &params.frame)
	return params
}

func lookup(ctx context.Context, params *lookupParams) error {
	c, _, err := openCache(params.path, false)
	if err != nil {
		return err
	}
	defer c.Close()

	ip, err := params.frame.ipRegister()
	if err != nil {
		return fmt.Errorf("invalid instruction pointer: %w", err)
	}
	var locations []symcache.SourceLocation
	for _, s := range params.addresses {
		addr, err := debuginfo.ParseAddress(s)
		if err != nil {
			return err
		}
		if params.frame.correct {
			addr = symcache.FindBestInstruction(addr, c.Arch().String(), params.frame.crashing, params.frame.signal, ip)
		}
		locations = c.LookupInto(locations, addr)

		tree := treeprint.NewWithRoot(fmt.Sprintf("%#x", addr))
		if len(locations) == 0 {
			tree.AddNode("??")
		}
		// outermost frame at the top
		branch := tree
		for i := len(locations) - 1; i >= 0; i-- {
			branch = branch.AddBranch(formatLocation(locations[i]))
		}
		fmt.Fprint(output(ctx), tree.String())
	}
	return nil
}

var (
	symbolColor = color.New(color.Bold)
	fileColor   = color.New(color.FgHiBlack)
)

func formatLocation(l symcache.SourceLocation) string {
	if l.FullPath == "" {
		return symbolColor.Sprint(l.SymbolName) + fmt.Sprintf("+%#x", l.InstructionAddress-l.SymbolAddress)
	}
	return symbolColor.Sprint(l.SymbolName) + " " + fileColor.Sprintf("%s:%d", l.FullPath, l.Line)
}
