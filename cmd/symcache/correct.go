package main

import (
	"context"
	"fmt"

	"github.com/grafana/symcache/pkg/debuginfo"
	"github.com/grafana/symcache/symcache"
)

type correctParams struct {
	arch      string
	addresses []string
	frame     frameParams
}

func addCorrectParams(cmd commander) *correctParams {
	params := &correctParams{}
	cmd.Arg("arch", "Architecture of the image, e.g. x86_64 or arm64.").Required().StringVar(&params.arch)
	cmd.Arg("address", "Frame address(es), in hex.").Required().StringsVar(&params.addresses)
	addFrameParams(cmd, &params.frame)
	return params
}

func correct(ctx context.Context, params *correctParams) error {
	ip, err := params.frame.ipRegister()
	if err != nil {
		return fmt.Errorf("invalid instruction pointer: %w", err)
	}
	for _, s := range params.addresses {
		addr, err := debuginfo.ParseAddress(s)
		if err != nil {
			return err
		}
		corrected, err := symcache.CorrectInstruction(addr, params.arch, params.frame.crashing, params.frame.signal, ip)
		if err != nil {
			return err
		}
		fmt.Fprintf(output(ctx), "%#x\t%#x\n", addr, corrected)
	}
	return nil
}
