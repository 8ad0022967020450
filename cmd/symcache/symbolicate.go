package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/pprof/profile"

	"github.com/grafana/symcache/pkg/symbolizer"
)

type symbolicateParams struct {
	*configParams
	request string
}

func addSymbolicateParams(cmd commander) *symbolicateParams {
	params := &symbolicateParams{configParams: addConfigParams(cmd)}
	cmd.Arg("request", "JSON request file, - reads from stdin.").Default("-").StringVar(&params.request)
	return params
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func symbolicate(ctx context.Context, params *symbolicateParams) error {
	in, err := openInput(params.request)
	if err != nil {
		return err
	}
	defer in.Close()
	var req symbolizer.Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("failed to decode request: %w", err)
	}

	s, err := params.newSymbolizer(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	resp, err := s.Symbolicate(ctx, &req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(output(ctx))
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

type symbolizeProfileParams struct {
	*configParams
	input  string
	output string
}

func addSymbolizeProfileParams(cmd commander) *symbolizeProfileParams {
	params := &symbolizeProfileParams{configParams: addConfigParams(cmd)}
	cmd.Arg("profile", "pprof profile, - reads from stdin.").Default("-").StringVar(&params.input)
	cmd.Flag("output", "Path of the symbolized profile.").Short('o').Default("symbolized.pprof").StringVar(&params.output)
	return params
}

func symbolizeProfile(ctx context.Context, params *symbolizeProfileParams) error {
	in, err := openInput(params.input)
	if err != nil {
		return err
	}
	defer in.Close()
	p, err := profile.Parse(in)
	if err != nil {
		return fmt.Errorf("failed to parse profile: %w", err)
	}

	s, err := params.newSymbolizer(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.SymbolizeProfile(ctx, p); err != nil {
		return err
	}

	f, err := os.Create(params.output)
	if err != nil {
		return err
	}
	if err := p.Write(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintln(output(ctx), params.output)
	return nil
}
