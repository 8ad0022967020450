package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"
)

var cfg struct {
	verbose bool
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	ctx := withOutput(context.Background(), os.Stdout)

	app := kingpin.New(filepath.Base(os.Args[0]), "Tooling for symbol caches: build, inspect and symbolicate.").UsageWriter(os.Stdout)
	app.Version(version.Print("symcache"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)

	buildCmd := app.Command("build", "Build a symbol cache from a Breakpad symbol file or an ELF object.")
	buildParams := addBuildParams(buildCmd)

	infoCmd := app.Command("info", "Print the header of symbol caches.")
	infoParams := addInfoParams(infoCmd)

	dumpCmd := app.Command("dump", "Print the function index of a symbol cache.")
	dumpParams := addDumpParams(dumpCmd)

	lookupCmd := app.Command("lookup", "Resolve addresses to their inline chains.")
	lookupParams := addLookupParams(lookupCmd)

	correctCmd := app.Command("correct", "Compute the address to look up for a stack frame.")
	correctParams := addCorrectParams(correctCmd)

	uploadCmd := app.Command("upload", "Store symbol files and their caches in the symbolizer storage.")
	uploadParams := addUploadParams(uploadCmd)

	symbolicateCmd := app.Command("symbolicate", "Symbolicate stack traces read as JSON.")
	symbolicateParams := addSymbolicateParams(symbolicateCmd)

	symbolizeProfileCmd := app.Command("symbolize-profile", "Add functions and lines to a pprof profile.")
	symbolizeProfileParams := addSymbolizeProfileParams(symbolizeProfileCmd)

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// enable verbose logging if requested
	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	var err error
	switch parsedCmd {
	case buildCmd.FullCommand():
		err = build(ctx, buildParams)
	case infoCmd.FullCommand():
		err = info(ctx, infoParams)
	case dumpCmd.FullCommand():
		err = dump(ctx, dumpParams)
	case lookupCmd.FullCommand():
		err = lookup(ctx, lookupParams)
	case correctCmd.FullCommand():
		err = correct(ctx, correctParams)
	case uploadCmd.FullCommand():
		err = upload(ctx, uploadParams)
	case symbolicateCmd.FullCommand():
		err = symbolicate(ctx, symbolicateParams)
	case symbolizeProfileCmd.FullCommand():
		err = symbolizeProfile(ctx, symbolizeProfileParams)
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
	os.Exit(checkError(err))
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

type commander interface {
	Flag(name, help string) *kingpin.FlagClause
	Arg(name, help string) *kingpin.ArgClause
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}
