// cmd/voron/main.go
//
// voron - shell for voron environments.
//
// Usage:
//
//	voron [-config file.yaml] [-db path] [-mem] [-v] [command args...]
//
// With a command, runs it and exits. Without one, starts an interactive
// shell. Use .help for available commands.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"voron/pkg/cli"
	"voron/pkg/voron"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "YAML options file")
	dbPath := flag.String("db", "", "data file path (overrides the options file)")
	inMemory := flag.Bool("mem", false, "use a throwaway in-memory environment")
	verbose := flag.Bool("v", false, "log debug output to stderr")
	flag.Parse()

	log, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	opts, err := resolveOptions(*configPath, *dbPath, *inMemory)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	opts.Logger = log

	env, err := voron.Open(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening environment: %v\n", err)
		return 1
	}
	defer func() {
		if err := env.Dispose(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing environment: %v\n", err)
		}
	}()

	repl := cli.NewREPL(env, os.Stdin, os.Stdout, os.Stderr)
	if flag.NArg() == 0 {
		repl.Run()
		return 0
	}
	if err := repl.ExecuteArgs(flag.Args()); err != nil && !errors.Is(err, cli.ErrExit) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func resolveOptions(configPath, dbPath string, inMemory bool) (voron.Options, error) {
	switch {
	case inMemory:
		return voron.InMemoryOptions(), nil
	case configPath != "":
		opts, err := voron.LoadOptions(configPath)
		if err != nil {
			return voron.Options{}, err
		}
		if dbPath != "" {
			opts.Path = dbPath
		}
		return opts, nil
	case dbPath != "":
		return voron.DefaultOptions(dbPath), nil
	}
	return voron.Options{}, errors.New("one of -db, -config or -mem is required")
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}
