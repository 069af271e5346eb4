// main.go — Entry point for the showrun CLI binary.
// Thin harness over the embedding surface: load a pack, run it, print
// the result as JSON.
//
// Usage: showrun <command> <pack> [--flags]
//
// Commands: run, validate
//
// Exit codes:
//
//	0 = success
//	1 = runtime failure (the flow ran and failed)
//	2 = usage or validation error (bad args, bad pack, bad inputs)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/showrun/showrun"
)

// version is set at build time via -ldflags.
var version = "1.0.0"

const usageText = `showrun — deterministic task-pack runner

Usage:
  showrun run <pack> [--flags]
  showrun validate <pack>

<pack> is a pack directory, or a pack name resolved under the taskpacks
directory (SHOWRUN_TASKPACKS_DIR).

Run Flags:
  --input <key=value>       Input value; repeatable. Values parse as JSON
                            when they can, otherwise as strings.
  --headless                Run the browser headless
  --session <id>            Named session (shared once-cache and profile)
  --profile <id>            Persistent profile directory name
  --skip-http-replay        Force browser mode even with fresh snapshots
  --cdp-url <url>           Attach to a running browser over DevTools
  --snapshot-ttl <dur>      TTL for snapshots recorded this run (e.g. 30m)
  --timeout <dur>           Overall run timeout (e.g. 5m)
  --quiet                   Suppress the event stream on stderr
  --version                 Show version
  --help                    Show this help

Examples:
  showrun run ./packs/acme-invoices --input month=2026-07
  showrun run acme-invoices --headless --session nightly
  showrun validate ./packs/acme-invoices
`

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the main entry point, separated for testability.
// Returns the exit code.
func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		return 2
	}
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			fmt.Printf("showrun %s\n", version)
			return 0
		}
		if arg == "--help" || arg == "-h" {
			fmt.Print(usageText)
			return 0
		}
	}

	command := args[0]
	switch command {
	case "run":
		return runCommand(args[1:])
	case "validate":
		return validateCommand(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usageText)
		return 2
	}
}

func validateCommand(args []string) int {
	if len(args) != 1 || strings.HasPrefix(args[0], "--") {
		fmt.Fprintln(os.Stderr, "validate takes exactly one pack argument")
		return 2
	}
	dir, err := resolvePackDir(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if _, err := showrun.LoadPack(dir); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	fmt.Println("ok")
	return 0
}

func runCommand(args []string) int {
	var (
		packArg string
		inputs  = map[string]any{}
		opts    showrun.Options
		timeout time.Duration
		quiet   bool
	)

	i := 0
	for i < len(args) {
		arg := args[i]
		switch {
		case arg == "--headless":
			opts.Headless = true
		case arg == "--skip-http-replay":
			opts.SkipHTTPReplay = true
		case arg == "--quiet":
			quiet = true
		case arg == "--input":
			value, ok := flagValue(args, &i)
			if !ok {
				fmt.Fprintln(os.Stderr, "--input needs key=value")
				return 2
			}
			key, raw, found := strings.Cut(value, "=")
			if !found || key == "" {
				fmt.Fprintf(os.Stderr, "bad --input %q: want key=value\n", value)
				return 2
			}
			inputs[key] = parseInputValue(raw)
		case arg == "--session":
			value, ok := flagValue(args, &i)
			if !ok {
				fmt.Fprintln(os.Stderr, "--session needs a value")
				return 2
			}
			opts.SessionID = value
		case arg == "--profile":
			value, ok := flagValue(args, &i)
			if !ok {
				fmt.Fprintln(os.Stderr, "--profile needs a value")
				return 2
			}
			opts.ProfileID = value
		case arg == "--cdp-url":
			value, ok := flagValue(args, &i)
			if !ok {
				fmt.Fprintln(os.Stderr, "--cdp-url needs a value")
				return 2
			}
			opts.CDPURL = value
		case arg == "--snapshot-ttl":
			value, ok := flagValue(args, &i)
			if !ok {
				fmt.Fprintln(os.Stderr, "--snapshot-ttl needs a duration")
				return 2
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				fmt.Fprintf(os.Stderr, "bad --snapshot-ttl %q: %v\n", value, err)
				return 2
			}
			opts.SnapshotTTL = d
		case arg == "--timeout":
			value, ok := flagValue(args, &i)
			if !ok {
				fmt.Fprintln(os.Stderr, "--timeout needs a duration")
				return 2
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				fmt.Fprintf(os.Stderr, "bad --timeout %q: %v\n", value, err)
				return 2
			}
			timeout = d
		case strings.HasPrefix(arg, "--"):
			fmt.Fprintf(os.Stderr, "unknown flag %q\n", arg)
			return 2
		default:
			if packArg != "" {
				fmt.Fprintf(os.Stderr, "unexpected argument %q\n", arg)
				return 2
			}
			packArg = arg
		}
		i++
	}
	if packArg == "" {
		fmt.Fprintln(os.Stderr, "run needs a pack argument")
		return 2
	}

	dir, err := resolvePackDir(packArg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	p, err := showrun.LoadPack(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if !quiet {
		opts.Events = showrun.SlogSink{
			Logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result := showrun.Run(ctx, p, inputs, opts)

	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(string(encoded))
	if !result.Success {
		return 1
	}
	return 0
}

// flagValue consumes the next argument as the current flag's value.
func flagValue(args []string, i *int) (string, bool) {
	if *i+1 >= len(args) {
		return "", false
	}
	*i++
	return args[*i], true
}

// parseInputValue decodes numbers and booleans so --input count=3 arrives
// typed; everything else stays a string.
func parseInputValue(raw string) any {
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

// resolvePackDir accepts a pack directory path or a bare pack name
// looked up under the taskpacks directory.
func resolvePackDir(arg string) (string, error) {
	if info, err := os.Stat(arg); err == nil && info.IsDir() {
		return arg, nil
	}
	root, err := showrun.TaskpacksDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(root, arg)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir, nil
	}
	return "", fmt.Errorf("pack %q not found (not a directory, not under %s)", arg, root)
}
