package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/featureloop/internal/audit"
)

// Version is set at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

type command struct {
	name     string
	synopsis string
	run      func(ctx context.Context, args []string) int
}

var commands = []command{
	{"init", "init [-project-dir dir] [-force]   Write a starter config.yaml", runInitCommand},
	{"import", "import -file <path>               Load features from a JSON file into the queue", runImportCommand},
	{"mcp", "mcp                               Serve the worker tool server on stdio", runMCPCommand},
	{"status", "status [-json]                    Show daemon health and progress", runStatusCommand},
	{"ctl", "ctl <method> [k=v ...]            Call a gateway control method", runCtlCommand},
	{"doctor", "doctor [-json] [-skip-mcp]        Run diagnostic checks", runDoctorCommand},
}

func printUsage() {
	w := flag.CommandLine.Output()
	fmt.Fprintf(w, "Usage: featureloop [-quiet] [daemon]\n       featureloop <command> [args]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %s\n", c.synopsis)
	}
	fmt.Fprintln(w, "\nFlags:")
	flag.PrintDefaults()
	fmt.Fprint(w, `
Environment:
  FEATURELOOP_HOME         data directory (default ~/.featureloop)
  FEATURELOOP_AUTH_TOKEN   gateway bearer token
  FEATURELOOP_PROJECT_DIR  project tree the workers edit

Example:
  featureloop ctl control.pause slot_id=agent-1
`)
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to the file only, not stdout")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		runDaemon(ctx, *quiet)
		return
	}
	name := strings.ToLower(strings.TrimSpace(args[0]))
	if isHelpArg(name) {
		printUsage()
		return
	}
	if name == "daemon" {
		mode, err := parseDaemonSubcommandArgs(args[1:])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		if mode == daemonSubcommandHelp {
			printDaemonSubcommandUsage(os.Stdout)
			return
		}
		runDaemon(ctx, *quiet)
		return
	}
	for _, c := range commands {
		if c.name == name {
			code := c.run(ctx, args[1:])
			stop()
			os.Exit(code)
		}
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
	printUsage()
	os.Exit(2)
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

const daemonUsage = "usage: featureloop daemon [--help]"

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	switch {
	case len(args) == 0:
		return daemonSubcommandRun, nil
	case len(args) == 1 && isHelpArg(args[0]):
		return daemonSubcommandHelp, nil
	default:
		return daemonSubcommandRun, errors.New(daemonUsage)
	}
}

func isHelpArg(raw string) bool {
	s := strings.ToLower(strings.TrimSpace(raw))
	return s == "-h" || s == "--help" || s == "help"
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintf(w, "%s\n       featureloop -quiet\n\n", daemonUsage)
	fmt.Fprintln(w, "Runs the orchestrator: restores slots, starts their loops and serves the gateway.")
}

// fatalStartup records the failure in the audit log and exits. Before the
// logger exists the line is written to stderr in the same JSON shape.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	var msg string
	if err != nil {
		msg = err.Error()
	}
	audit.Record(context.Background(), "runtime", "runtime.startup", reasonCode, audit.OutcomeRejected, msg)
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.String("timestamp", a.Value.Time().UTC().Format(time.RFC3339Nano))
				}
				return a
			},
		})).With("component", "runtime", "trace_id", "-")
	}
	logger.Error("startup failure", "reason_code", reasonCode, "error", msg)
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || strings.Contains(err.Error(), "address already in use")
}

// portOccupantHint names the process holding addr's port when lsof can tell.
func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommandFunc("lsof", "-ti", ":"+port).Output()
	if pids := strings.TrimSpace(string(out)); err == nil && pids != "" {
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

var execCommandFunc = exec.Command

// loadDotEnv sets KEY=value pairs from path for keys not already set to a
// non-empty value. A missing file is ignored.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.TrimSpace(val))
	}
}

// interactive reports whether stdout is a terminal.
func interactive() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
