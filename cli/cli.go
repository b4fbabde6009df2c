// Package cli provides the command-line interface for hotmonkey.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"fmt"
	"io"
	"os"
)

// Version is the hotmonkey release.
var Version = "v0.1.0"

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// BeforeDispatch is called before command dispatch.
	// Return (handled=true, exitCode) to skip normal dispatch.
	BeforeDispatch func(command string, args []string) (handled bool, exitCode int)

	// CustomHelp returns additional help text to append.
	CustomHelp func() string

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	return dispatch(os.Stdout, args, hooks)
}

func dispatch(w io.Writer, args []string, hooks *Hooks) int {
	if len(args) < 1 {
		return runServe(args)
	}

	command := args[0]
	cmdArgs := args[1:]

	// Let hooks intercept first
	if hooks != nil && hooks.BeforeDispatch != nil {
		if handled, code := hooks.BeforeDispatch(command, cmdArgs); handled {
			return code
		}
	}

	switch command {
	case "serve":
		return runServe(cmdArgs)
	case "mcp":
		return runServe(append([]string{"-mcp"}, cmdArgs...))
	case "check":
		return runCheck(w, cmdArgs)
	case "graph":
		return runGraph(w, cmdArgs)
	case "help", "-h", "--help":
		printHelp(w, hooks)
		return 0
	case "version", "--version":
		printVersion(w, hooks)
		return 0
	default:
		// Check if it's a flag (starts with -)
		if len(command) > 0 && command[0] == '-' {
			return runServe(args)
		}
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printHelp(w, hooks)
		return 1
	}
}

func printHelp(w io.Writer, hooks *Hooks) {
	fmt.Fprintln(w, `hotmonkey: hot reload for Lua userscripts

Usage: hotmonkey [command] [options]

Commands:
  serve           Watch the source directory and serve the page API (default)
  mcp             Like serve, but answer MCP requests on stdio
  check URL       Show which userscripts would run on URL
  graph           Print the module dependency graph as Graphviz DOT
  help            Show this help
  version         Show the version

Options:
  --config        Configuration file (default: hotmonkey.toml)
  --host          HTTP listen address (default: 127.0.0.1)
  --port          HTTP listen port (default: 7420)
  --dir           Userscript source directory (default: src)
  --debounce      Change batching window (default: 100ms)
  --no-watch      Disable source watching
  --url           Page URL the runtime starts on (default: about:blank)
  --queue         Change queue policy: fifo, coalesce (default: fifo)
  --ignore        Ignore modules matching a pattern (repeatable, /re/ for regexp)
  --journal       Cycle journal: memory, sqlite, postgresql (default: memory)
  --journal-path  SQLite journal file
  --journal-url   PostgreSQL connection URL
  -v, -vv, -vvv   Increase log verbosity

Examples:
  hotmonkey --dir scripts --url https://mail.example.com/inbox
  hotmonkey check https://mail.example.com/settings
  hotmonkey graph --dir scripts | dot -Tsvg > modules.svg`)

	if hooks != nil && hooks.CustomHelp != nil {
		fmt.Fprintln(w, hooks.CustomHelp())
	}
}

func printVersion(w io.Writer, hooks *Hooks) {
	fmt.Fprintln(w, "hotmonkey "+Version)
	if hooks != nil && hooks.CustomVersion != nil {
		fmt.Fprintln(w, hooks.CustomVersion())
	}
}
