package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/zot/hotmonkey/internal/bundler"
	"github.com/zot/hotmonkey/internal/config"
	"github.com/zot/hotmonkey/internal/loader"
)

// runCheck reports which configured userscripts would run on a URL. It
// exits 0 when at least one would.
func runCheck(w io.Writer, args []string) int {
	cfg, rest, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: hotmonkey check [options] URL")
		return 1
	}
	url := rest[0]

	matched := false
	for _, script := range cfg.Scripts {
		ok, err := loader.Rules(script).Matches(url)
		switch {
		case err != nil:
			fmt.Fprintf(w, "%s: error: %v\n", script.Name, err)
		case ok:
			matched = true
			fmt.Fprintf(w, "%s: runs (%s)\n", script.Name, script.Entry)
		default:
			fmt.Fprintf(w, "%s: skipped\n", script.Name)
		}
	}
	if !matched {
		return 1
	}
	return 0
}

// runGraph prints the dependency graph of the source directory.
func runGraph(w io.Writer, args []string) int {
	cfg, _, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	g, err := bundler.NewDirSource(cfg.Watch.Dir).Graph()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to scan %s: %v\n", cfg.Watch.Dir, err)
		return 1
	}
	fmt.Fprint(w, g.DOT())
	return 0
}
