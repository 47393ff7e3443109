// Triagebot answers questions in a project's Discord help channels.
//
// A triage agent reads each message that mentions the bot, together with
// the replied-to message and recent channel history, and either answers
// directly or delegates to a specialized agent (issue filing, GitHub,
// sandboxed code execution, Notion) backed by MCP tool servers.
//
// Usage:
//
//	triagebot [--config PATH] [--allow-dms] [--dev]
//	triagebot version [-o json]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nugget/triagebot/internal/buildinfo"
)

// main builds the OS-level environment and hands off to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// serveOptions are the root command's flags.
type serveOptions struct {
	configPath string
	allowDMs   bool
	dev        bool
}

// run parses args and executes the selected command. Logs go to stdout
// (stderr in dev mode, where stdout is the console).
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts serveOptions

	root := &cobra.Command{
		Use:           "triagebot",
		Short:         "Discord triage bot backed by delegating LLM agents",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), stdout, stderr, opts)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.Flags().StringVar(&opts.configPath, "config", "", "path to config file (default: auto-discover)")
	root.Flags().BoolVar(&opts.allowDMs, "allow-dms", false, "answer direct messages")
	root.Flags().BoolVar(&opts.dev, "dev", false, "run against a local console instead of Discord")

	root.AddCommand(newVersionCmd(stdout))
	return root
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runVersion(stdout, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	switch outputFmt {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	case "text", "":
		fmt.Fprintln(w, buildinfo.String())
		for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
			if v, ok := info[k]; ok {
				fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}
}
