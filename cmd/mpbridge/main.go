// Command mpbridge exposes an interactive REPL running inside a
// locally-spawned child process as a pair of remote serial-port-compatible
// TCP endpoints (RFC 2217 and a raw byte-stream socket).
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mpbridge/mpbridge/internal/bridgeserver"
	"github.com/mpbridge/mpbridge/internal/logging"
)

var version = "0.1.0"

var (
	flagCwd         string
	flagBind        string
	flagRfc2217Port int
	flagRawPort     int
	flagVerbose     int
	flagOptimize    int
	flagChildOpts   []string
	flagChildArgs   string
)

var rootCmd = &cobra.Command{
	Use:     "mpbridge [flags] EXECUTABLE",
	Short:   "Expose a local REPL process over RFC 2217 and raw TCP",
	Version: version,
	Long: `mpbridge runs EXECUTABLE attached to a pseudo-terminal and exposes it
as two TCP endpoints: an RFC 2217 (telnet serial emulation) port and a raw
byte-stream port. Only one client may be connected at a time, across both
ports.

Example:
  mpbridge ./micropython
  mpbridge -p 2217 -s 2218 -v ./micropython

Then connect with:
  mpremote connect socket://localhost:2218
  mpremote connect rfc2217://localhost:2217`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBridge,
}

func init() {
	rootCmd.Flags().StringVarP(&flagCwd, "cwd", "c", "", "working directory for the child process")
	rootCmd.Flags().StringVar(&flagBind, "bind", "", "bind address (default: all interfaces)")
	rootCmd.Flags().IntVarP(&flagRfc2217Port, "rfc2217-port", "p", 2217, "RFC 2217 listener port (0 disables it)")
	rootCmd.Flags().IntVarP(&flagRawPort, "raw-port", "s", 2218, "raw socket listener port (0 disables it)")
	rootCmd.Flags().CountVarP(&flagVerbose, "verbose", "v", "increase log verbosity (repeatable)")
	rootCmd.Flags().CountVarP(&flagOptimize, "optimize", "O", "forwarded to the child as repeated -O flags")
	rootCmd.Flags().StringArrayVarP(&flagChildOpts, "execopt", "X", nil, "forwarded to the child as -X key=value (repeatable)")
	rootCmd.Flags().StringVar(&flagChildArgs, "args", "", "free-form argument string appended to the child's argv")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runBridge(cmd *cobra.Command, args []string) error {
	logging.SetLevel(logging.LevelFromVerbosity(flagVerbose))

	executable := args[0]
	if info, err := os.Stat(executable); err != nil {
		return fmt.Errorf("executable %q: %w", executable, err)
	} else if info.IsDir() {
		return fmt.Errorf("executable %q is a directory", executable)
	}

	if flagCwd != "" {
		if info, err := os.Stat(flagCwd); err != nil || !info.IsDir() {
			return fmt.Errorf("working directory %q is not accessible", flagCwd)
		}
	}

	if flagRfc2217Port == 0 && flagRawPort == 0 {
		return fmt.Errorf("both rfc2217-port and raw-port are 0, nothing to serve")
	}

	argv := buildArgv(executable, args[1:])

	srv, err := bridgeserver.New(bridgeserver.Options{
		Argv:        argv,
		Cwd:         flagCwd,
		Bind:        flagBind,
		Rfc2217Port: flagRfc2217Port,
		RawPort:     flagRawPort,
	})
	if err != nil {
		return err
	}

	logging.Info("mpbridge listening", logging.F(
		"rfc2217_port", fmt.Sprint(flagRfc2217Port),
		"raw_port", fmt.Sprint(flagRawPort),
	))

	return srv.Run()
}

// buildArgv assembles the child's argv: the executable, any trailing
// positional arguments from the command line, repeated -O flags, repeated
// -X key=value pairs, and the free-form --args string split on
// whitespace.
func buildArgv(executable string, trailing []string) []string {
	argv := []string{executable}
	argv = append(argv, trailing...)

	for i := 0; i < flagOptimize; i++ {
		argv = append(argv, "-O")
	}
	for _, kv := range flagChildOpts {
		argv = append(argv, "-X", kv)
	}
	if flagChildArgs != "" {
		argv = append(argv, strings.Fields(flagChildArgs)...)
	}
	return argv
}
