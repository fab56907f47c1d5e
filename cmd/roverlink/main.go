// Roverlink CLI entry point.
//
// This tool runs self-healing point-to-point message links between a rover
// and its base station, over UDP or TCP. Each link is described by a small
// configuration file (or a URL serving one).
//
// It can be launched interactively (no arguments) or through subcommands
// (run, relay, send, version).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/roverlink/internal/app"
	"github.com/1ureka/roverlink/internal/util"
)

var version = "dev"

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	debug       bool
	logFile     string
	monitorAddr string
	stats       time.Duration
}

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:])
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// execute runs the CLI with args. Errors are logged before the log file is
// closed, so a failing command still leaves its cause in the file.
func execute(ctx context.Context, args []string) error {
	var flags globalFlags
	var logCloser io.Closer

	rootCmd := &cobra.Command{
		Use:   "roverlink",
		Short: "Self-healing message links for rover subsystems",
		Long: `Roverlink keeps a point-to-point message link alive between two hosts.

Each link has a server end bound to a fixed port and a client end that
reconnects on its own. Links are checked by name during the handshake,
drop stale packets, and report round-trip time.

Run without arguments for interactive mode.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.debug {
				util.EnableDebug()
			}
			if flags.logFile != "" {
				logCloser = util.SetLogFile(flags.logFile, 10, 3)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			pterm.Info.Println(fmt.Sprintf("Roverlink — v%s", version))
			pterm.Println()
			return runInteractive(cmd.Context(), flags.options())
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	pf.StringVar(&flags.logFile, "log-file", "", "Also write JSON logs to this file (rotated at 10 MB)")
	pf.StringVar(&flags.monitorAddr, "monitor", "", "Serve /metrics, /links and /ws on this address (e.g. :9090)")
	pf.DurationVar(&flags.stats, "stats", 10*time.Second, "Traffic report interval, 0 to disable")

	rootCmd.AddCommand(
		runCmd(&flags),
		relayCmd(&flags),
		sendCmd(&flags),
		versionCmd(),
	)
	rootCmd.SetArgs(args)

	// cobra skips PersistentPostRun when RunE fails, so the file is closed here.
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		util.LogError("%v", err)
	}
	if logCloser != nil {
		logCloser.Close()
	}
	return err
}

func (f *globalFlags) options() app.Options {
	return app.Options{
		MonitorAddr:   f.monitorAddr,
		StatsInterval: f.stats,
	}
}
