package main

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/1ureka/roverlink/internal/app"
	"github.com/1ureka/roverlink/internal/util"
)

func runCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run <config>...",
		Short: "Run one or more links until interrupted",
		Long: `Run opens every link named on the command line and keeps it alive.
A config is a path to a YAML, JSON or TOML file, or an http(s) URL serving one.`,
		Example: `  roverlink run drive.yaml telemetry.yaml
  roverlink run --monitor :9090 https://base.local/links/arm.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.RunLinks(cmd.Context(), args, flags.options()); err != nil {
				return err
			}
			util.LogInfo("all links closed")
			return nil
		},
	}
}

func relayCmd(flags *globalFlags) *cobra.Command {
	var bidirectional bool

	cmd := &cobra.Command{
		Use:   "relay <from> <to>",
		Short: "Forward every message received on one link to another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunRelay(cmd.Context(), args[0], args[1], bidirectional, flags.options())
		},
	}

	cmd.Flags().BoolVarP(&bidirectional, "bidirectional", "b", false, "Also forward from <to> back to <from>")

	return cmd
}

func sendCmd(flags *globalFlags) *cobra.Command {
	var (
		count    int
		interval time.Duration
		linger   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <config> <message>...",
		Short: "Connect a link, send test messages and print replies",
		Example: `  roverlink send drive-client.yaml "forward 0.5" "stop"
  roverlink send -n 100 -i 50ms telemetry-client.yaml ping`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payloads := make([][]byte, 0, len(args)-1)
			for _, a := range args[1:] {
				payloads = append(payloads, []byte(a))
			}
			return app.RunSender(cmd.Context(), args[0], app.SendOptions{
				Payloads: payloads,
				Count:    count,
				Interval: interval,
				Linger:   linger,
			}, flags.options())
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of rounds to send")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "Delay between rounds")
	cmd.Flags().DurationVar(&linger, "linger", 2*time.Second, "How long to wait for replies after sending")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("roverlink %s (%s, %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
