// Package cli implements the mind-flayer command-line interface using Cobra.
// It runs the supervised sidecar and manages provider credentials.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/wangshunnn/mind-flayer/internal/config"
	"github.com/wangshunnn/mind-flayer/internal/log"
)

var (
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "mind-flayer",
	Short: "Mind Flayer - desktop chat host for a local LLM sidecar",
	Long: `Mind Flayer runs a local sidecar service that serves chat requests and
keeps it supplied with the provider credentials stored on this machine.

The sidecar is started on a preferred port, health-checked with a per-launch
startup token, restarted on an ephemeral port when the preferred one is
taken, and receives every credential change over its stdin.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		globalCfg, _ := config.LoadGlobal()

		stream := log.DefaultStream
		if cmd == sidecarCmd {
			stream = "sidecar"
		}

		if err := log.Init(log.Options{
			Verbose:       verbose,
			JSONFormat:    jsonOut,
			DebugDir:      config.DebugDir(),
			Stream:        stream,
			RetentionDays: globalCfg.Debug.RetentionDays,
		}); err != nil {
			// Non-fatal: the default logger stays in place.
			cmd.PrintErrf("Warning: failed to initialize debug logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Close()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
}
