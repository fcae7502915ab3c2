package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wangshunnn/mind-flayer/internal/childsvc"
	"github.com/wangshunnn/mind-flayer/internal/log"
	"github.com/wangshunnn/mind-flayer/internal/sidecar"
)

var sidecarCmd = &cobra.Command{
	Use:    sidecar.SubcommandName,
	Hidden: true,
	Short:  "Run the bundled sidecar service (internal use)",
	Args:   cobra.NoArgs,
	RunE:   runSidecar,
}

func init() {
	rootCmd.AddCommand(sidecarCmd)
}

func runSidecar(cmd *cobra.Command, _ []string) error {
	opts, err := childsvc.OptionsFromEnv()
	if err != nil {
		return err
	}
	opts.Version = version

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("sidecar starting", "pid", os.Getpid(), "port", opts.Port)
	return childsvc.New(opts).Run(ctx)
}
