package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wangshunnn/mind-flayer/internal/bridge"
	"github.com/wangshunnn/mind-flayer/internal/config"
	"github.com/wangshunnn/mind-flayer/internal/credential"
	"github.com/wangshunnn/mind-flayer/internal/log"
	"github.com/wangshunnn/mind-flayer/internal/sidecar"
	"github.com/wangshunnn/mind-flayer/internal/ui"
)

var runNoWatch bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the sidecar and supervise it until interrupted",
	Long: `Start the sidecar service, push the stored provider credentials to it,
and keep it running until SIGINT or SIGTERM.

With the file credential backend, changes made by other processes (for
example "mind-flayer providers set") are pushed to the running sidecar.

Examples:
  mind-flayer run                # Start on the preferred port (3737)
  MIND_FLAYER_SIDECAR_PORT=4000 mind-flayer run
  mind-flayer run --json         # Print the port as JSON`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runNoWatch, "no-watch", false, "do not push credential file changes to the sidecar")
	rootCmd.AddCommand(runCmd)
}

type runStatus struct {
	Port int    `json:"port"`
	PID  int    `json:"pid"`
	URL  string `json:"url"`
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadGlobal()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := credential.NewStore(cfg.Credentials)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}

	opts, err := sidecar.OptionsFromConfig(cfg.Sidecar)
	if err != nil {
		return err
	}
	sup := sidecar.New(opts)
	svc := bridge.NewService(sup, store)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	port, err := svc.Start(ctx)
	if err != nil {
		_ = svc.Stop(context.Background())
		return err
	}

	status := runStatus{Port: port, PID: sup.PID(), URL: fmt.Sprintf("http://127.0.0.1:%d", port)}
	if jsonOut {
		if err := json.NewEncoder(os.Stdout).Encode(status); err != nil {
			return err
		}
	} else {
		fmt.Printf("%s Sidecar ready at %s %s\n", ui.OKTag(), ui.Bold(status.URL), ui.Dim(fmt.Sprintf("(pid %d)", status.PID)))
	}

	if fs, ok := store.(*credential.FileStore); ok && !runNoWatch {
		w := bridge.NewWatcher(fs.Path(), svc.Bridge(), bridge.DefaultDebounce)
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Warn("credential watcher stopped", "error", err)
				ui.Warnf("credential changes will not reach the sidecar until restart: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down sidecar")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return svc.Stop(shutdownCtx)
}
