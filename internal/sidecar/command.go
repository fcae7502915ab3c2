package sidecar

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wangshunnn/mind-flayer/internal/config"
)

// SubcommandName is the hidden subcommand that runs the bundled child service.
const SubcommandName = "_sidecar"

// ResolveCommand returns the executable and arguments used to launch the
// sidecar. An explicit sidecar.command wins; otherwise this binary is
// re-executed with the hidden _sidecar subcommand. MIND_FLAYER_EXECUTABLE
// overrides the path of this binary.
func ResolveCommand(cfg config.SidecarConfig) (string, []string, error) {
	if cfg.Command != "" {
		return cfg.Command, cfg.Args, nil
	}

	exe, err := selfExecutable()
	if err != nil {
		return "", nil, err
	}
	args := append([]string{SubcommandName}, cfg.Args...)
	return exe, args, nil
}

func selfExecutable() (string, error) {
	if exe := os.Getenv("MIND_FLAYER_EXECUTABLE"); exe != "" {
		return exe, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("finding executable: %w", err)
	}

	// Test binaries have no _sidecar command and would exit immediately.
	if strings.HasSuffix(filepath.Base(exe), ".test") {
		return "", fmt.Errorf(
			"sidecar cannot be started from test binary %q; set sidecar.command or MIND_FLAYER_EXECUTABLE", exe)
	}
	return exe, nil
}
