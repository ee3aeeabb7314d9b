package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"drydock/pkg/config"
	"drydock/pkg/container"
	"drydock/pkg/image"
	"drydock/pkg/mount"
	"drydock/pkg/network"
	"drydock/pkg/sandbox"
	"drydock/pkg/state"
	"drydock/pkg/system"
	"drydock/pkg/volume"
)

var (
	debugFlag bool
	rootFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "drydock",
	Short: "A Docker-compatible container runtime for hosts without kernel container primitives",
	Long: `Drydock runs OCI container images without kernel namespaces or a union
filesystem: rootfs trees are materialized per container from a shared
content-addressed layer store, and processes are confined by the strongest
boundary the host offers (chroot, pseudo-chroot or seatbelt).`,
	Version:       system.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		configureLogging()
	},
}

func configureLogging() {
	logrus.SetOutput(os.Stderr)
	level := logrus.WarnLevel
	if os.Getenv("DRYDOCK_LOG") != "" {
		level = config.LogLevel()
	}
	if debugFlag {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
}

// newManager builds the lifecycle manager over the configured storage root.
func newManager() (*config.Config, *container.Manager, error) {
	cfg := config.NewConfig()
	if rootFlag != "" {
		cfg = config.NewConfigWithRoot(rootFlag)
	}
	mgr, err := container.NewManager(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize runtime: %w", err)
	}
	return cfg, mgr, nil
}

// exitStatus carries a container process exit code to main without being a
// printable error.
type exitStatus struct {
	code int
}

func (e exitStatus) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// usageError marks bad invocations so they exit 1 instead of 125.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{fmt.Errorf("%q %w", cmd.CommandPath(), err)}
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MinimumNArgs(n)(cmd, args); err != nil {
			return usageError{fmt.Errorf("%q %w", cmd.CommandPath(), err)}
		}
		return nil
	}
}

// exitCode maps an error to the process exit code: 1 for input errors, 126
// when the isolation boundary cannot be set up, 127 when the entrypoint does
// not exist, 125 for internal failures. A bare exitStatus propagates the
// container's own code.
func exitCode(err error) int {
	var status exitStatus
	if errors.As(err, &status) {
		return status.code
	}
	switch {
	case errors.Is(err, sandbox.ErrProgramNotFound):
		return 127
	case errors.Is(err, sandbox.ErrSetupFailed):
		return 126
	case isInputError(err):
		return 1
	}
	return 125
}

func isInputError(err error) bool {
	var usage usageError
	if errors.As(err, &usage) {
		return true
	}
	for _, sentinel := range []error{
		state.ErrNotFound,
		container.ErrRunning,
		container.ErrNotRunning,
		image.ErrNotFound,
		image.ErrInUse,
		volume.ErrNotFound,
		volume.ErrExists,
		volume.ErrInUse,
		network.ErrNotFound,
		mount.ErrInvalidSpec,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&rootFlag, "root", "", "Storage root (default ~/.drydock)")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var status exitStatus
		if errors.As(err, &status) {
			os.Exit(status.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
