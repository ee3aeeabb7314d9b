package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"drydock/pkg/container"
	"drydock/pkg/supervisor"
)

var runOpts struct {
	name       string
	volumes    []string
	env        []string
	workdir    string
	user       string
	entrypoint string
	detach     bool
	autoRemove bool
	stdin      bool
	tty        bool
	privileged bool
	isolation  string
}

var runCmd = &cobra.Command{
	Use:   "run [flags] IMAGE [COMMAND] [ARG...]",
	Short: "Create a container from an image and start it",
	Args:  minArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}

		createOpts := container.CreateOptions{
			Image:      args[0],
			Name:       runOpts.name,
			Command:    args[1:],
			Env:        runOpts.env,
			WorkingDir: runOpts.workdir,
			User:       runOpts.user,
			Mounts:     runOpts.volumes,
			AutoRemove: runOpts.autoRemove,
			Privileged: runOpts.privileged,
			Isolation:  runOpts.isolation,
		}
		if cmd.Flags().Changed("entrypoint") && runOpts.entrypoint != "" {
			createOpts.Entrypoint = []string{runOpts.entrypoint}
		}

		startOpts := container.StartOptions{
			Attach:      !runOpts.detach,
			Interactive: runOpts.tty,
			Stdout:      os.Stdout,
			Stderr:      os.Stderr,
		}
		if runOpts.stdin || runOpts.tty {
			startOpts.Stdin = os.Stdin
		}

		id, code, err := mgr.Run(cmd.Context(), createOpts, startOpts)
		if err != nil {
			return err
		}
		if runOpts.detach {
			fmt.Println(id)
			return nil
		}
		if code != 0 {
			return exitStatus{code}
		}
		return nil
	},
}

var execOpts struct {
	env     []string
	workdir string
	user    string
	stdin   bool
	tty     bool
}

var execCmd = &cobra.Command{
	Use:   "exec [flags] CONTAINER COMMAND [ARG...]",
	Short: "Run a command inside a running container",
	Args:  minArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}

		opts := container.ExecOptions{
			Command:     args[1:],
			Env:         execOpts.env,
			WorkingDir:  execOpts.workdir,
			User:        execOpts.user,
			Interactive: execOpts.tty,
			Stdout:      os.Stdout,
			Stderr:      os.Stderr,
		}
		if execOpts.stdin || execOpts.tty {
			opts.Stdin = os.Stdin
		}

		code, err := mgr.Exec(cmd.Context(), args[0], opts)
		if err != nil {
			return err
		}
		if code != 0 {
			return exitStatus{code}
		}
		return nil
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach CONTAINER",
	Short: "Stream the output of a running container",
	Long: `Attach follows the container log from now on and returns when the
container exits. Only output is attached; the process keeps its own stdin.`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}

		record, err := mgr.Resolve(args[0])
		if err != nil {
			return err
		}
		if !mgr.Supervisor().Alive(record.ID) {
			return fmt.Errorf("container %s: %w", record.Name, container.ErrNotRunning)
		}
		return mgr.Logs(cmd.Context(), record.ID, os.Stdout, supervisor.LogOptions{
			Follow: true,
			Tail:   -1,
		})
	},
}

var (
	stopTimeout    int
	restartTimeout int
	killSignal     string
)

var startCmd = &cobra.Command{
	Use:   "start [flags] CONTAINER [CONTAINER...]",
	Short: "Start one or more stopped containers",
	Args:  minArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}
		for _, ref := range args {
			if _, err := mgr.Start(cmd.Context(), ref, container.StartOptions{}); err != nil {
				return err
			}
			fmt.Println(ref)
		}
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [flags] CONTAINER [CONTAINER...]",
	Short: "Stop running containers with SIGTERM, then SIGKILL after a grace period",
	Args:  minArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}
		for _, ref := range args {
			if err := mgr.Stop(cmd.Context(), ref, time.Duration(stopTimeout)*time.Second); err != nil {
				return err
			}
			fmt.Println(ref)
		}
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart [flags] CONTAINER [CONTAINER...]",
	Short: "Restart containers",
	Args:  minArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}
		for _, ref := range args {
			if err := mgr.Restart(cmd.Context(), ref, time.Duration(restartTimeout)*time.Second); err != nil {
				return err
			}
			fmt.Println(ref)
		}
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill [flags] CONTAINER [CONTAINER...]",
	Short: "Send a signal to running containers",
	Args:  minArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, err := newManager()
		if err != nil {
			return err
		}
		for _, ref := range args {
			if err := mgr.Kill(cmd.Context(), ref, killSignal); err != nil {
				return err
			}
			fmt.Println(ref)
		}
		return nil
	},
}

func init() {
	// Everything after the image belongs to the container command.
	runCmd.Flags().SetInterspersed(false)
	execCmd.Flags().SetInterspersed(false)

	runCmd.Flags().StringVar(&runOpts.name, "name", "", "Container name (generated when empty)")
	runCmd.Flags().StringArrayVarP(&runOpts.volumes, "volume", "v", nil, "Mount spec SOURCE:DEST[:ro]")
	runCmd.Flags().StringArrayVarP(&runOpts.env, "env", "e", nil, "Environment variable KEY=VALUE")
	runCmd.Flags().StringVarP(&runOpts.workdir, "workdir", "w", "", "Working directory inside the container")
	runCmd.Flags().StringVarP(&runOpts.user, "user", "u", "", "User (name, uid or uid:gid)")
	runCmd.Flags().StringVar(&runOpts.entrypoint, "entrypoint", "", "Override the image entrypoint")
	runCmd.Flags().BoolVarP(&runOpts.detach, "detach", "d", false, "Run in the background and print the container id")
	runCmd.Flags().BoolVar(&runOpts.autoRemove, "rm", false, "Remove the container when it exits")
	runCmd.Flags().BoolVarP(&runOpts.stdin, "interactive", "i", false, "Keep stdin attached")
	runCmd.Flags().BoolVarP(&runOpts.tty, "tty", "t", false, "Allocate a pseudo-terminal")
	runCmd.Flags().BoolVar(&runOpts.privileged, "privileged", false, "Do not drop privileges inside the boundary")
	runCmd.Flags().StringVar(&runOpts.isolation, "isolation", "", "Isolation mode: auto, chroot, pseudo or strict")

	execCmd.Flags().StringArrayVarP(&execOpts.env, "env", "e", nil, "Environment variable KEY=VALUE")
	execCmd.Flags().StringVarP(&execOpts.workdir, "workdir", "w", "", "Working directory inside the container")
	execCmd.Flags().StringVarP(&execOpts.user, "user", "u", "", "User (name, uid or uid:gid)")
	execCmd.Flags().BoolVarP(&execOpts.stdin, "interactive", "i", false, "Keep stdin attached")
	execCmd.Flags().BoolVarP(&execOpts.tty, "tty", "t", false, "Allocate a pseudo-terminal")

	stopCmd.Flags().IntVarP(&stopTimeout, "time", "t", 10, "Seconds to wait before killing the container")
	restartCmd.Flags().IntVarP(&restartTimeout, "time", "t", 10, "Seconds to wait before killing the container")
	killCmd.Flags().StringVarP(&killSignal, "signal", "s", "KILL", "Signal to send")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(killCmd)
}
