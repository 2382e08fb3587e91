package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/daemon"
)

var runForeground bool

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: GroupServices,
	Short:   "Start the dispatcher daemon",
	Long: `Start the dispatcher control loop.

By default the daemon detaches and runs in the background until stopped
with 'dispatchd stop'. Use --foreground to keep it attached to the
terminal.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runForeground, "foreground", false, "run attached to the terminal")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if !runForeground {
		return detach(cfg)
	}

	d, err := daemon.New(cfg, Version)
	if err != nil {
		return err
	}
	return d.Run(context.Background())
}

// detach re-executes the binary in its own session so the daemon survives
// the terminal.
func detach(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}

	child := exec.Command(exe, "run", "--foreground", "--config", configPath)
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	// Give the child a moment to grab the lock so an already-running
	// daemon is reported here, not just in the log file.
	time.Sleep(500 * time.Millisecond)
	stateDir, err := cfg.Daemon.ExpandStateDir()
	if err == nil {
		if pid, pidErr := daemon.ReadPid(stateDir); pidErr == nil {
			if pid != child.Process.Pid {
				return fmt.Errorf("dispatcher already running (PID %d)", pid)
			}
			fmt.Printf("Dispatcher started (PID %d)\n", pid)
			return nil
		}
	}
	fmt.Printf("Dispatcher starting (PID %d)\n", child.Process.Pid)
	return nil
}
