package cmd

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/daemon"
)

var stopCmd = &cobra.Command{
	Use:     "stop",
	GroupID: GroupServices,
	Short:   "Stop the dispatcher daemon",
	RunE:    runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	stateDir, err := cfg.Daemon.ExpandStateDir()
	if err != nil {
		return err
	}

	pid, err := daemon.ReadPid(stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("Dispatcher is not running")
			return nil
		}
		return err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signaling process %d: %w", pid, err)
	}
	fmt.Printf("Stopped dispatcher (PID %d)\n", pid)
	return nil
}
