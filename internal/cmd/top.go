package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/mongo"
	"github.com/dispatchd/dispatchd/internal/tui"
)

var topCmd = &cobra.Command{
	Use:     "top",
	GroupID: GroupDiag,
	Short:   "Live fleet monitor",
	RunE:    runTop,
}

func init() {
	rootCmd.AddCommand(topCmd)
}

func runTop(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("top needs a terminal; use 'dispatchd status' instead")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, err := mongo.Connect(connectCtx, cfg.Mongo, log.New(os.Stderr, "", 0))
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()

	return tui.Run(store)
}
