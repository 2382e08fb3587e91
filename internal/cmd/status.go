package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/detector"
	"github.com/dispatchd/dispatchd/internal/mongo"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: GroupDiag,
	Short:   "Show the fleet's aggregate status",
	RunE:    runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

var (
	statusHeaderStyle = lipgloss.NewStyle().Bold(true)
	statusGoodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	statusWarnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	statusBadStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

func styleFor(st detector.Status) lipgloss.Style {
	switch st {
	case detector.Running, detector.Idle:
		return statusGoodStyle
	case detector.Arming, detector.Armed:
		return statusWarnStyle
	}
	return statusBadStyle
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := mongo.Connect(ctx, cfg.Mongo, log.New(os.Stderr, "", 0))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(ctx) }()

	snapshot, err := store.LatestAggregates(ctx)
	if err != nil {
		return err
	}

	fmt.Println(statusHeaderStyle.Render(fmt.Sprintf("%-14s %-9s %10s %10s %-12s %6s  %s",
		"DETECTOR", "STATUS", "RATE", "BUFFER", "MODE", "RUN", "AS OF")))
	for _, det := range detector.All() {
		agg, ok := snapshot[det]
		if !ok {
			fmt.Printf("%-14s %s\n", det, statusBadStyle.Render("no status"))
			continue
		}
		run := "-"
		if agg.Number >= 0 {
			run = fmt.Sprintf("%d", agg.Number)
		}
		// Pad before styling so the ANSI codes don't skew the columns.
		fmt.Printf("%-14s %s %10.1f %10.1f %-12s %6s  %s\n",
			det,
			styleFor(agg.Status).Render(fmt.Sprintf("%-9s", agg.Status)),
			agg.Rate, agg.Buffer, agg.Mode, run,
			agg.Time.Local().Format(time.TimeOnly))
	}
	return nil
}
