package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/capturelab/mocap-server/pkg/types"
)

var staleHours float64

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Apply retention to archives, download logs and trashed data",
	Long: `Deletes download logs and their archives past ARCHIVE_CLEANUP_DAYS, purges
sessions and trials trashed more than TRASHED_OBJECTS_CLEANUP_DAYS ago and
sweeps stale scratch directories. Trials stuck in processing longer than
--stale-hours are reported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := service(cmd.Context())
		if err != nil {
			return err
		}
		if err := s.Exports.Sweep(); err != nil {
			rootLogger.Warn("Scratch sweep failed", "error", err)
		}
		stats, err := s.Exports.Reap(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "download_logs=%d sessions=%d trials=%d\n",
			stats.DownloadLogs, stats.Sessions, stats.Trials)

		if staleHours <= 0 {
			return nil
		}
		stuck, err := s.Trials.Stale(cmd.Context(), types.TrialProcessing, time.Duration(staleHours*float64(time.Hour)))
		if err != nil {
			return err
		}
		for _, t := range stuck {
			fmt.Fprintf(cmd.OutOrStdout(), "stale\t%s\t%s\t%s\t%s\n", t.ID, t.Name, t.Worker, t.UpdatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	reapCmd.Flags().Float64Var(&staleHours, "stale-hours", 0, "also list trials processing for longer than this")
}
