package main

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/capturelab/mocap-server/pkg/export"
	"github.com/capturelab/mocap-server/pkg/types"
)

var enqueueOnly bool

var exportCmd = &cobra.Command{
	Use:   "export (session|subject) <id>",
	Short: "Build, zip and upload the archive of a session or subject",
	Long: `Runs an export in this process and records it on a download log, exactly
as the export worker would. With --enqueue the job is published to the export
topic instead and its task id printed.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := parseTarget(args[0], args[1])
		if err != nil {
			return err
		}
		s, err := service(cmd.Context())
		if err != nil {
			return err
		}

		if enqueueOnly {
			l, err := s.Exports.Enqueue(cmd.Context(), t, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), l.TaskID)
			return nil
		}

		l, err := s.Exports.Run(cmd.Context(), types.ExportRequest{
			TaskID:     uuid.NewString(),
			TargetType: t.Type,
			TargetID:   t.ID,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", l.TaskID, l.State, l.Media)
		return nil
	},
}

func parseTarget(kind, id string) (export.Target, error) {
	var t export.Target
	switch types.TargetType(kind) {
	case types.TargetSession:
		sid, err := uuid.Parse(id)
		if err != nil {
			return t, fmt.Errorf("invalid session id %q: %w", id, err)
		}
		t = export.SessionTarget(sid)
	case types.TargetSubject:
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return t, fmt.Errorf("invalid subject id %q: %w", id, err)
		}
		t = export.SubjectTarget(uint(n))
	default:
		return t, fmt.Errorf("unknown export target %q (use session or subject)", kind)
	}
	return t, nil
}

func init() {
	exportCmd.Flags().BoolVar(&enqueueOnly, "enqueue", false, "publish the job instead of running it here")
}
