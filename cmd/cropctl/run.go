package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/capture-worker/internal/storage"
)

// newRunCmd creates the run subcommand.
func newRunCmd() *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:   "run <run-id>",
		Short: "Show a recorded capture run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if databaseURL == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}
			manager, err := storage.NewManager(databaseURL, "", "", 0)
			if err != nil {
				return err
			}
			defer manager.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			rec, err := manager.GetRun(ctx, args[0])
			if err != nil {
				return err
			}

			if outputJSON {
				return printJSON(cmd.OutOrStdout(), rec)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Run:      %s\n", rec.ID)
			if rec.JobID != "" {
				fmt.Fprintf(w, "Job:      %s\n", rec.JobID)
			}
			fmt.Fprintf(w, "Status:   %s (%dms)\n", rec.Status, rec.ProcessingTimeMs)
			fmt.Fprintf(w, "Created:  %s\n", rec.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(w, "Crop:     %s\n", rec.Rect)
			if rec.ArtifactRef != "" {
				fmt.Fprintf(w, "Artifact: %s\n", rec.ArtifactRef)
			}
			if rec.RecognizedText != "" {
				fmt.Fprintf(w, "Text:     %q\n", rec.RecognizedText)
			}
			if rec.ErrorCode != "" {
				fmt.Fprintf(w, "Error:    %s: %s\n", rec.ErrorCode, rec.ErrorMessage)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&databaseURL, "database-url", envOr("DATABASE_URL", ""), "run store URL (PostgreSQL or sqlite://<path>)")

	return cmd
}
