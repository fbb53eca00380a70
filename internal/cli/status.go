package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/lifeline/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queued actions and their sync status",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	err := withApp(func(ctx context.Context, app *control.App) error {
		snap := app.Machine().Snapshot()

		fmt.Printf("user: %s  pending: %d  sync: %s\n", app.Session().UserID(), snap.QueueCount, snap.SyncStatus)
		if snap.LastSyncError != "" {
			fmt.Printf("last error: %s\n", snap.LastSyncError)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
		_, _ = fmt.Fprintln(w, "ID\tKIND\tENTITY\tSTATUS\tRETRIES\tCREATED\tERROR")
		for _, r := range snap.Receipts {
			entity := r.EntityType
			if r.EntityID != "" {
				entity += "/" + r.EntityID
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				r.ID, r.Kind, entity, r.Status, r.RetryCount,
				r.CreatedAt.Local().Format(time.DateTime), r.LastError)
		}
		return w.Flush()
	})
	if err != nil {
		slog.Error("Failed to read queue", "error", err)
		os.Exit(1)
	}
}
