package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vietddude/lifeline/internal/control"
	"github.com/vietddude/lifeline/internal/core/domain"
	"github.com/vietddude/lifeline/internal/sync/queue"
)

var (
	entityType string
	entityID   string
	syncAfter  bool

	reportCategory string
	reportSummary  string
	reportSteps    string
	reportConsent  bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [verb|kind] [payload_json]",
	Short: "Queue an action for later sync",
	Long: `Queue an action. A task verb (create, update, delete, complete) derives the
kind and entity from the payload; any other value is used as the action kind.`,
	Args: cobra.RangeArgs(1, 2),
	Run:  runEnqueue,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay pending actions now",
	Args:  cobra.NoArgs,
	Run:   runSync,
}

var retryCmd = &cobra.Command{
	Use:   "retry [action_id]",
	Short: "Reset failed actions to pending and sync",
	Args:  cobra.MaximumNArgs(1),
	Run:   runRetry,
}

var discardCmd = &cobra.Command{
	Use:   "discard [action_id]",
	Short: "Drop a queued action",
	Args:  cobra.ExactArgs(1),
	Run:   runDiscard,
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Submit a support report, queueing it when the backend is unreachable",
	Args:  cobra.NoArgs,
	Run:   runReport,
}

func init() {
	enqueueCmd.Flags().StringVar(&entityType, "entity-type", "", "entity type for non-task actions")
	enqueueCmd.Flags().StringVar(&entityID, "entity-id", "", "entity id for non-task actions")
	enqueueCmd.Flags().BoolVar(&syncAfter, "sync", false, "sync right after queueing")

	reportCmd.Flags().StringVar(&reportCategory, "category", "other", "bug, feature, account or other")
	reportCmd.Flags().StringVar(&reportSummary, "summary", "", "short description of the issue")
	reportCmd.Flags().StringVar(&reportSteps, "steps", "", "reproduction steps")
	reportCmd.Flags().BoolVar(&reportConsent, "consent-diagnostics", false, "attach a diagnostics snapshot")
	_ = reportCmd.MarkFlagRequired("summary")

	rootCmd.AddCommand(enqueueCmd, syncCmd, retryCmd, discardCmd, reportCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) {
	payload := map[string]any{}
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
			fmt.Printf("Invalid payload: %v\n", err)
			os.Exit(1)
		}
	}

	exit(withApp(func(ctx context.Context, app *control.App) error {
		var (
			id  string
			err error
		)
		verb := domain.TaskVerb(strings.ToLower(args[0]))
		if _, ok := verb.Kind(); ok {
			id, err = app.Machine().QueueTaskAction(ctx, verb, payload)
		} else {
			id, err = app.Machine().QueueAction(ctx, queue.QueueRequest{
				Kind:       domain.ActionKind(strings.ToUpper(args[0])),
				EntityType: entityType,
				EntityID:   entityID,
				Payload:    payload,
			})
		}
		if err != nil {
			return err
		}
		fmt.Printf("Queued %s\n", id)

		if syncAfter {
			printResult(app.Machine().RetryNow(ctx))
		}
		return nil
	}))
}

func runSync(cmd *cobra.Command, args []string) {
	exit(withApp(func(ctx context.Context, app *control.App) error {
		printResult(app.Machine().RetryNow(ctx))
		return nil
	}))
}

func runRetry(cmd *cobra.Command, args []string) {
	exit(withApp(func(ctx context.Context, app *control.App) error {
		if len(args) == 1 {
			if err := app.Machine().RetryAction(ctx, args[0]); err != nil {
				return err
			}
		} else if err := app.Machine().RetryAll(ctx); err != nil {
			return err
		}
		fmt.Printf("%d action(s) still pending\n", app.Machine().Snapshot().QueueCount)
		return nil
	}))
}

func runDiscard(cmd *cobra.Command, args []string) {
	exit(withApp(func(ctx context.Context, app *control.App) error {
		if err := app.Machine().DiscardAction(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Discarded %s\n", args[0])
		return nil
	}))
}

func runReport(cmd *cobra.Command, args []string) {
	exit(withApp(func(ctx context.Context, app *control.App) error {
		out, err := app.Machine().ReportIssue(ctx, domain.SupportReport{
			Category:           reportCategory,
			Summary:            reportSummary,
			ReproductionSteps:  reportSteps,
			ConsentDiagnostics: reportConsent,
		})
		if err != nil {
			return err
		}
		if out.Queued {
			fmt.Println("Report queued, it will be sent once the backend is reachable")
		} else {
			fmt.Println("Report submitted")
		}
		return nil
	}))
}

func printResult(r queue.SyncResult) {
	fmt.Printf("Synced %d, failed %d\n", r.Success, r.Failed)
}

func exit(err error) {
	if err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
