package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"adx-trader/internal/config"
	"adx-trader/internal/events"
	"adx-trader/internal/store"
)

// eventLogPath returns the JSONL event log for one trading day. The run
// command appends to it; the events commands read it back.
func eventLogPath(cfg *config.Config, day time.Time) string {
	return filepath.Join(cfg.Data.Dir, "events", "events_"+day.Format("20060102")+".jsonl")
}

// addEventCommands adds the event log inspection and archive commands.
func addEventCommands(rootCmd *cobra.Command, app *App) {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and archive the durable event log",
		Long: `Every state change in a session (signals, orders, fills, exits, halts)
is appended to a per-day JSONL log before it is acted on. These commands
read that log back for debugging and move finished days into the SQLite
journal for long-term queries.`,
	}

	eventsCmd.AddCommand(newEventsListCmd(app))
	eventsCmd.AddCommand(newEventsArchiveCmd(app))
	rootCmd.AddCommand(eventsCmd)
}

func newEventsListCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events from a day's log",
		Example: `  adxtrader events list
  adxtrader events list --date 2025-09-23 --kind ORDER_FILLED
  adxtrader events list --limit 200 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			dateStr, _ := cmd.Flags().GetString("date")
			kindFilter, _ := cmd.Flags().GetString("kind")
			limit, _ := cmd.Flags().GetInt("limit")

			day, err := eventsDay(dateStr)
			if err != nil {
				output.Error("Invalid date %q, want YYYY-MM-DD", dateStr)
				return err
			}

			logPath := eventLogPath(app.Config, day)
			if _, err := os.Stat(logPath); os.IsNotExist(err) {
				if output.IsJSON() {
					return output.JSON(map[string]interface{}{"date": day.Format("2006-01-02"), "events": 0})
				}
				output.Info("No event log for %s", day.Format("2006-01-02"))
				return nil
			}

			all, err := replayDay(app, logPath)
			if err != nil {
				output.Error("Event log read failed: %v", err)
				return err
			}

			filtered := all
			if kindFilter != "" {
				filtered = filtered[:0:0]
				for _, e := range all {
					if string(e.Kind) == kindFilter {
						filtered = append(filtered, e)
					}
				}
			}

			total := len(filtered)
			if limit > 0 && total > limit {
				// Tail: the most recent events are the interesting ones.
				filtered = filtered[total-limit:]
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"date":   day.Format("2006-01-02"),
					"total":  total,
					"events": filtered,
				})
			}

			if total == 0 {
				output.Info("No matching events for %s", day.Format("2006-01-02"))
				return nil
			}

			output.Bold("Events - %s", day.Format("2006-01-02"))
			output.Println()

			table := NewTable(output, "Time", "Kind", "Key", "Payload")
			for _, e := range filtered {
				table.AddRow(
					e.Timestamp.In(day.Location()).Format("15:04:05"),
					string(e.Kind),
					TruncateString(e.IdempotencyKey, 24),
					TruncateString(compactPayload(e.Payload), 48),
				)
			}
			table.Render()

			if len(filtered) < total {
				output.Println()
				output.Dim("Showing last %d of %d events", len(filtered), total)
			}

			return nil
		},
	}

	cmd.Flags().String("date", "", "Trading date YYYY-MM-DD (default: today)")
	cmd.Flags().String("kind", "", "Filter by event kind (e.g. ORDER_FILLED)")
	cmd.Flags().Int("limit", 50, "Maximum events to show (0 = all)")

	return cmd
}

func newEventsArchiveCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Copy a day's event log into the SQLite journal",
		Long: `Archive a finished day's JSONL event log into the journal's events_archive
table. The insert is keyed on the idempotency key, so re-running the
command for the same day is harmless.`,
		Example: `  adxtrader events archive
  adxtrader events archive --date 2025-09-23`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			dateStr, _ := cmd.Flags().GetString("date")

			day, err := eventsDay(dateStr)
			if err != nil {
				output.Error("Invalid date %q, want YYYY-MM-DD", dateStr)
				return err
			}

			logPath := eventLogPath(app.Config, day)
			if _, err := os.Stat(logPath); os.IsNotExist(err) {
				output.Info("No event log for %s", day.Format("2006-01-02"))
				return nil
			}

			all, err := replayDay(app, logPath)
			if err != nil {
				output.Error("Event log read failed: %v", err)
				return err
			}
			if len(all) == 0 {
				output.Info("Event log for %s is empty", day.Format("2006-01-02"))
				return nil
			}

			journal, err := store.NewJournal(filepath.Join(app.Config.Data.Dir, "journal.db"))
			if err != nil {
				output.Error("Journal unavailable: %v", err)
				return err
			}
			defer journal.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			const batchSize = 500
			for i := 0; i < len(all); i += batchSize {
				end := i + batchSize
				if end > len(all) {
					end = len(all)
				}
				if err := journal.ArchiveEvents(ctx, all[i:end]); err != nil {
					output.Error("Archive failed at event %d: %v", i, err)
					return err
				}
			}

			kinds := make(map[string]int)
			for _, e := range all {
				kinds[string(e.Kind)]++
			}
			names := make([]string, 0, len(kinds))
			for k := range kinds {
				names = append(names, k)
			}
			sort.Strings(names)

			archived, err := journal.ArchivedEventCount(ctx, "")
			if err != nil {
				output.Error("Archive count failed: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"date":           day.Format("2006-01-02"),
					"read":           len(all),
					"by_kind":        kinds,
					"archived_total": archived,
				})
			}

			output.Success("Archived %d events from %s", len(all), day.Format("2006-01-02"))
			for _, k := range names {
				output.Printf("  %-24s %d\n", k, kinds[k])
			}
			output.Println()
			output.Dim("events_archive now holds %d events", archived)

			return nil
		},
	}

	cmd.Flags().String("date", "", "Trading date YYYY-MM-DD (default: today)")

	return cmd
}

// eventsDay resolves the --date flag to an IST day, defaulting to today.
func eventsDay(dateStr string) (time.Time, error) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.Time{}, err
	}
	if dateStr == "" {
		return time.Now().In(ist), nil
	}
	return time.ParseInLocation("2006-01-02", dateStr, ist)
}

// replayDay reads one day's log without leaving a consumer running. The
// bus is never started, so Close only flushes and releases the file.
func replayDay(app *App, logPath string) ([]events.Event, error) {
	bus, err := events.NewBus(events.DefaultBusConfig(logPath), app.Logger)
	if err != nil {
		return nil, err
	}
	defer bus.Close()
	return bus.Replay(time.Time{})
}

func compactPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return "-"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(data)
}
