package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/italolelis/handoff/internal/storage"
	"github.com/italolelis/handoff/internal/storage/sqlite"
)

const maxURLWidth = 60

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

func newDecisionsCmd() *cobra.Command {
	var (
		dbPath string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List the most recent interception decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dbPath == "" {
				dbPath = envOr("DB_PATH", "handoff.db")
			}

			if _, err := os.Stat(dbPath); err != nil {
				return fmt.Errorf("decision log %s: %w", dbPath, err)
			}

			db, err := sqlite.InitDB(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			records, err := sqlite.NewDecisionReadRepository(db).RecentDecisions(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no decisions recorded")
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderDecisions(records))

			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "decision log path (defaults to DB_PATH)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of decisions to show")

	return cmd
}

func renderDecisions(records []storage.DecisionRecord) string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		size := "-"
		if rec.SizeBytes > 0 {
			size = humanize.Bytes(uint64(rec.SizeBytes))
		}

		rows = append(rows, []string{
			humanize.Time(rec.CreatedAt),
			rec.Decision,
			rec.Reason,
			rec.Filename,
			size,
			rec.Outcome,
			shorten(rec.URL, maxURLWidth),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("WHEN", "DECISION", "REASON", "FILENAME", "SIZE", "OUTCOME", "URL").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}

			return lipgloss.NewStyle().Padding(0, 1)
		})

	return t.String() + "\n" + strconv.Itoa(len(records)) + " decisions"
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n-3]) + "..."
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}

	return fallback
}
