package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/example/finance-pipeline/internal/models"
)

var historyFlags struct {
	limit  int
	asJSON bool
}

var historyCmd = &cobra.Command{
	Use:   "history [query-id]",
	Short: "List recorded queries, or show one in full",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	f := historyCmd.Flags()
	f.IntVarP(&historyFlags.limit, "limit", "n", 20, "number of queries to list")
	f.BoolVar(&historyFlags.asJSON, "json", false, "print records as JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()
	if a.history == nil {
		return errors.New("query history is disabled (storage.history_path is empty)")
	}

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		rec, err := a.history.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(out, rec)
	}

	recs, err := a.history.List(cmd.Context(), historyFlags.limit)
	if err != nil {
		return err
	}
	if historyFlags.asJSON {
		return printJSON(out, recs)
	}
	printHistory(out, recs)
	return nil
}

func printHistory(out io.Writer, recs []models.QueryRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Query ID", "Finished", "Phase", "Topic", "Query", "ms"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, WidthMax: 48},
		{Number: 6, Align: text.AlignRight},
	})
	for _, r := range recs {
		phase := string(r.Phase)
		if r.Phase == models.PhaseFailed {
			phase = text.FgRed.Sprintf("%s (%s)", r.Phase, r.FailedStage)
		}
		t.AppendRow(table.Row{
			r.QueryID,
			r.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			phase,
			r.Topic,
			strings.ReplaceAll(r.Query, "\n", " "),
			r.Duration().Milliseconds(),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", fmt.Sprintf("%d queries", len(recs)), ""})
	t.Render()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
