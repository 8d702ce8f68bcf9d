package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/example/finance-pipeline/internal/models"
	"github.com/example/finance-pipeline/internal/orchestrator"
)

var askFlags struct {
	asJSON bool
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Run one question through the pipeline and print the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askFlags.asJSON, "json", false, "print the response as JSON")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	resp, err := a.coordinator.ProcessQuery(ctx, models.NewQuery(strings.Join(args, " "), nil))
	if err != nil {
		var ie *orchestrator.InternalError
		if errors.As(err, &ie) {
			a.log.Sugar().Errorw("internal error", "error", err)
			return errors.New(ie.UserMessage())
		}
		return err
	}

	out := cmd.OutOrStdout()
	if askFlags.asJSON {
		return printJSON(out, resp)
	}
	printResponse(out, resp)
	return nil
}

func printResponse(out io.Writer, resp *models.Response) {
	fmt.Fprintln(out, resp.Text)
	fmt.Fprintln(out)

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, WidthMax: 80}})
	t.AppendRow(table.Row{"query_id", resp.QueryID})
	t.AppendRow(table.Row{"visualization_url", orNone(resp.VisualizationURL())})
	t.AppendRow(table.Row{"image_url", orNone(resp.ImageURL())})
	for _, w := range resp.Warnings {
		t.AppendRow(table.Row{text.FgYellow.Sprint("warning"), w})
	}
	t.Render()
}

func orNone(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
