package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/soheilrt/play-scraper/internal/domain"
)

var outputFormat string

// useTable reports whether w should get a human table rather than JSON.
func useTable(w io.Writer) bool {
	switch outputFormat {
	case "table":
		return true
	case "json":
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderTable draws rows under headers; columns listed in right are right-aligned.
func renderTable(w io.Writer, headers []string, rows [][]string, right ...int) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)
	for _, row := range rows {
		r := make(table.Row, len(headers))
		for i := range headers {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, len(right))
	for _, col := range right {
		configs = append(configs, table.ColumnConfig{Number: col + 1, Align: text.AlignRight, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	tw.Render()
}

func printTasks(w io.Writer, tasks []*domain.Task) error {
	if !useTable(w) {
		if tasks == nil {
			tasks = []*domain.Task{}
		}
		return writeJSON(w, tasks)
	}
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			t.ID,
			string(t.Status),
			strconv.Itoa(t.Attempts),
			strconv.Itoa(t.Reclaims),
			formatTime(t.UpdatedAt),
			truncate(t.LastError, 60),
		})
	}
	renderTable(w, []string{"ID", "STATUS", "ATTEMPTS", "RECLAIMS", "UPDATED", "LAST ERROR"}, rows, 2, 3)
	fmt.Fprintf(w, "%d task(s)\n", len(tasks))
	return nil
}

// printFields renders a two-column key/value table, or v as JSON.
func printFields(w io.Writer, v any, fields [][2]string) error {
	if !useTable(w) {
		return writeJSON(w, v)
	}
	rows := make([][]string, 0, len(fields))
	for _, f := range fields {
		rows = append(rows, []string{f[0], f[1]})
	}
	renderTable(w, []string{"FIELD", "VALUE"}, rows)
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
