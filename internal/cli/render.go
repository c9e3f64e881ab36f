package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ChuLiYu/clipflow/pkg/types"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

// renderJobs lists jobs one per row.
func renderJobs(jobs []types.Job) string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			string(j.ID),
			string(j.Mode),
			string(j.State),
			stageLabel(j),
			strconv.Itoa(j.Attempt),
			truncate(j.Source.String(), 48),
			resultLabel(j),
		})
	}
	return renderTable(
		[]string{"ID", "Mode", "State", "Stage", "Attempt", "Source", "Result"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	)
}

// renderJob shows one job with its artifacts.
func renderJob(j types.Job) string {
	rows := [][]string{
		{"ID", string(j.ID)},
		{"Mode", string(j.Mode)},
		{"Source", j.Source.String()},
		{"State", string(j.State)},
		{"Stage", stageLabel(j)},
		{"Attempt", strconv.Itoa(j.Attempt)},
		{"Created", j.CreatedAt.Local().Format(time.DateTime)},
		{"Updated", j.UpdatedAt.Local().Format(time.DateTime)},
	}
	if j.CancelRequested && !j.State.IsTerminal() {
		rows = append(rows, []string{"Cancel", "requested"})
	}
	if j.Error != nil {
		rows = append(rows, []string{"Error", fmt.Sprintf("[%s] %s", j.Error.Kind, j.Error.Error())})
	}
	for _, a := range j.Artifacts {
		rows = append(rows, []string{"Artifact " + a.Stage, truncate(firstLine(a.Value), 72)})
	}
	return renderTable([]string{"Field", "Value"}, rows, nil)
}

// renderCounts shows per-state totals.
func renderCounts(jobs []types.Job) string {
	counts := make(map[types.State]int)
	for _, j := range jobs {
		counts[j.State]++
	}
	states := []types.State{
		types.StatePending, types.StateRunning, types.StateRetrying,
		types.StateSucceeded, types.StateFailed, types.StateCancelled,
	}
	rows := make([][]string, 0, len(states)+1)
	for _, s := range states {
		rows = append(rows, []string{string(s), strconv.Itoa(counts[s])})
	}
	rows = append(rows, []string{"TOTAL", strconv.Itoa(len(jobs))})
	return renderTable([]string{"State", "Jobs"}, rows, []columnAlignment{alignLeft, alignRight})
}

// renderEvents lists journaled or streamed events.
func renderEvents(events []types.Event) string {
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []string{
			strconv.FormatUint(ev.Seq, 10),
			ev.Timestamp.Local().Format(time.DateTime),
			string(ev.JobID),
			transitionLabel(ev),
			ev.Stage,
			strconv.Itoa(ev.Attempt),
			truncate(ev.Message, 60),
		})
	}
	return renderTable(
		[]string{"Seq", "Time", "Job", "Transition", "Stage", "Attempt", "Message"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

// formatEvent renders one event as a log-style line.
func formatEvent(ev types.Event) string {
	if ev.Kind == types.EventProgress {
		return fmt.Sprintf("%s  %-8s %5.1f%%  %s", shortID(ev.JobID), ev.Stage, ev.Percent, ev.Message)
	}
	line := fmt.Sprintf("%s  %-8s %s", shortID(ev.JobID), ev.Stage, transitionLabel(ev))
	if ev.Message != "" {
		line += "  " + ev.Message
	}
	return line
}

func transitionLabel(ev types.Event) string {
	if ev.From == "" {
		return string(ev.To)
	}
	return string(ev.From) + " -> " + string(ev.To)
}

func stageLabel(j types.Job) string {
	if j.StageCount == 0 {
		return "-"
	}
	idx := j.StageIndex + 1
	if idx > j.StageCount {
		idx = j.StageCount
	}
	return fmt.Sprintf("%d/%d", idx, j.StageCount)
}

func resultLabel(j types.Job) string {
	switch j.State {
	case types.StateSucceeded:
		if n := len(j.Artifacts); n > 0 {
			return truncate(j.Artifacts[n-1].Value, 48)
		}
	case types.StateFailed:
		if j.Error != nil {
			return truncate(j.Error.Error(), 48)
		}
	}
	return ""
}

func shortID(id types.JobID) string {
	s := string(id)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
