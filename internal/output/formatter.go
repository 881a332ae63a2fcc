// Package output renders flock summaries, one-shot results and event
// statistics for the console.
package output

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/wesleyorama2/mobu/internal/config"
	"github.com/wesleyorama2/mobu/internal/flock"
	"github.com/wesleyorama2/mobu/internal/metrics"
)

// Formatter renders results in one output format.
type Formatter struct {
	Format  OutputFormat
	NoColor bool
	colors  *ColorScheme
}

// NewFormatter creates a formatter. Colors only apply to the text format.
func NewFormatter(format OutputFormat, noColor bool) *Formatter {
	if format == "" {
		format = FormatText
	}
	colors := DefaultColorScheme()
	if noColor {
		colors = NoColorScheme()
	}
	return &Formatter{Format: format, NoColor: noColor, colors: colors}
}

// FormatSummaries renders the summaries of running flocks.
func (f *Formatter) FormatSummaries(summaries []flock.Summary) (string, error) {
	if f.Format != FormatText {
		if summaries == nil {
			summaries = []flock.Summary{}
		}
		return marshal(f.Format, summaries)
	}

	var sb strings.Builder
	if len(summaries) == 0 {
		sb.WriteString(fmt.Sprintf("%s No flocks running\n", InfoIcon(f.NoColor)))
		return sb.String(), nil
	}

	headers := []string{"FLOCK", "BUSINESS", "MONKEYS", "SUCCESSES", "FAILURES", "STARTED"}
	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		started := "-"
		if s.StartTime != nil {
			started = s.StartTime.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{
			s.Name,
			s.Business,
			fmt.Sprint(s.MonkeyCount),
			fmt.Sprint(s.SuccessCount),
			fmt.Sprint(s.FailureCount),
			started,
		})
	}
	f.writeTable(&sb, headers, rows, func(row, col int) func(a ...any) string {
		if col == 4 && summaries[row].FailureCount > 0 {
			return f.colors.Error.Sprint
		}
		return nil
	})
	return sb.String(), nil
}

// FormatSolitary renders the outcome of a one-shot run.
func (f *Formatter) FormatSolitary(result *flock.SolitaryResult) (string, error) {
	if f.Format != FormatText {
		return marshal(f.Format, result)
	}

	var sb strings.Builder
	if result.Success {
		sb.WriteString(fmt.Sprintf("%s %s\n", SuccessIcon(f.NoColor), f.colors.Success.Sprint("Solitary run succeeded")))
	} else {
		sb.WriteString(fmt.Sprintf("%s %s\n", ErrorIcon(f.NoColor), f.colors.Error.Sprint("Solitary run failed")))
		sb.WriteString(fmt.Sprintf("%s %s\n", f.colors.Label.Sprint("Error:"), result.Error))
	}
	if result.Log != "" {
		sb.WriteString("\n")
		sb.WriteString(f.colors.Heading.Sprint("Log"))
		sb.WriteString("\n")
		sb.WriteString(result.Log)
		if !strings.HasSuffix(result.Log, "\n") {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

// EventStats is the rendered form of one event's latency statistics.
type EventStats struct {
	Event    string `json:"event" yaml:"event"`
	Count    int64  `json:"count" yaml:"count"`
	Failures int64  `json:"failures" yaml:"failures"`
	Mean     string `json:"mean" yaml:"mean"`
	P50      string `json:"p50" yaml:"p50"`
	P95      string `json:"p95" yaml:"p95"`
	P99      string `json:"p99" yaml:"p99"`
	Max      string `json:"max" yaml:"max"`
}

// EventReport is the rendered form of a metrics snapshot.
type EventReport struct {
	Flock        string       `json:"flock" yaml:"flock"`
	TotalEvents  int64        `json:"total_events" yaml:"total_events"`
	FailedEvents int64        `json:"failed_events" yaml:"failed_events"`
	Elapsed      string       `json:"elapsed" yaml:"elapsed"`
	Events       []EventStats `json:"events" yaml:"events"`
}

// NewEventReport flattens a snapshot into rows sorted by event name.
func NewEventReport(flockName string, snap *metrics.Snapshot) EventReport {
	report := EventReport{Flock: flockName, Events: []EventStats{}}
	if snap == nil {
		return report
	}
	report.TotalEvents = snap.TotalEvents
	report.FailedEvents = snap.FailedEvents
	report.Elapsed = formatDuration(snap.Elapsed)

	names := make([]string, 0, len(snap.Events))
	for name := range snap.Events {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := snap.Events[name]
		report.Events = append(report.Events, EventStats{
			Event:    name,
			Count:    st.Count,
			Failures: st.Failures,
			Mean:     formatDuration(st.Mean),
			P50:      formatDuration(st.P50),
			P95:      formatDuration(st.P95),
			P99:      formatDuration(st.P99),
			Max:      formatDuration(st.Max),
		})
	}
	return report
}

// FormatEventStats renders per-event latency statistics for a flock.
func (f *Formatter) FormatEventStats(flockName string, snap *metrics.Snapshot) (string, error) {
	return f.FormatEventReport(NewEventReport(flockName, snap))
}

// FormatEventReport renders an already flattened event report, such as one
// fetched from the management API.
func (f *Formatter) FormatEventReport(report EventReport) (string, error) {
	if f.Format != FormatText {
		if report.Events == nil {
			report.Events = []EventStats{}
		}
		return marshal(f.Format, report)
	}

	var sb strings.Builder
	sb.WriteString(f.colors.Heading.Sprintf("Events for flock %s", report.Flock))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%s %d events, %d failed, over %s\n\n",
		f.colors.Label.Sprint("Total:"), report.TotalEvents, report.FailedEvents, report.Elapsed))
	if len(report.Events) == 0 {
		sb.WriteString(fmt.Sprintf("%s No events recorded\n", InfoIcon(f.NoColor)))
		return sb.String(), nil
	}

	headers := []string{"EVENT", "COUNT", "FAILED", "MEAN", "P50", "P95", "P99", "MAX"}
	rows := make([][]string, 0, len(report.Events))
	for _, e := range report.Events {
		rows = append(rows, []string{
			e.Event, fmt.Sprint(e.Count), fmt.Sprint(e.Failures),
			e.Mean, e.P50, e.P95, e.P99, e.Max,
		})
	}
	f.writeTable(&sb, headers, rows, func(row, col int) func(a ...any) string {
		if col == 2 && report.Events[row].Failures > 0 {
			return f.colors.Error.Sprint
		}
		return nil
	})
	return sb.String(), nil
}

// FormatValidation renders the result of validating a flock document.
func (f *Formatter) FormatValidation(path string, err error) string {
	if err == nil {
		return fmt.Sprintf("%s %s is valid\n", SuccessIcon(f.NoColor), f.colors.Highlight.Sprint(path))
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s %s is invalid\n", ErrorIcon(f.NoColor), f.colors.Highlight.Sprint(path)))
	var verrs *config.ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs.Errors {
			if e.Field != "" {
				sb.WriteString(fmt.Sprintf("  %s %s\n", f.colors.Label.Sprintf("%s:", e.Field), e.Message))
			} else {
				sb.WriteString(fmt.Sprintf("  %s\n", e.Message))
			}
		}
		return sb.String()
	}
	sb.WriteString(fmt.Sprintf("  %s\n", f.colors.Error.Sprint(err.Error())))
	return sb.String()
}

// writeTable pads cells on their plain text so that color codes do not
// break the alignment. paint may return a color for a cell or nil.
func (f *Formatter) writeTable(sb *strings.Builder, headers []string, rows [][]string, paint func(row, col int) func(a ...any) string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], utf8.RuneCountInString(cell))
		}
	}

	for i, h := range headers {
		if i > 0 {
			sb.WriteString("  ")
		}
		sb.WriteString(f.colors.Heading.Sprint(pad(h, widths[i], i == len(headers)-1)))
	}
	sb.WriteString("\n")
	for r, row := range rows {
		for i, cell := range row {
			if i > 0 {
				sb.WriteString("  ")
			}
			text := pad(cell, widths[i], i == len(row)-1)
			if fn := paint(r, i); fn != nil {
				text = fn(text)
			}
			sb.WriteString(text)
		}
		sb.WriteString("\n")
	}
}

func pad(s string, width int, last bool) string {
	if last {
		return s
	}
	return s + strings.Repeat(" ", width-utf8.RuneCountInString(s))
}

func formatDuration(d time.Duration) string {
	switch {
	case d == 0:
		return "0s"
	case d < time.Millisecond:
		return d.Round(time.Microsecond).String()
	case d < time.Second:
		return d.Round(100 * time.Microsecond).String()
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}
