package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/ledger"
	"github.com/nicktill/ridewatch/pkg/rollup"
	"github.com/nicktill/ridewatch/pkg/server/monitor"
	"github.com/nicktill/ridewatch/pkg/storage"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).TabWidth(lipgloss.NoTabConversion)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

const timeLayout = "2006-01-02 15:04Z"

type reportRow struct {
	ran, failed, refused, partial int
	duration                      time.Duration
}

func fromReport(r rollup.Report) reportRow {
	return reportRow{ran: r.Ran, failed: r.Failed, refused: r.Refused, partial: r.Partial, duration: r.Duration}
}

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

// printReports writes one line per granularity, in chain order
func printReports(out io.Writer, reports map[bucket.Granularity]reportRow) {
	tw := newTable(out)
	fmt.Fprintln(tw, headerStyle.Render("GRANULARITY\tRAN\tPARTIAL\tREFUSED\tFAILED\tDURATION"))
	for _, g := range bucket.Chain {
		r, ok := reports[g]
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n",
			g, r.ran, r.partial, r.refused, r.failed, r.duration.Round(time.Millisecond))
	}
	tw.Flush()
}

func printResult(out io.Writer, job string, res *rollup.Result) {
	fmt.Fprintf(out, "%s %s: rows=%d processed=%d skipped=%d partial=%t\n",
		job, res.Window, res.Rows, res.Processed, len(res.Skipped), res.Partial)
	for _, w := range res.Warnings {
		fmt.Fprintln(out, warnStyle.Render("  warning: "+w))
	}
}

func printLedger(out io.Writer, entries []ledger.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "no ledger entries")
		return
	}
	tw := newTable(out)
	fmt.Fprintln(tw, headerStyle.Render("FINISHED\tJOB\tBUCKET\tATTEMPTS\tPROCESSED\tSKIPPED\tDURATION\tSTATUS"))
	for _, e := range entries {
		status := okStyle.Render(e.Status)
		switch {
		case e.Status == storage.StatusFailure:
			status = badStyle.Render(e.Status + ": " + truncate(e.Error, 60))
		case e.Partial:
			status = warnStyle.Render(e.Status + " (partial)")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			e.FinishedAt.Format(timeLayout), e.JobType, e.Bucket.Start.Format(timeLayout),
			e.Attempts, e.EntitiesProcessed, e.EntitiesSkipped, e.Duration.Round(time.Millisecond), status)
	}
	tw.Flush()
}

func printStatus(out io.Writer, jobs []monitor.JobStatus, pending map[string]int) {
	tw := newTable(out)
	fmt.Fprintln(tw, headerStyle.Render("JOB\tLAST SUCCESS\tFAILURES\tPENDING\tHEALTH"))
	for _, j := range jobs {
		last := "never"
		if j.LastSuccess != nil {
			last = j.LastSuccess.Format(timeLayout)
		}
		p := "-"
		if n, ok := pending[j.Job]; ok {
			p = fmt.Sprint(n)
		}
		health := okStyle.Render("ok")
		switch {
		case j.Stale:
			health = badStyle.Render("stale")
		case !j.Healthy:
			health = badStyle.Render("failing: " + truncate(j.LastError, 60))
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", j.Job, last, j.ConsecutiveFailures, p, health)
	}
	tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
