package archive

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
)

const maxSummaryFailures = 50

// RenderSummary formats a run report as Markdown for operators.
func RenderSummary(report RunReport) ([]byte, error) {
	var buf bytes.Buffer
	md := markdown.NewMarkdown(&buf)

	md.H1("Archive run " + report.RunID)
	md.PlainText("")
	status := "complete"
	if report.Canceled {
		status = "canceled (partial)"
	}
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Seeds", joinCode(report.Seeds)},
			{"Started", report.StartedAt.UTC().Format(time.RFC3339)},
			{"Finished", report.FinishedAt.UTC().Format(time.RFC3339)},
			{"Duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Second).String()},
			{"Status", status},
		},
	})
	md.PlainText("")

	s := report.Summary
	md.H2("Pages")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Outcome", "Count"},
		Rows: [][]string{
			{"Succeeded", strconv.Itoa(s.PagesSucceeded)},
			{"Failed", strconv.Itoa(s.PagesFailed)},
			{"Skipped (archived)", strconv.Itoa(s.PagesSkipped)},
			{"Dropped: scope", strconv.Itoa(s.DroppedScope)},
			{"Dropped: depth", strconv.Itoa(s.DroppedDepth)},
			{"Dropped: budget", strconv.Itoa(s.DroppedBudget)},
			{"Dropped: robots", strconv.Itoa(s.DroppedRobots)},
			{"Duplicates", strconv.Itoa(s.Duplicates)},
		},
	})
	md.PlainText("")

	md.H2("Data and media")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Outcome", "Count"},
		Rows: [][]string{
			{"Datasets extracted", strconv.Itoa(s.DatasetsExtracted)},
			{"Parse errors", strconv.Itoa(s.ParseErrors)},
			{"Media stored", strconv.Itoa(s.MediaStored)},
			{"Media deduplicated", strconv.Itoa(s.MediaDeduplicated)},
			{"Media failed", strconv.Itoa(s.MediaFailed)},
			{"Media skipped", strconv.Itoa(s.MediaSkipped)},
			{"Storage errors", strconv.Itoa(s.StorageErrors)},
		},
	})
	md.PlainText("")

	md.H2("Failures")
	md.PlainText("")
	if len(report.Failures) == 0 {
		md.PlainText("No failures recorded.")
		md.PlainText("")
		return finish(md, &buf)
	}
	if s.StorageErrors > 0 {
		md.Warningf("%d storage error(s) occurred; the archive may be incomplete.", s.StorageErrors)
		md.PlainText("")
	}
	rows := make([][]string, 0, min(len(report.Failures), maxSummaryFailures))
	for _, f := range report.Failures[:min(len(report.Failures), maxSummaryFailures)] {
		rows = append(rows, []string{f.Stage, f.Kind, "`" + f.URL + "`", f.Reason})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Stage", "Kind", "URL", "Reason"},
		Rows:   rows,
	})
	md.PlainText("")
	if extra := len(report.Failures) - maxSummaryFailures; extra > 0 {
		md.PlainTextf("%d more failure(s) are listed in %s.json.", extra, report.RunID)
		md.PlainText("")
	}
	return finish(md, &buf)
}

func finish(md *markdown.Markdown, buf *bytes.Buffer) ([]byte, error) {
	if err := md.Build(); err != nil {
		return nil, fmt.Errorf("render summary: %w", err)
	}
	return buf.Bytes(), nil
}

func joinCode(values []string) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ", "
		}
		out += "`" + v + "`"
	}
	return out
}
