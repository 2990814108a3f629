// Package report exports processed job graphs as spreadsheets for office staff.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"heatspec/internal/engine"
)

// Sheet names in the exported workbook.
const (
	SheetSummary    = "Summary"
	SheetMilestones = "Milestones"
	SheetConflicts  = "Conflicts"
	SheetDecisions  = "Decisions"
)

var (
	milestoneHeaders = []string{"Key", "Label", "Criticality", "Status", "Confidence", "Blockers", "Completed At"}
	conflictHeaders  = []string{"ID", "Type", "Severity", "Description", "Resolution", "Resolved At"}
	decisionHeaders  = []string{"ID", "Type", "Decision", "Reasoning", "Confidence", "Created By", "Evidence"}
)

// WriteWorkbook writes the outcome of a pass to an .xlsx file at path.
func WriteWorkbook(path string, out engine.Outcome) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return err
	}
	if err := writeSummary(f, out); err != nil {
		return err
	}

	var rows [][]any
	for _, m := range out.State.Milestones {
		rows = append(rows, []any{m.Key, m.Label, string(m.Metadata.Criticality), string(m.Status), m.Confidence,
			strings.Join(m.Blockers, "; "), formatTime(m.CompletedAt)})
	}
	if err := writeTable(f, SheetMilestones, milestoneHeaders, rows); err != nil {
		return err
	}

	rows = nil
	for _, c := range out.State.Conflicts {
		rows = append(rows, []any{c.ID, string(c.ConflictType), string(c.Severity), c.Description, c.Resolution, formatTime(c.ResolvedAt)})
	}
	if err := writeTable(f, SheetConflicts, conflictHeaders, rows); err != nil {
		return err
	}

	rows = nil
	for _, d := range out.State.Decisions {
		rows = append(rows, []any{d.ID, string(d.DecisionType), d.Decision, d.Reasoning, d.Confidence, string(d.CreatedBy),
			strings.Join(d.EvidenceFactIDs, ", ")})
	}
	if err := writeTable(f, SheetDecisions, decisionHeaders, rows); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

func writeSummary(f *excelize.File, out engine.Outcome) error {
	g := out.State.Graph
	c := out.Completeness
	rows := [][]any{
		{"Job graph", g.ID},
		{"Visit", g.VisitID},
		{"Property", g.PropertyID},
		{"Status", string(g.Status)},
		{"Overall confidence", g.OverallConfidence},
		{"Completion %", c.OverallPercentage},
		{"Milestones complete", fmt.Sprintf("%d/%d", out.Summary.CompletedMilestones, out.Summary.TotalMilestones)},
		{"Critical conflicts", out.Summary.CriticalConflicts},
		{"Warning conflicts", out.Summary.WarningConflicts},
		{"Ready for quote", c.ReadyForQuote},
		{"Ready for PDF", c.ReadyForPDF},
		{"Ready for portal", c.ReadyForPortal},
		{"Missing critical facts", strings.Join(c.MissingCriticalFacts, ", ")},
	}
	for i, row := range rows {
		for j, v := range row {
			cell, _ := excelize.CoordinatesToCellName(j+1, i+1)
			if err := f.SetCellValue(SheetSummary, cell, v); err != nil {
				return err
			}
		}
	}
	return f.SetColWidth(SheetSummary, "A", "A", 24)
}

func writeTable(f *excelize.File, sheet string, headers []string, rows [][]any) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(headers), 1)
	if err := f.SetCellStyle(sheet, "A1", last, style); err != nil {
		return err
	}
	for r, row := range rows {
		for c, v := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
