package report

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/openfluke/onset/harness"
	"github.com/openfluke/onset/switches"
)

var (
	resultHeaders = []string{"Model", "Accuracy", "F1", "Precision", "Recall", "AUROC", "AUPRC"}
	switchHeaders = []string{"PatientID", "TrueSwitchIndex", "PredSwitchIndex", "SwitchDifference"}
	headerStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle     = lipgloss.NewStyle().Padding(0, 1)
)

func newTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}

// ResultsTable renders one row per model with the six test metrics
func ResultsTable(results []harness.ModelResult) string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{
			r.Model,
			formatMetric(r.Accuracy),
			formatMetric(r.F1),
			formatMetric(r.Precision),
			formatMetric(r.Recall),
			formatMetric(r.AUROC),
			formatMetric(r.AUPRC),
		})
	}
	return newTable(resultHeaders, rows)
}

// SwitchTable renders the first limit analyses; limit <= 0 renders all of them
func SwitchTable(analyses []switches.PatientSwitchAnalysis, limit int) string {
	if limit > 0 && len(analyses) > limit {
		analyses = analyses[:limit]
	}
	rows := make([][]string, 0, len(analyses))
	for _, a := range analyses {
		rows = append(rows, []string{
			a.PatientID,
			formatIndex(a.TrueSwitchIndex),
			formatIndex(a.PredSwitchIndex),
			formatIndex(a.SwitchDifference),
		})
	}
	return newTable(switchHeaders, rows)
}
