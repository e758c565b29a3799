package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/raine/smc-predict/internal/api"
	"github.com/raine/smc-predict/internal/app"
	"github.com/raine/smc-predict/internal/llm"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	buyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	sellStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	neutralStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	headerStyle  = cellStyle.Bold(true)
)

func labelStyle(label string) lipgloss.Style {
	switch label {
	case llm.LabelBuy:
		return buyStyle
	case llm.LabelSell:
		return sellStyle
	default:
		return neutralStyle
	}
}

// formatConfidence renders a [0,1] confidence as a percentage with one decimal.
func formatConfidence(c float64) string {
	return fmt.Sprintf("%.1f%%", c*100)
}

func renderPrediction(w io.Writer, p *api.Prediction) {
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render("Prediction:"), labelStyle(p.Prediction).Render(p.Prediction))
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render("Confidence:"), formatConfidence(p.Confidence))
	if p.AnnotatedPath != "" {
		fmt.Fprintln(w, dimStyle.Render("Annotated: "+p.AnnotatedPath))
	}
}

func renderHistory(w io.Writer, uploads []api.Upload) {
	if len(uploads) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No uploads yet."))
		return
	}

	rows := make([][]string, 0, len(uploads))
	for _, u := range uploads {
		created := ""
		if u.CreatedAt != nil {
			created = u.CreatedAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{
			fmt.Sprint(u.ID),
			created,
			u.Prediction,
			formatConfidence(u.Confidence),
			u.OriginalPath,
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("ID", "CREATED", "SIGNAL", "CONFIDENCE", "FILE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 2 && row >= 0 && row < len(rows) {
				return labelStyle(rows[row][col]).Padding(0, 1)
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.String())
}

func renderState(w io.Writer, s app.State) {
	if s.Phase() == app.PhaseAuthenticated {
		fmt.Fprintln(w, noticeStyle.Render("Logged in"))
	} else {
		fmt.Fprintln(w, dimStyle.Render("Not logged in"))
	}
	if s.File != nil {
		line := fmt.Sprintf("Selected: %s (%d bytes)", s.File.Name, s.File.Size())
		if s.Preview != nil && s.Preview.Width > 0 {
			line += fmt.Sprintf(" %dx%d %s", s.Preview.Width, s.Preview.Height, s.Preview.Format)
		}
		fmt.Fprintln(w, line)
		if s.Preview != nil {
			fmt.Fprintln(w, dimStyle.Render("Preview: "+s.Preview.URL()))
		}
	}
	if s.Busy {
		fmt.Fprintln(w, dimStyle.Render("Predicting..."))
	}
	if s.Result != nil {
		renderPrediction(w, s.Result)
	}
	renderMessages(w, s)
}

func renderMessages(w io.Writer, s app.State) {
	if s.Err != "" {
		fmt.Fprintln(w, errorStyle.Render(strings.TrimSpace(s.Err)))
	}
	if s.Notice != "" {
		fmt.Fprintln(w, noticeStyle.Render(s.Notice))
	}
}
