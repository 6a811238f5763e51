package reports

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/qualys/dbcompliance/internal/models"
)

const pageWidth = 180.0 // A4 width minus margins

type PDFReport struct {
	pdf   *gofpdf.Fpdf
	title string
	tr    func(string) string
}

// Pair is one labelled value of a summary table or chart, kept in order.
type Pair struct {
	Label string
	Value int
}

func NewPDFReport(title string, generatedAt time.Time) *PDFReport {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.SetTitle(title, true)

	r := &PDFReport{
		pdf:   pdf,
		title: title,
		// Core fonts are cp1252; project and user names may not be.
		tr: pdf.UnicodeTranslatorFromDescriptor(""),
	}

	r.addFooter()
	r.addHeader(generatedAt)
	return r
}

func (r *PDFReport) addHeader(generatedAt time.Time) {
	r.pdf.AddPage()

	r.pdf.SetFont("Arial", "B", 20)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.CellFormat(0, 15, r.tr(r.title), "", 1, "C", false, 0, "")

	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(108, 117, 125)
	r.pdf.CellFormat(0, 8, fmt.Sprintf("Generated: %s", generatedAt.Format("January 2, 2006 3:04 PM MST")), "", 1, "C", false, 0, "")

	r.pdf.Ln(10)
}

func (r *PDFReport) AddSection(title string) {
	r.pdf.SetFont("Arial", "B", 14)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.SetFillColor(240, 240, 240)
	r.pdf.CellFormat(0, 10, r.tr(title), "", 1, "L", true, 0, "")
	r.pdf.Ln(5)
}

func (r *PDFReport) AddParagraph(text string) {
	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.MultiCell(0, 6, r.tr(text), "", "L", false)
	r.pdf.Ln(5)
}

// AddTable draws a striped table. widths are fractions of the page width;
// nil splits the width evenly.
func (r *PDFReport) AddTable(headers []string, widths []float64, rows [][]string) {
	cols := make([]float64, len(headers))
	for i := range headers {
		if len(widths) == len(headers) {
			cols[i] = widths[i] * pageWidth
		} else {
			cols[i] = pageWidth / float64(len(headers))
		}
	}

	r.pdf.SetFont("Arial", "B", 9)
	r.pdf.SetFillColor(52, 58, 64)
	r.pdf.SetTextColor(255, 255, 255)
	for i, h := range headers {
		r.pdf.CellFormat(cols[i], 8, r.tr(h), "1", 0, "C", true, 0, "")
	}
	r.pdf.Ln(-1)

	r.pdf.SetFont("Arial", "", 8)
	r.pdf.SetTextColor(33, 37, 41)
	fill := false
	for _, row := range rows {
		if fill {
			r.pdf.SetFillColor(248, 249, 250)
		} else {
			r.pdf.SetFillColor(255, 255, 255)
		}
		for i, cell := range row {
			// Roughly 2mm per character at this font size.
			cell = truncate(cell, int(cols[i]/1.9))
			r.pdf.CellFormat(cols[i], 7, r.tr(cell), "1", 0, "L", true, 0, "")
		}
		r.pdf.Ln(-1)
		fill = !fill
	}

	r.pdf.Ln(5)
}

func (r *PDFReport) AddSummaryTable(data []Pair) {
	r.pdf.SetFont("Arial", "", 10)

	for _, p := range data {
		r.pdf.SetTextColor(108, 117, 125)
		r.pdf.CellFormat(60, 7, r.tr(p.Label)+":", "", 0, "L", false, 0, "")

		r.pdf.SetFont("Arial", "B", 10)
		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(0, 7, fmt.Sprintf("%d", p.Value), "", 1, "L", false, 0, "")
		r.pdf.SetFont("Arial", "", 10)
	}

	r.pdf.Ln(5)
}

// AddPercentBar draws one labelled compliance bar coloured by status.
func (r *PDFReport) AddPercentBar(label string, pct int, status models.CheckStatus) {
	r.pdf.SetFont("Arial", "B", 11)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.CellFormat(40, 8, r.tr(label), "", 0, "L", false, 0, "")

	red, green, blue := statusColor(status)
	r.pdf.SetFillColor(red, green, blue)
	if width := float64(pct) * 0.8; width > 0 {
		r.pdf.CellFormat(width, 8, "", "", 0, "L", true, 0, "")
	}
	r.pdf.CellFormat(0, 8, fmt.Sprintf(" %d%%  %s", pct, status), "", 1, "L", false, 0, "")
}

func (r *PDFReport) AddStatusBadge(status models.CheckStatus, score int) {
	red, green, blue := statusColor(status)
	r.pdf.SetFillColor(red, green, blue)
	r.pdf.SetFont("Arial", "B", 16)
	r.pdf.SetTextColor(255, 255, 255)
	r.pdf.CellFormat(0, 14, fmt.Sprintf("Overall: %s   Score: %d%%", status, score), "", 1, "C", true, 0, "")
	r.pdf.Ln(6)
}

func statusColor(status models.CheckStatus) (int, int, int) {
	switch status {
	case models.CheckStatusPassed:
		return 40, 167, 69
	case models.CheckStatusFailed:
		return 220, 53, 69
	case models.CheckStatusError:
		return 253, 126, 20
	default:
		return 108, 117, 125
	}
}

func (r *PDFReport) AddPageBreak() {
	r.pdf.AddPage()
}

func (r *PDFReport) addFooter() {
	r.pdf.SetFooterFunc(func() {
		r.pdf.SetY(-15)
		r.pdf.SetFont("Arial", "I", 8)
		r.pdf.SetTextColor(128, 128, 128)
		r.pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", r.pdf.PageNo()), "", 0, "C", false, 0, "")
	})
}

func (r *PDFReport) Output() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}

	return buf.Bytes(), nil
}

func truncate(s string, length int) string {
	if length < 4 {
		length = 4
	}
	runes := []rune(s)
	if len(runes) <= length {
		return s
	}
	return string(runes[:length-3]) + "..."
}
