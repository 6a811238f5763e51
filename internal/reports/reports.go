// Package reports renders the evidence log and the compliance view as
// downloadable PDF or JSON documents.
package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/dbcompliance/internal/aggregation"
	"github.com/qualys/dbcompliance/internal/models"
)

type ReportType string

const (
	ReportTypeEvidence   ReportType = "evidence"
	ReportTypeCompliance ReportType = "compliance"
)

type ReportFormat string

const (
	FormatPDF  ReportFormat = "pdf"
	FormatJSON ReportFormat = "json"
)

func ParseFormat(s string) (ReportFormat, error) {
	switch ReportFormat(s) {
	case FormatPDF, FormatJSON:
		return ReportFormat(s), nil
	case "":
		return FormatPDF, nil
	}
	return "", fmt.Errorf("unsupported report format: %s", s)
}

type ReportRequest struct {
	Type      ReportType
	Format    ReportFormat
	Title     string
	ProjectID string
	DateFrom  *time.Time
	DateTo    *time.Time
	Statuses  []models.EvidenceStatus
}

type Report struct {
	ID          string       `json:"id"`
	Type        ReportType   `json:"type"`
	Format      ReportFormat `json:"format"`
	Title       string       `json:"title"`
	GeneratedAt time.Time    `json:"generated_at"`
	Data        []byte       `json:"-"`
	Filename    string       `json:"filename"`
	MimeType    string       `json:"mime_type"`
}

// ProjectRow is one project with its latest results.
type ProjectRow struct {
	Project models.Project          `json:"project"`
	Status  models.ComplianceStatus `json:"status"`
	Overall models.CheckStatus      `json:"overall"`
}

type ComplianceData struct {
	Scope    string                  `json:"scope"`
	Overall  models.CheckStatus      `json:"overall"`
	Score    int                     `json:"score"`
	Status   models.ComplianceStatus `json:"status"`
	Projects []ProjectRow            `json:"projects"`
	LastRun  *time.Time              `json:"last_run,omitempty"`
}

type DataProvider interface {
	Evidence(ctx context.Context) ([]models.EvidenceEntry, error)
	Compliance(ctx context.Context) (*ComplianceData, error)
}

type Generator struct {
	provider DataProvider
	now      func() time.Time
}

func NewGenerator(provider DataProvider) *Generator {
	return &Generator{provider: provider, now: time.Now}
}

func (g *Generator) Generate(ctx context.Context, req *ReportRequest) (*Report, error) {
	if req.Format == "" {
		req.Format = FormatPDF
	}

	switch req.Type {
	case ReportTypeEvidence:
		return g.generateEvidenceReport(ctx, req)
	case ReportTypeCompliance:
		return g.generateComplianceReport(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported report type: %s", req.Type)
	}
}

func (g *Generator) newReport(req *ReportRequest, defaultTitle string) *Report {
	title := req.Title
	if title == "" {
		title = defaultTitle
	}
	now := g.now().UTC()
	r := &Report{
		ID:          uuid.New().String(),
		Type:        req.Type,
		Format:      req.Format,
		Title:       title,
		GeneratedAt: now,
	}
	r.Filename = fmt.Sprintf("%s_report_%s.%s", req.Type, now.Format("20060102_150405"), req.Format)
	if req.Format == FormatPDF {
		r.MimeType = "application/pdf"
	} else {
		r.MimeType = "application/json"
	}
	return r
}

func (g *Generator) generateEvidenceReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	entries, err := g.provider.Evidence(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading evidence: %w", err)
	}
	entries = FilterEvidence(entries, req)

	report := g.newReport(req, "Compliance Evidence Log")

	switch req.Format {
	case FormatJSON:
		report.Data, err = json.MarshalIndent(map[string]interface{}{
			"title":        report.Title,
			"generated_at": report.GeneratedAt,
			"count":        len(entries),
			"entries":      entries,
		}, "", "  ")
	case FormatPDF:
		report.Data, err = evidenceToPDF(entries, report.Title, report.GeneratedAt)
	default:
		return nil, fmt.Errorf("unsupported report format: %s", req.Format)
	}
	if err != nil {
		return nil, err
	}

	return report, nil
}

// FilterEvidence keeps the entries matching the request's project, date
// range and statuses. Order is preserved.
func FilterEvidence(entries []models.EvidenceEntry, req *ReportRequest) []models.EvidenceEntry {
	statuses := make(map[models.EvidenceStatus]bool, len(req.Statuses))
	for _, s := range req.Statuses {
		statuses[s] = true
	}

	out := make([]models.EvidenceEntry, 0, len(entries))
	for _, e := range entries {
		if req.ProjectID != "" && e.ProjectID != req.ProjectID {
			continue
		}
		if req.DateFrom != nil && e.Timestamp.Before(*req.DateFrom) {
			continue
		}
		if req.DateTo != nil && e.Timestamp.After(*req.DateTo) {
			continue
		}
		if len(statuses) > 0 && !statuses[e.Status] {
			continue
		}
		out = append(out, e)
	}
	return out
}

func evidenceToPDF(entries []models.EvidenceEntry, title string, generatedAt time.Time) ([]byte, error) {
	pdf := NewPDFReport(title, generatedAt)

	counts := map[models.EvidenceStatus]int{}
	for _, e := range entries {
		counts[e.Status]++
	}

	pdf.AddSection("Summary")
	pdf.AddSummaryTable([]Pair{
		{"Total entries", len(entries)},
		{"Passed", counts[models.EvidencePassed]},
		{"Failed", counts[models.EvidenceFailed]},
		{"Errors", counts[models.EvidenceError]},
		{"Actions", counts[models.EvidenceAction] + counts[models.EvidenceInitiated] + counts[models.EvidenceCompleted]},
	})

	pdf.AddSection("Evidence")
	if len(entries) == 0 {
		pdf.AddParagraph("No evidence has been recorded.")
		return pdf.Output()
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		project := e.Project
		if project == "" {
			project = e.ProjectID
		}
		rows = append(rows, []string{
			e.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			e.Check,
			string(e.Status),
			project,
			e.Details,
		})
	}
	pdf.AddTable(
		[]string{"Time (UTC)", "Check", "Status", "Project", "Details"},
		[]float64{0.18, 0.2, 0.1, 0.17, 0.35},
		rows,
	)

	return pdf.Output()
}

func (g *Generator) generateComplianceReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	data, err := g.provider.Compliance(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading compliance status: %w", err)
	}

	if req.ProjectID != "" {
		data = forProject(data, req.ProjectID)
	}

	report := g.newReport(req, "Database Compliance Report")

	switch req.Format {
	case FormatJSON:
		report.Data, err = json.MarshalIndent(data, "", "  ")
	case FormatPDF:
		report.Data, err = complianceToPDF(data, report.Title, report.GeneratedAt)
	default:
		return nil, fmt.Errorf("unsupported report format: %s", req.Format)
	}
	if err != nil {
		return nil, err
	}

	return report, nil
}

func forProject(data *ComplianceData, projectID string) *ComplianceData {
	out := *data
	out.Projects = nil
	for _, row := range data.Projects {
		if row.Project.ID == projectID {
			out.Projects = []ProjectRow{row}
			out.Status = row.Status
			out.Overall = row.Overall
			out.Score = aggregation.Score(row.Status)
		}
	}
	return &out
}

func complianceToPDF(data *ComplianceData, title string, generatedAt time.Time) ([]byte, error) {
	pdf := NewPDFReport(title, generatedAt)

	pdf.AddStatusBadge(data.Overall, data.Score)

	pdf.AddSection("Checks")
	pdf.AddPercentBar("MFA", data.Status.MFA.Percentage, data.Status.MFA.Status)
	pdf.AddPercentBar("RLS", data.Status.RLS.Percentage, data.Status.RLS.Status)
	pdf.AddPercentBar("PITR", data.Status.PITR.Percentage, data.Status.PITR.Status)
	pdf.AddParagraph(fmt.Sprintf("Scope: %s", data.Scope))

	if len(data.Projects) > 0 {
		pdf.AddSection("Projects")
		rows := make([][]string, 0, len(data.Projects))
		for _, p := range data.Projects {
			rows = append(rows, []string{
				p.Project.DisplayName(),
				string(p.Status.MFA.Status),
				string(p.Status.RLS.Status),
				string(p.Status.PITR.Status),
				string(p.Overall),
			})
		}
		pdf.AddTable([]string{"Project", "MFA", "RLS", "PITR", "Overall"}, []float64{0.36, 0.16, 0.16, 0.16, 0.16}, rows)
	}

	if rows := nonCompliant(data.Status.MFA.Details, func(f models.Finding) []string {
		return []string{f.ProjectName, f.User.Email, f.User.LookupError}
	}); len(rows) > 0 {
		pdf.AddSection(fmt.Sprintf("Users without MFA (%d)", len(rows)))
		pdf.AddTable([]string{"Project", "Email", "Note"}, []float64{0.3, 0.45, 0.25}, rows)
	}

	if rows := nonCompliant(data.Status.RLS.Details, func(f models.Finding) []string {
		return []string{f.ProjectName, f.Table.SchemaName, f.Table.TableName}
	}); len(rows) > 0 {
		pdf.AddSection(fmt.Sprintf("Tables without RLS (%d)", len(rows)))
		pdf.AddTable([]string{"Project", "Schema", "Table"}, []float64{0.3, 0.25, 0.45}, rows)
	}

	if rows := nonCompliant(data.Status.PITR.Details, func(f models.Finding) []string {
		return []string{f.Backup.Name, f.Backup.Region, fmt.Sprintf("%d", f.Backup.BackupCount)}
	}); len(rows) > 0 {
		pdf.AddSection(fmt.Sprintf("Projects without PITR (%d)", len(rows)))
		pdf.AddTable([]string{"Project", "Region", "Backups"}, []float64{0.45, 0.3, 0.25}, rows)
	}

	return pdf.Output()
}

func nonCompliant(findings []models.Finding, row func(models.Finding) []string) [][]string {
	var rows [][]string
	for _, f := range findings {
		if f.Compliant() {
			continue
		}
		if f.User == nil && f.Table == nil && f.Backup == nil {
			continue
		}
		rows = append(rows, row(f))
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })
	return rows
}
