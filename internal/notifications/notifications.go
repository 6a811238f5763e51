package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/qualys/dbcompliance/internal/models"
)

// NotificationType defines the type of notification
type NotificationType string

const (
	NotifyAuditPassed NotificationType = "audit_passed"
	NotifyAuditFailed NotificationType = "audit_failed"
	NotifyAuditError  NotificationType = "audit_error"
	NotifyRunAborted  NotificationType = "run_aborted"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityOrder = map[Severity]int{
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityCritical: 3,
}

// Notification represents a notification to be sent
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Severity  Severity
	Fields    []Field
	Timestamp time.Time
}

// Field is one labelled value shown with a notification
type Field struct {
	Title string
	Value string
}

// Config holds notification configuration
type Config struct {
	Slack SlackConfig
	Email EmailConfig
	// NotifyOnError also alerts when a check could not be determined.
	// Non-compliant results are always sent.
	NotifyOnError bool
}

// SlackConfig holds Slack webhook settings
type SlackConfig struct {
	WebhookURL  string
	Channel     string
	Username    string
	IconEmoji   string
	Enabled     bool
	MinSeverity Severity
}

// EmailConfig holds SMTP settings
type EmailConfig struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	From        string
	To          []string
	Enabled     bool
	MinSeverity Severity
}

// Mailer delivers email messages. *gomail.Dialer satisfies it.
type Mailer interface {
	DialAndSend(m ...*gomail.Message) error
}

// Service handles notifications
type Service struct {
	config Config
	logger *zap.SugaredLogger
	client *http.Client
	mailer Mailer
}

type Option func(*Service)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		s.client = c
	}
}

func WithMailer(m Mailer) Option {
	return func(s *Service) {
		s.mailer = m
	}
}

// NewService creates a new notification service
func NewService(config Config, logger *zap.SugaredLogger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Service{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	if config.Email.Enabled {
		s.mailer = gomail.NewDialer(config.Email.SMTPHost, config.Email.SMTPPort, config.Email.Username, config.Email.Password)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports whether any channel is configured.
func (s *Service) Enabled() bool {
	return s.config.Slack.Enabled || s.config.Email.Enabled
}

// Send sends a notification to all enabled channels
func (s *Service) Send(ctx context.Context, notif *Notification) error {
	var errs []error

	if s.config.Slack.Enabled && shouldNotify(notif.Severity, s.config.Slack.MinSeverity) {
		if err := s.sendSlack(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}

	if s.config.Email.Enabled && shouldNotify(notif.Severity, s.config.Email.MinSeverity) {
		if err := s.sendEmail(notif); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}

	return errors.Join(errs...)
}

func shouldNotify(actual, minimum Severity) bool {
	return severityOrder[actual] >= severityOrder[minimum]
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (s *Service) sendSlack(ctx context.Context, notif *Notification) error {
	fields := make([]SlackField, 0, len(notif.Fields))
	for _, f := range notif.Fields {
		fields = append(fields, SlackField{Title: f.Title, Value: f.Value, Short: len(f.Value) < 40})
	}

	msg := SlackMessage{
		Channel:   s.config.Slack.Channel,
		Username:  s.config.Slack.Username,
		IconEmoji: s.config.Slack.IconEmoji,
		Attachments: []SlackAttachment{
			{
				Color:     severityToColor(notif.Severity),
				Title:     notif.Title,
				Text:      notif.Message,
				Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
				Fields:    fields,
				Footer:    "Database Compliance Audit",
				Timestamp: notif.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Infow("slack notification sent",
		"type", notif.Type,
		"title", notif.Title)

	return nil
}

func severityToColor(severity Severity) string {
	switch severity {
	case SeverityCritical:
		return "#D32F2F"
	case SeverityWarning:
		return "#FFA000"
	default:
		return "#36A64F"
	}
}

func (s *Service) sendEmail(notif *Notification) error {
	if s.mailer == nil {
		return errors.New("no mailer configured")
	}

	body, err := formatEmailBody(notif)
	if err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.config.Email.From)
	m.SetHeader("To", s.config.Email.To...)
	m.SetHeader("Subject", fmt.Sprintf("[Compliance Audit] %s", notif.Title))
	m.SetBody("text/html", body)

	if err := s.mailer.DialAndSend(m); err != nil {
		return err
	}

	s.logger.Infow("email notification sent",
		"type", notif.Type,
		"title", notif.Title,
		"recipients", len(s.config.Email.To))

	return nil
}

var emailTemplate = template.Must(template.New("email").Parse(`
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
        .container { max-width: 600px; margin: 0 auto; background: white; border-radius: 8px; }
        .header { padding: 20px; background: {{.Color}}; color: white; border-radius: 8px 8px 0 0; }
        .content { padding: 20px; }
        .data-table { width: 100%; border-collapse: collapse; margin-top: 15px; }
        .data-table td { padding: 8px; border-bottom: 1px solid #eee; }
        .data-table td:first-child { font-weight: bold; width: 30%; }
        .footer { padding: 15px 20px; background: #f9f9f9; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header"><h2 style="margin:0;">{{.Title}}</h2></div>
        <div class="content">
            <p>{{.Message}}</p>
            {{if .Fields}}
            <table class="data-table">
                {{range .Fields}}<tr><td>{{.Title}}</td><td>{{.Value}}</td></tr>
                {{end}}
            </table>
            {{end}}
        </div>
        <div class="footer"><p>Generated at: {{.Timestamp}}</p></div>
    </div>
</body>
</html>
`))

func formatEmailBody(notif *Notification) (string, error) {
	data := map[string]interface{}{
		"Title":     notif.Title,
		"Message":   notif.Message,
		"Color":     severityToColor(notif.Severity),
		"Fields":    notif.Fields,
		"Timestamp": notif.Timestamp.Format(time.RFC1123),
	}

	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// AuditSummary is the outcome of one completed run.
type AuditSummary struct {
	Scope      string
	Projects   int
	Status     models.ComplianceStatus
	Overall    models.CheckStatus
	Score      int
	FinishedAt time.Time
	// ProjectStatus holds the per-project results of the run.
	ProjectStatus models.ProjectComplianceMap
	ProjectNames  map[string]string
}

// NotifyAudit alerts on a run that was not fully compliant. Passing runs
// are not sent. Runs that ended in error are sent only with NotifyOnError.
func (s *Service) NotifyAudit(ctx context.Context, sum AuditSummary) (bool, error) {
	notif := &Notification{
		Fields: []Field{
			{Title: "Scope", Value: sum.Scope},
			{Title: "Projects", Value: fmt.Sprintf("%d", sum.Projects)},
			{Title: "Score", Value: fmt.Sprintf("%d%%", sum.Score)},
			{Title: "MFA", Value: checkSummary(sum.Status.MFA)},
			{Title: "RLS", Value: checkSummary(sum.Status.RLS)},
			{Title: "PITR", Value: checkSummary(sum.Status.PITR)},
		},
		Timestamp: sum.FinishedAt,
	}
	if notif.Timestamp.IsZero() {
		notif.Timestamp = time.Now()
	}

	switch sum.Overall {
	case models.CheckStatusFailed:
		notif.Type = NotifyAuditFailed
		notif.Severity = SeverityWarning
		notif.Title = "Compliance Audit Failed"
		notif.Message = fmt.Sprintf("One or more checks are not compliant across %d project(s).", sum.Projects)
	case models.CheckStatusError:
		if !s.config.NotifyOnError {
			return false, nil
		}
		notif.Type = NotifyAuditError
		notif.Severity = SeverityCritical
		notif.Title = "Compliance Audit Incomplete"
		notif.Message = "One or more checks could not be determined."
	default:
		return false, nil
	}

	if failing := failingProjects(sum); len(failing) > 0 {
		notif.Fields = append(notif.Fields, Field{Title: "Affected projects", Value: strings.Join(failing, ", ")})
	}

	return true, s.Send(ctx, notif)
}

// NotifyRunAborted alerts when a run could not start at all.
func (s *Service) NotifyRunAborted(ctx context.Context, scope string, err error) error {
	return s.Send(ctx, &Notification{
		Type:      NotifyRunAborted,
		Title:     "Compliance Audit Did Not Run",
		Message:   err.Error(),
		Severity:  SeverityCritical,
		Fields:    []Field{{Title: "Scope", Value: scope}},
		Timestamp: time.Now(),
	})
}

func checkSummary(r models.CheckResult) string {
	if r.Status == models.CheckStatusInactive || r.Status == models.CheckStatusError {
		return string(r.Status)
	}
	return fmt.Sprintf("%s (%d%%)", r.Status, r.Percentage)
}

func failingProjects(sum AuditSummary) []string {
	var out []string
	for id, status := range sum.ProjectStatus {
		for _, c := range models.CheckTypes {
			st := status.Check(c).Status
			if st == models.CheckStatusFailed || st == models.CheckStatusError {
				name := sum.ProjectNames[id]
				if name == "" {
					name = id
				}
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
