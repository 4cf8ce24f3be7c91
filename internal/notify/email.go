package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/mybookshelf/pricewatch/internal/model"
)

const defaultResendURL = "https://api.resend.com"

// EmailConfig configures delivery through the Resend HTTP API.
type EmailConfig struct {
	APIKey  string
	From    string
	To      []string
	BaseURL string
	Timeout time.Duration
}

// EmailNotifier mails pass reports and alerts to administrators.
type EmailNotifier struct {
	cfg     EmailConfig
	client  *http.Client
	printer *message.Printer
}

// NewEmailNotifier creates an EmailNotifier. It returns an error when the
// API key or recipients are missing.
func NewEmailNotifier(cfg EmailConfig) (*EmailNotifier, error) {
	if cfg.APIKey == "" {
		return nil, eris.New("notify: email api key is required")
	}
	if len(cfg.To) == 0 {
		return nil, eris.New("notify: at least one email recipient is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultResendURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &EmailNotifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		printer: message.NewPrinter(language.AmericanEnglish),
	}, nil
}

type emailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// NotifyRun mails the daily report for a pass.
func (e *EmailNotifier) NotifyRun(ctx context.Context, summary model.RunSummary) error {
	body, err := e.renderRun(summary)
	if err != nil {
		return err
	}
	subject := "Daily Price Update Report - " + summary.StartedAt.UTC().Format("2006-01-02")
	return e.send(ctx, subject, body)
}

// NotifyAlert mails a single alert.
func (e *EmailNotifier) NotifyAlert(ctx context.Context, alert model.Alert) error {
	var buf bytes.Buffer
	if err := alertTmpl.Execute(&buf, alert); err != nil {
		return eris.Wrap(err, "notify: render alert email")
	}
	subject := fmt.Sprintf("[%s] MyBookshelf Alert: %s", strings.ToUpper(alert.Severity), alertTitle(alert.Type))
	return e.send(ctx, subject, buf.String())
}

func (e *EmailNotifier) send(ctx context.Context, subject, html string) error {
	payload, err := json.Marshal(emailRequest{
		From:    e.cfg.From,
		To:      e.cfg.To,
		Subject: subject,
		HTML:    html,
	})
	if err != nil {
		return eris.Wrap(err, "notify: marshal email")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(e.cfg.BaseURL, "/")+"/emails", bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create email request")
	}
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: send email")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return eris.Errorf("notify: email api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	zap.L().Info("notify: email sent", zap.String("subject", subject), zap.Int("recipients", len(e.cfg.To)))
	return nil
}

type reportChange struct {
	Title    string
	Old      string
	New      string
	Percent  string
	Reason   string
	Increase bool
}

type reportView struct {
	Generated string
	Summary   model.RunSummary
	Duration  string
	NetChange string
	Applied   []reportChange
	Queued    []reportChange
	Rejected  []reportChange
	Errors    []string
}

func (e *EmailNotifier) renderRun(summary model.RunSummary) (string, error) {
	view := reportView{
		Generated: summary.FinishedAt.UTC().Format(time.RFC1123),
		Summary:   summary,
		Duration:  e.printer.Sprintf("%.2f", summary.DurationSeconds),
		NetChange: e.money(summary.Statistics.TotalPriceChange),
		Errors:    summary.Statistics.Errors,
	}
	for _, c := range summary.Changes {
		rc := reportChange{
			Title:    c.Title,
			Old:      e.money(c.OldPrice),
			New:      e.money(c.NewPrice),
			Percent:  signedPercent(c.PercentChange),
			Reason:   c.Reason,
			Increase: c.NewPrice.GreaterThan(c.OldPrice),
		}
		switch c.Outcome {
		case model.ChangeApplied:
			view.Applied = append(view.Applied, rc)
		case model.ChangeQueued:
			view.Queued = append(view.Queued, rc)
		case model.ChangeRejected:
			view.Rejected = append(view.Rejected, rc)
		}
	}

	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, view); err != nil {
		return "", eris.Wrap(err, "notify: render report email")
	}
	return buf.String(), nil
}

// money formats an amount in US dollars with thousands grouping.
func (e *EmailNotifier) money(d decimal.Decimal) string {
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Neg()
	}
	return sign + e.printer.Sprintf("$%.2f", d.InexactFloat64())
}

func signedPercent(d decimal.Decimal) string {
	s := d.StringFixed(1) + "%"
	if d.IsPositive() {
		return "+" + s
	}
	return s
}

func alertTitle(t model.AlertType) string {
	return strings.ReplaceAll(string(t), "_", " ")
}

var reportTmpl = template.Must(template.New("report").Parse(`<html>
<body style="font-family: Arial, sans-serif; max-width: 640px;">
<h1>Daily Price Update Report</h1>
<p>Generated on {{.Generated}}</p>
<h2>Summary Statistics</h2>
<p><strong>Result:</strong> {{.Summary.Message}}</p>
<p><strong>Duration:</strong> {{.Duration}} seconds</p>
<p><strong>Total Items Processed:</strong> {{.Summary.Statistics.TotalItems}}</p>
<p><strong>Updated:</strong> {{.Summary.Statistics.UpdatedItems}}</p>
<p><strong>Unchanged:</strong> {{.Summary.Statistics.UnchangedItems}}</p>
<p><strong>Errors:</strong> {{.Summary.Statistics.ErrorItems}}</p>
<p><strong>Queued for Approval:</strong> {{.Summary.Statistics.QueuedForApproval}}</p>
<p><strong>Rejected Changes:</strong> {{.Summary.Statistics.RejectedPriceChanges}}</p>
<p><strong>Success Rate:</strong> {{.Summary.SuccessRate}}%</p>
<p><strong>Net Price Change:</strong> {{.NetChange}}</p>
{{- if .Applied}}
<h2>Price Changes</h2>
{{- range .Applied}}
<div style="color: {{if .Increase}}#c0392b{{else}}#27ae60{{end}};"><strong>{{.Title}}</strong><br>{{.Old}} &rarr; {{.New}} ({{.Percent}})</div>
{{- end}}
{{- end}}
{{- if .Queued}}
<h2>Awaiting Approval</h2>
{{- range .Queued}}
<div><strong>{{.Title}}</strong><br>{{.Old}} &rarr; {{.New}} ({{.Percent}}) {{.Reason}}</div>
{{- end}}
{{- end}}
{{- if .Rejected}}
<h2>Rejected Changes</h2>
{{- range .Rejected}}
<div><strong>{{.Title}}</strong><br>{{.Old}} &rarr; {{.New}} ({{.Percent}}) {{.Reason}}</div>
{{- end}}
{{- end}}
{{- if .Errors}}
<h2>Errors</h2>
{{- range .Errors}}
<p>&bull; {{.}}</p>
{{- end}}
{{- end}}
<p><em>This report was generated by the MyBookshelf price update system.</em></p>
</body>
</html>
`))

var alertTmpl = template.Must(template.New("alert").Parse(`<html>
<body style="font-family: Arial, sans-serif; max-width: 640px;">
<h1>MyBookshelf</h1>
<h2>{{.Message}}</h2>
<p><strong>Severity:</strong> {{.Severity}}</p>
<p><strong>Time:</strong> {{.Timestamp.Format "2006-01-02 15:04:05 MST"}}</p>
{{- if .Details}}
<h3>Details</h3>
<ul>
{{- range $k, $v := .Details}}
<li>{{$k}}: {{$v}}</li>
{{- end}}
</ul>
{{- end}}
</body>
</html>
`))
