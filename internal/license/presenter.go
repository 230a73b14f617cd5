package license

import (
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"
)

const rule = "======================================================================"

var viewTemplates = template.Must(template.New("views").Funcs(template.FuncMap{
	"days":  func(f float64) string { return fmt.Sprintf("%.1f", f) },
	"flags": func(f []string) string { return strings.Join(f, ", ") },
	"date": func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return t.Local().Format("2006-01-02 15:04 MST")
	},
}).Parse(`
{{define "header"}}
` + rule + `
  {{.AppName}} - TRIAL LICENSE
` + rule + `
{{end}}

{{define "footer"}}` + rule + `

{{end}}

{{define "uninitialized"}}{{template "header" .}}
  No trial license found.

  Start your FREE {{.TrialDays}}-DAY TRIAL now!

  Features:
    + Full access to all features
    + No credit card required
    + No limitations
{{template "footer" .}}{{end}}

{{define "active"}}{{template "header" .}}
  Trial Active

  Time Remaining: {{days .DaysRemaining}} days ({{days .HoursRemaining}} hours)
  Expires: {{date .ExpiresAt}}
{{if lt .DaysRemaining 1.0}}
  TRIAL ENDING SOON!
     Purchase a license to continue using after trial expires.
{{end}}{{template "footer" .}}{{end}}

{{define "expired"}}{{template "header" .}}
  Trial Expired

  Your trial expired on: {{date .ExpiresAt}}

  To continue using {{.AppName}}, please purchase a license.

  Purchase Options:
    - Contact: {{.PurchaseContact}}
    - Subject: {{.AppName}} License Purchase

  Why purchase?
    + Unlimited usage
    + Priority support
    + Free updates
    + Custom integrations available
{{template "footer" .}}{{end}}

{{define "tampered"}}{{template "header" .}}
  Trial Error: {{flags .TamperFlags}}

  {{.Message}}

  Please contact support: {{.PurchaseContact}}
{{template "footer" .}}{{end}}

{{define "activated"}}
  Trial activated successfully!
  Your trial expires in {{.TrialDays}} days
  Expiry date: {{date .ExpiresAt}}
{{end}}

{{define "declined"}}
  Trial not activated.
{{end}}

{{define "banner"}}
Trial Info: {{days .DaysRemaining}} days remaining | Purchase: {{.PurchaseContact}}
{{end}}
`))

// Presenter renders trial views to a writer.
type Presenter struct {
	out io.Writer
}

// NewPresenter creates a presenter writing to out
func NewPresenter(out io.Writer) *Presenter {
	return &Presenter{out: out}
}

// Message writes the view for the status's state.
func (p *Presenter) Message(s *Status) error {
	return p.render(s.State.String(), s)
}

// Activated writes the activation confirmation.
func (p *Presenter) Activated(s *Status) error {
	return p.render("activated", s)
}

// Declined writes the declined notice.
func (p *Presenter) Declined(s *Status) error {
	return p.render("declined", s)
}

// Banner writes the one-line remaining-time reminder.
func (p *Presenter) Banner(s *Status) error {
	return p.render("banner", s)
}

func (p *Presenter) render(view string, s *Status) error {
	if err := viewTemplates.ExecuteTemplate(p.out, view, s); err != nil {
		return fmt.Errorf("failed to render %s view: %w", view, err)
	}
	return nil
}
