package alerts

import (
	"bytes"
	"math"
	"strings"
	"text/template"

	"github.com/dustin/go-humanize"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/logger"
)

// MessageData holds the fields available to message templates.
type MessageData struct {
	Name       string
	ReportName string
	EntityID   int64
	Severity   string

	Value    float64
	ValueFmt string

	HasPrevious bool
	PreviousFmt string
	// Direction is "increased", "decreased" or "unchanged".
	Direction        string
	ChangeFmt        string
	ChangePercentFmt string

	Threshold     float64
	ThresholdFmt  string
	ThresholdType string
	Operator      string
}

// Message is a rendered notification.
type Message struct {
	Subject string
	Body    string
}

var defaultBody = template.Must(template.New("default").Parse(
	`{{if eq .Severity "recovery"}}{{.ReportName}} has recovered.{{else}}{{.ReportName}} is at {{.Severity}} level.{{end}}` +
		` Current value: {{.ValueFmt}}.` +
		`{{if .HasPrevious}} It {{.Direction}}{{if ne .Direction "unchanged"}} by {{.ChangeFmt}}{{if .ChangePercentFmt}} ({{.ChangePercentFmt}}){{end}}{{end}} from {{.PreviousFmt}}.{{end}}` +
		`{{if .ThresholdType}} {{.ThresholdType}} threshold: {{.Operator}} {{.ThresholdFmt}}.{{end}}`))

// BuildMessage renders the notification for a fired severity. previous is
// nil when no earlier snapshot exists.
func BuildMessage(def *Definition, reportName string, sev Severity, current float64, previous *float64, threshold float64, thresholdType ThresholdType) Message {
	if reportName == "" {
		reportName = def.ReportID
	}

	data := MessageData{
		Name:          def.Label(),
		ReportName:    reportName,
		EntityID:      def.EntityID,
		Severity:      string(sev),
		Value:         current,
		ValueFmt:      formatNumber(current),
		Threshold:     threshold,
		ThresholdFmt:  formatNumber(threshold),
		ThresholdType: string(thresholdType),
		Operator:      def.Operator.Symbol(),
	}
	if def.Operator.IsPercentage() {
		data.ThresholdFmt += "%"
	}

	if previous != nil {
		data.HasPrevious = true
		data.PreviousFmt = formatNumber(*previous)
		delta := current - *previous
		switch {
		case delta > 0:
			data.Direction = "increased"
		case delta < 0:
			data.Direction = "decreased"
		default:
			data.Direction = "unchanged"
		}
		data.ChangeFmt = formatNumber(math.Abs(delta))
		if pct, ok := ChangePercent(current, previous); ok {
			data.ChangePercentFmt = humanize.CommafWithDigits(math.Abs(pct), 1) + "%"
		}
	}

	return Message{
		Subject: subject(sev, reportName, def.Label()),
		Body:    renderBody(def, data),
	}
}

func renderBody(def *Definition, data MessageData) string {
	if def.Message != "" {
		tmpl, err := template.New("message").Parse(def.Message)
		if err == nil {
			var buf bytes.Buffer
			if err = tmpl.Execute(&buf, data); err == nil {
				return buf.String()
			}
		}
		logger.Debug("custom alert message failed, using default", "alert_id", def.ID, "error", err)
	}

	var buf bytes.Buffer
	if err := defaultBody.Execute(&buf, data); err != nil {
		return data.ReportName + ": " + data.Severity
	}
	return buf.String()
}

func subject(sev Severity, reportName, label string) string {
	var sb strings.Builder
	sb.WriteByte('[')
	sb.WriteString(strings.ToUpper(string(sev)))
	sb.WriteString("] ")
	sb.WriteString(reportName)
	if label != "" && label != reportName {
		sb.WriteString(" - ")
		sb.WriteString(label)
	}
	return sb.String()
}

// formatNumber renders integers without decimals and everything else with
// up to two, using thousands separators.
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return humanize.Comma(int64(v))
	}
	return humanize.CommafWithDigits(v, 2)
}
