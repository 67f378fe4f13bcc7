package mail

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"meeting-transcript-pipeline/internal/models"
)

var jst = time.FixedZone("JST", 9*3600)

type minutesView struct {
	Topic        string
	Start        string
	Duration     int
	Participants []string
	models.MinutesResult
}

const textBody = `{{.Topic}} の議事録をお送りします。

日時: {{.Start}}{{if .Duration}} ({{.Duration}}分){{end}}
{{- if .Participants}}
参加者: {{join .Participants "、"}}{{end}}

■ 要約
{{.Summary}}
{{- if .KeyPoints}}

■ 主なポイント
{{range .KeyPoints}}・{{.}}
{{end}}{{end}}
{{- if .KeyDecisions}}

■ 決定事項
{{range .KeyDecisions}}・{{.}}
{{end}}{{end}}
{{- if .ActionItems}}

■ アクションアイテム
{{range .ActionItems}}・{{.Task}}{{if .Assignee}} (担当: {{.Assignee}}){{end}}{{if .Due}} 期限: {{.Due}}{{end}}
{{end}}{{end}}
{{- if .NextSteps}}

■ 次のステップ
{{range .NextSteps}}・{{.}}
{{end}}{{end}}

■ 文字起こし
{{.FormattedTranscript}}
`

const htmlBody = `<!DOCTYPE html>
<html><body>
<h2>{{.Topic}}</h2>
<p>日時: {{.Start}}{{if .Duration}} ({{.Duration}}分){{end}}</p>
{{if .Participants}}<p>参加者: {{join .Participants "、"}}</p>{{end}}
<h3>要約</h3>
<p>{{.Summary}}</p>
{{if .KeyPoints}}<h3>主なポイント</h3><ul>{{range .KeyPoints}}<li>{{.}}</li>{{end}}</ul>{{end}}
{{if .KeyDecisions}}<h3>決定事項</h3><ul>{{range .KeyDecisions}}<li>{{.}}</li>{{end}}</ul>{{end}}
{{if .ActionItems}}<h3>アクションアイテム</h3><ul>{{range .ActionItems}}<li>{{.Task}}{{if .Assignee}} (担当: {{.Assignee}}){{end}}{{if .Due}} 期限: {{.Due}}{{end}}</li>{{end}}</ul>{{end}}
{{if .NextSteps}}<h3>次のステップ</h3><ul>{{range .NextSteps}}<li>{{.}}</li>{{end}}</ul>{{end}}
<h3>文字起こし</h3>
<pre style="white-space: pre-wrap">{{.FormattedTranscript}}</pre>
</body></html>
`

var (
	funcs     = map[string]any{"join": strings.Join}
	textTmpl  = texttemplate.Must(texttemplate.New("minutes.txt").Funcs(funcs).Parse(textBody))
	htmlTmpl  = htmltemplate.Must(htmltemplate.New("minutes.html").Funcs(funcs).Parse(htmlBody))
	failTmpl  = texttemplate.Must(texttemplate.New("failure.txt").Parse(failureBody))
)

// RenderMinutes builds the minutes email for a meeting. Recipients are left to
// the caller.
func RenderMinutes(info models.MeetingInfo, minutes models.MinutesResult) (Message, error) {
	topic := info.Topic
	if topic == "" {
		topic = "会議 " + info.MeetingID
	}
	view := minutesView{Topic: topic, Duration: info.DurationMinutes, MinutesResult: minutes}
	date := ""
	if !info.StartTime.IsZero() {
		local := info.StartTime.In(jst)
		view.Start = local.Format("2006年1月2日 15:04")
		date = local.Format("2006/01/02")
	}
	for _, p := range info.Participants {
		if p.Name != "" {
			view.Participants = append(view.Participants, p.Name)
		}
	}

	var text, html bytes.Buffer
	if err := textTmpl.Execute(&text, view); err != nil {
		return Message{}, fmt.Errorf("mail: render text: %w", err)
	}
	if err := htmlTmpl.Execute(&html, view); err != nil {
		return Message{}, fmt.Errorf("mail: render html: %w", err)
	}
	subject := "【議事録】" + topic
	if date != "" {
		subject += " (" + date + ")"
	}
	return Message{Subject: subject, Text: text.String(), HTML: html.String()}, nil
}

const failureBody = `A pipeline job failed permanently.

Topic:    {{.Topic}}
Job ID:   {{.JobID}}
Attempts: {{.Attempts}}
Error:    {{.Error}}

Payload:
{{.Payload}}
{{if .Stack}}
Stack:
{{.Stack}}{{end}}
`

// FailureReport describes a terminally failed job for operators.
type FailureReport struct {
	Topic    string
	JobID    string
	Attempts int
	Error    string
	Payload  string
	Stack    string
}

// RenderFailure builds the operator notification for a failed job.
func RenderFailure(r FailureReport) (Message, error) {
	var text bytes.Buffer
	if err := failTmpl.Execute(&text, r); err != nil {
		return Message{}, fmt.Errorf("mail: render failure: %w", err)
	}
	return Message{
		Subject: fmt.Sprintf("[pipeline] job %s failed on %s", r.JobID, r.Topic),
		Text:    text.String(),
	}, nil
}
