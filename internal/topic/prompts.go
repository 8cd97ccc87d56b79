package topic

import (
	"strings"
	"text/template"
)

var initAnalysisTmpl = template.Must(template.New("init-analysis").Parse(
	`You are assisting a counselor whose goal is {{.Goal}} for a client who is {{.Behavior}}.
Recent conversation:
- {{.Context}}
Latest client message: {{.Response}}

Which of these broad areas is the client most likely to care about: {{.Roots}}?
Reason briefly about the evidence in the conversation, then name the most likely area.`))

var initDistributionTmpl = template.Must(template.New("init-distribution").Parse(
	`Given this analysis of a counseling conversation:
{{.Analysis}}

Return a JSON object {"distribution": {...}} assigning a probability to each of these areas: {{.Roots}}.
The probabilities should sum to 1.`))

var exploreTmpl = template.Must(template.New("explore").Funcs(template.FuncMap{
	"join": func(s []string) string { return strings.Join(s, "\n    - ") },
}).Parse(
	`You are assisting a counselor whose goal is {{.Goal}} for a client who is {{.Behavior}}.
Recent conversation:
- {{.Context}}
Latest client message: {{.Response}}
Topics explored so far: {{.Explored}}

Analyze how engaged the client is with the current topic "{{.Current}}" and recommend one action.
{{- if .StepInto}}
- Step Into: go deeper into one of
    - {{join .StepInto}}
{{- end}}
{{- if .Switch}}
- Switch: move sideways to one of
    - {{join .Switch}}
{{- end}}
{{- if .StepOut}}
- Step Out: move back to a broader topic, one of
    - {{join .StepOut}}
{{- end}}
Name the action and mark the chosen topic in bold, e.g. **Topic**. End with a sentence stating the action and topic.`))

func render(t *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}
