package counselor

import (
	"strings"
	"text/template"

	"github.com/BTreeMap/CounselSim/internal/profile"
)

var funcs = template.FuncMap{
	"bullets": func(s []string) string { return "- " + strings.Join(s, "\n- ") },
	"inc":     func(i int) int { return i + 1 },
}

func mustParse(name, text string) *template.Template {
	return template.Must(template.New(name).Funcs(funcs).Parse(text))
}

var stateTmpl = mustParse("state", `You are a {{.Role}} reviewing a conversation.
{{bullets .Context}}

Classify the client's current state as exactly one of:
{{range .States}}- {{.Name}}: {{.Text}}
{{end}}
Return a JSON object {"state": "<label>", "reasoning": "<one sentence>"}.`)

var strategyTmpl = mustParse("strategy", `You are a {{.Role}}. Here is the conversation so far:
{{.Transcript}}

The client's state is {{.State}}: {{.Instruction}}
Analyze the conversation and choose no more than two strategies for the next utterance from:
{{range .Strategies}}- {{.Name}}: {{.Text}}
{{end}}
Return a JSON object {"analysis": "<short analysis>", "strategies": ["<label>", ...]}.`)

var generateTmpl = mustParse("generate", `{{.Last}}
Based on the previous counseling session, generate the response following this guidance.
The state of the client is {{.State}}: {{.Instruction}}
{{- if .Topic}}
The client may be interested in {{.Topic}}. {{.TopicDescription}}
{{- end}}
{{- if .Combined}}
Use all of the following strategies together:
{{range .Strategies}}- **{{.Name}}**: {{.Text}}
{{end}}Generate one precise utterance that combines them, shorter than 50 words.
{{- else}}
Use the following strategy:
{{range .Strategies}}- **{{.Name}}**: {{.Text}}
{{end}}Generate one utterance following the strategy, shorter than 50 words.
{{- end}}`)

var selectTmpl = mustParse("select", `You are supervising a {{.Role}} whose goal is {{.Goal}} with a client who is {{.Behavior}}.
Conversation:
{{bullets .Context}}

Candidate responses:
{{range $i, $c := .Candidates}}{{inc $i}}. {{$c.Text}}
{{end}}
Which response is the most appropriate next utterance? Answer with its number only.`)

var scoreTmpl = mustParse("score", `Evaluate the counselor's response.
Conversation:
{{bullets .Context}}

Response: {{.Response}}
{{- if .Topic}}
Topic guidance: {{.Topic}}
{{- end}}
Strategy guidance: {{.Strategy}}

Score {{if .Topic}}topic alignment and {{end}}strategy adherence from 0 to 5 each.
Return a JSON object {"topic_alignment_score": 0-5, "strategy_adherence_score": 0-5, "feedback": "<text>", "suggestions": "<text>"}.`)

var rewriteTmpl = mustParse("rewrite", `Rewrite the counselor's response using the feedback.
Conversation:
{{bullets .Context}}

Response: {{.Response}}
{{- if .Topic}}
Topic guidance: {{.Topic}}
{{- end}}
Strategy guidance: {{.Strategy}}
Feedback: {{.Feedback}}

Suggestions: {{.Suggestions}}
Return a JSON object {"response": "Counselor: <rewritten response>"}.`)

func render(t *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func labelsFor(p *profile.Profile, names []string) []profile.Label {
	out := make([]profile.Label, 0, len(names))
	for _, n := range names {
		out = append(out, profile.Label{Name: n, Text: p.StrategyDescription(n)})
	}
	return out
}
