package clientsim

import (
	"strings"
	"text/template"
)

var stateDescriptions = map[string]string{
	"Precontemplation": "You don't think your {{.Behavior}} is problematic and want to sustain it.",
	"Contemplation":    "You feel that your {{.Behavior}} is problematic, but still hesitate about {{.Goal}}.",
	"Preparation":      "You are ready to take action to change and begin to discuss steps toward {{.Goal}}.",
}

var systemTmpl = template.Must(template.New("system").Parse(`In this role-play scenario, you'll take on the role of a Client discussing your {{.Behavior}} where the Counselor's goal is {{.Goal}}.

Here are your personas which you need to follow consistently throughout the conversation:
{{range .Personas}}- {{.}}
{{end}}
Here is a conversation that occurred in a parallel world between you (Client) and a Counselor, where you can follow the style and information provided in the conversation:
{{.Reference}}
Please follow these guidelines in your responses:
- **Start your response with "Client: "**
- **Adhere strictly to the state, action and persona specified within square brackets.**
- **Keep your responses coherent and concise, similar to the reference conversation and no more than 3 sentences.**
- **Be natural and concise without being overly polite.**
- **Stick to the persona provided and avoid introducing contradictive details.**`))

var actionTmpl = template.Must(template.New("action").Parse(`Assume you are a Client involved in a counseling conversation. The current conversation is provided below:
{{.Context}}

Based on the context, allocate probabilities to each of the following dialogue actions to maintain coherence:
{{range .Actions}}- {{.}}: {{.Instruction}}
{{end}}
Provide your response in JSON format, ensuring that the sum of all probabilities equals 100. For example: {{.Example}}`))

var motivationTmpl = template.Must(template.New("motivation").Parse(`Your task is to evaluate whether the Counselor's responses align with the Client's motivation concerning a specific topic, target (self or others), and aspect (risk or benefit). Determine if the Counselor's statements effectively motivate the Client. Your analysis should be logical and well-supported.

Here is the conversation snippet toward {{.Goal}}:
- {{.Context}}

The Motivation of Client is as follows:
- {{.Motivation}}

Question: Can the Counselor's statement motivate the Client?
Answer in the format:
Analysis: <analysis>
Answer: Yes or No`))

var questionPrompt = `Here is a conversation between Client and Counselor:
%s

Is there a question in the last utterance of Counselor? Yes or No`

const questionAnswer = "Yes, there is a question in the last utterance of Counselor."

var informationPrompts = map[Action]string{
	ActionInform:   "Can the following Client's persona answer the question? Yes or No\n%s",
	ActionDownplay: "Can the following Client's persona reply the question to downplay the importance or impact of behavior? Yes or No\n%s",
	ActionBlame:    "Can the following Client's persona reply the question to blame external factors or others to justify? Yes or No\n%s",
	ActionHesitate: "Can the following Client's persona reply the question to show uncertainty, indicating ambivalence about change? Yes or No\n%s",
}

func render(t *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func renderString(text string, data any) (string, error) {
	t, err := template.New("inline").Parse(text)
	if err != nil {
		return "", err
	}
	return render(t, data)
}
