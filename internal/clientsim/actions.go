package clientsim

import (
	"math/rand/v2"

	"github.com/BTreeMap/CounselSim/internal/models"
)

// Action is a client dialogue act.
type Action string

const (
	ActionDeny        Action = "Deny"
	ActionDownplay    Action = "Downplay"
	ActionBlame       Action = "Blame"
	ActionInform      Action = "Inform"
	ActionEngage      Action = "Engage"
	ActionHesitate    Action = "Hesitate"
	ActionDoubt       Action = "Doubt"
	ActionAcknowledge Action = "Acknowledge"
	ActionAccept      Action = "Accept"
	ActionReject      Action = "Reject"
	ActionPlan        Action = "Plan"
	ActionTerminate   Action = "Terminate"
)

var actionInstructions = map[Action]string{
	ActionDeny:        "You should directly refuse to admit your behavior is problematic or needs change.",
	ActionDownplay:    "You should downplay the importance or impact of your behavior.",
	ActionBlame:       "You should blame external factors or others to justify your behavior.",
	ActionInform:      "You should share details about your background, experiences, or emotions revealing the current state.",
	ActionEngage:      "You should interact with counselor consistently based on your state and mimic the style in the reference conversation.",
	ActionHesitate:    "You should show uncertainty, indicating ambivalence about change.",
	ActionDoubt:       "You should express skepticism about the practicality or success of proposed changes but not reveal further information.",
	ActionAcknowledge: "You should acknowledge the need for change.",
	ActionAccept:      "You should agree to adopt the suggested action plan.",
	ActionReject:      "You should decline the proposed plan, deeming it unsuitable.",
	ActionPlan:        "You should propose or detail steps for a change plan.",
	ActionTerminate:   "You should highlight current state and engagement, express a desire to end the current session, and suggest further discussion be deferred to a later time.",
}

// Instruction is the prompt fragment that tells the client model to perform a.
func (a Action) Instruction() string { return actionInstructions[a] }

// stateActions lists the actions available in each stage, in sampling order.
var stateActions = map[string][]Action{
	models.StagePrecontemplation: {ActionDeny, ActionDownplay, ActionBlame, ActionEngage, ActionInform},
	models.StageContemplation:    {ActionInform, ActionEngage, ActionHesitate, ActionDoubt, ActionAcknowledge},
	models.StagePreparation:      {ActionInform, ActionEngage, ActionReject, ActionAccept, ActionPlan},
}

// Distribution holds unnormalized action weights.
type Distribution map[Action]float64

// uniformWeight is the per-action weight used when no context distribution is available.
const uniformWeight = 20

func uniform(actions []Action) Distribution {
	d := make(Distribution, len(actions))
	for _, a := range actions {
		d[a] = uniformWeight
	}
	return d
}

// ReceptivityPrior is the Precontemplation action prior for a receptivity
// score on the 1-5 scale. Less receptive clients resist more.
func ReceptivityPrior(receptivity float64) Distribution {
	switch {
	case receptivity < 2:
		return Distribution{ActionDeny: 23, ActionDownplay: 28, ActionBlame: 15, ActionEngage: 11, ActionInform: 22}
	case receptivity < 3:
		return Distribution{ActionDeny: 20, ActionDownplay: 25, ActionBlame: 10, ActionEngage: 15, ActionInform: 30}
	case receptivity < 4:
		return Distribution{ActionDeny: 19, ActionDownplay: 21, ActionBlame: 11, ActionEngage: 13, ActionInform: 36}
	case receptivity < 5:
		return Distribution{ActionDeny: 9, ActionDownplay: 20, ActionBlame: 13, ActionEngage: 14, ActionInform: 44}
	default:
		return Distribution{ActionDeny: 7, ActionDownplay: 13, ActionBlame: 4, ActionEngage: 16, ActionInform: 60}
	}
}

// prior returns the stage prior: the receptivity prior in Precontemplation,
// uniform otherwise.
func prior(state string, receptivity float64) Distribution {
	if state == models.StagePrecontemplation {
		return ReceptivityPrior(receptivity)
	}
	return uniform(stateActions[state])
}

// Combine sums context and prior weights over actions. Negative context
// weights count as zero.
func Combine(actions []Action, context, prior Distribution) Distribution {
	out := make(Distribution, len(actions))
	for _, a := range actions {
		w := context[a]
		if w < 0 {
			w = 0
		}
		out[a] = w + prior[a]
	}
	return out
}

// Sample draws an action from d over actions. If every weight is zero the
// first action is returned.
func Sample(actions []Action, d Distribution, rng *rand.Rand) Action {
	var total float64
	for _, a := range actions {
		total += d[a]
	}
	if total <= 0 {
		return actions[0]
	}
	x := rng.Float64() * total
	for _, a := range actions {
		x -= d[a]
		if x < 0 {
			return a
		}
	}
	for i := len(actions) - 1; i >= 0; i-- {
		if d[actions[i]] > 0 {
			return actions[i]
		}
	}
	return actions[len(actions)-1]
}
