package clientsim

import "fmt"

// Engagement is how closely the client follows the counselor's current topic.
type Engagement int

const (
	EngagementVague     Engagement = 1
	EngagementBroad     Engagement = 2
	EngagementSpecific  Engagement = 3
	EngagementMotivated Engagement = 4
)

// Distance thresholds between the client's target topic and the topic it
// perceives the counselor exploring.
const (
	SpecificDistance = 3
	BroadDistance    = 5
	// OffTopicLimit is the off-topic streak at which the client ends the session.
	OffTopicLimit = 5
	// OffTopicGrace is the conversation length below which off-topic turns are not counted.
	OffTopicGrace = 10
)

// Discretize maps a topic-graph distance to an engagement level. An
// unreachable topic (+Inf) is vague.
func Discretize(distance float64) Engagement {
	switch {
	case distance == 0:
		return EngagementMotivated
	case distance <= SpecificDistance:
		return EngagementSpecific
	case distance <= BroadDistance:
		return EngagementBroad
	default:
		return EngagementVague
	}
}

// instruction tells the client how to engage given its target chain
// [specific, middle, broad].
func (e Engagement) instruction(engaged []string, motivation string) string {
	switch e {
	case EngagementBroad:
		return fmt.Sprintf("Acknowledge the importance of %s, but hint that your focus is on a more specific topic, i.e. %s within it.", engaged[2], engaged[1])
	case EngagementSpecific:
		return fmt.Sprintf("Engage more directly with %s, and offer responses that subtly indicate there's a deeper, more specific issue worth exploring within that topic, i.e. %s.", engaged[1], engaged[0])
	case EngagementMotivated:
		return motivatedInstruction(engaged[0]) + " " + motivation
	default:
		return "You should provide vague and broad answers that avoid focusing on the current topic. Shift the conversation subtly toward unrelated areas, without engaging deeply with the topic."
	}
}

func motivatedInstruction(target string) string {
	return fmt.Sprintf("Offer specific responses that affirm the counselor is on the right track, showing that you're motivated by %s.", target)
}
