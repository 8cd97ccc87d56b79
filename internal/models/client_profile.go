package models

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Client stages understood by the simulated client.
const (
	StagePrecontemplation = "Precontemplation"
	StageContemplation    = "Contemplation"
	StagePreparation      = "Preparation"
)

// ClientProfile is an annotated client persona. Field names follow the
// annotation files the profiles are distributed in.
type ClientProfile struct {
	Goal             string    `json:"topic" yaml:"topic"`
	Behavior         string    `json:"Behavior" yaml:"behavior"`
	Personas         []string  `json:"Personas" yaml:"personas"`
	States           []string  `json:"states" yaml:"states"`
	Motivation       []string  `json:"Motivation" yaml:"motivation"`
	Beliefs          []string  `json:"Beliefs" yaml:"beliefs"`
	AcceptablePlans  []string  `json:"Acceptable Plans" yaml:"acceptable_plans"`
	Suggestibilities []float64 `json:"suggestibilities" yaml:"suggestibilities"`
	Speakers         []string  `json:"speakers" yaml:"speakers"`
	Utterances       []string  `json:"utterances" yaml:"utterances"`
}

// MaxReferenceUtterances bounds the reference dialogue shown to the client model.
const MaxReferenceUtterances = 50

// Validate checks the fields the simulation depends on.
func (p *ClientProfile) Validate() error {
	if strings.TrimSpace(p.Goal) == "" {
		return ErrEmptyGoal
	}
	if strings.TrimSpace(p.Behavior) == "" {
		return ErrEmptyBehavior
	}
	if len(p.States) == 0 {
		return ErrMissingStates
	}
	switch p.States[0] {
	case StagePrecontemplation, StageContemplation, StagePreparation:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidInitState, p.States[0])
	}
	if len(p.Motivation) < 4 {
		return ErrShortMotivation
	}
	return nil
}

// InitialState is the stage the client starts in.
func (p *ClientProfile) InitialState() string { return p.States[0] }

// FinalState is the stage the annotated session ended in.
func (p *ClientProfile) FinalState() string { return p.States[len(p.States)-1] }

// MotivationStatement is the sentence that motivates the client to change.
func (p *ClientProfile) MotivationStatement() string {
	if len(p.Motivation) == 0 {
		return ""
	}
	return p.Motivation[len(p.Motivation)-1]
}

// EngagedTopics is the client's target chain, most specific first.
func (p *ClientProfile) EngagedTopics() []string {
	if len(p.Motivation) == 0 {
		return nil
	}
	return append([]string(nil), p.Motivation[:len(p.Motivation)-1]...)
}

// Receptivity is the mean suggestibility, zero when none are annotated.
func (p *ClientProfile) Receptivity() float64 {
	if len(p.Suggestibilities) == 0 {
		return 0
	}
	var sum float64
	for _, s := range p.Suggestibilities {
		sum += s
	}
	return sum / float64(len(p.Suggestibilities))
}

// Reference renders the annotated dialogue as transcript lines.
func (p *ClientProfile) Reference() string {
	n := len(p.Speakers)
	if len(p.Utterances) < n {
		n = len(p.Utterances)
	}
	if n > MaxReferenceUtterances {
		n = MaxReferenceUtterances
	}
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if p.Speakers[i] == string(SpeakerClient) {
			sb.WriteString(SpeakerClient.Prefix())
		} else {
			sb.WriteString(SpeakerCounselor.Prefix())
		}
		sb.WriteString(p.Utterances[i])
		sb.WriteByte('\n')
	}
	return sb.String()
}

// LoadClientProfiles reads profiles from a .jsonl file (one JSON object per
// line) or a .yaml/.yml file (a list of profiles). Every profile is validated.
func LoadClientProfiles(path string) ([]ClientProfile, error) {
	var (
		profiles []ClientProfile
		err      error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		profiles, err = loadYAMLProfiles(path)
	default:
		profiles, err = loadJSONLProfiles(path)
	}
	if err != nil {
		return nil, err
	}
	for i := range profiles {
		if err := profiles[i].Validate(); err != nil {
			return nil, fmt.Errorf("client profile %d in %s: %w", i, path, err)
		}
	}
	return profiles, nil
}

func loadJSONLProfiles(path string) ([]ClientProfile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open client profiles: %w", err)
	}
	defer f.Close()

	var out []ClientProfile
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var p ClientProfile
		if err := json.Unmarshal([]byte(text), &p); err != nil {
			return nil, fmt.Errorf("failed to parse client profile on line %d: %w", line, err)
		}
		out = append(out, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read client profiles: %w", err)
	}
	return out, nil
}

func loadYAMLProfiles(path string) ([]ClientProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open client profiles: %w", err)
	}
	var out []ClientProfile
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to parse client profiles: %w", err)
	}
	return out, nil
}
