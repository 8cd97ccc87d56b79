// Package profile provides the context profiles that parameterize a counseling
// session: the state labels, the strategy labels, the prompt wording and whether
// the session navigates the topic hierarchy.
package profile

import (
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/BTreeMap/CounselSim/internal/genai"
	"gopkg.in/yaml.v3"
)

// NoStrategy is the sentinel strategy used when no valid strategy was selected.
const NoStrategy = "No Strategy"

// DefaultKey is the profile used when none is configured.
const DefaultKey = "cami"

// ErrUnknownProfile is returned by Get for an unregistered key.
var ErrUnknownProfile = errors.New("unknown context profile")

//go:embed data/*.yaml
var profileFS embed.FS

// Label is a state or strategy with its guidance text.
type Label struct {
	Name string
	Text string
}

// Greeting is the scripted opening exchange.
type Greeting struct {
	Counselor string `yaml:"counselor"`
	Client    string `yaml:"client"`
}

// Profile is one counseling context. States[0] is the default, least escalated state.
type Profile struct {
	Key        string
	Role       string
	UsesTopics bool
	Greeting   Greeting
	States     []Label
	Strategies []Label

	system       *template.Template
	topicDesc    *template.Template
	stateIndex   map[string]string
	strategyText map[string]string
}

type profileFile struct {
	Key              string   `yaml:"key"`
	Role             string   `yaml:"role"`
	Topics           bool     `yaml:"topics"`
	System           string   `yaml:"system"`
	TopicDescription string   `yaml:"topic_description"`
	Greeting         Greeting `yaml:"greeting"`
	States           []struct {
		Name        string `yaml:"name"`
		Instruction string `yaml:"instruction"`
	} `yaml:"states"`
	Strategies []struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
	} `yaml:"strategies"`
	StrategiesFrom string `yaml:"strategies_from"`
}

var (
	registryOnce sync.Once
	registry     map[string]*Profile
	registryErr  error
)

func loadRegistry() {
	entries, err := profileFS.ReadDir("data")
	if err != nil {
		registryErr = fmt.Errorf("failed to list embedded profiles: %w", err)
		return
	}
	files := make(map[string]profileFile, len(entries))
	for _, e := range entries {
		raw, err := profileFS.ReadFile(path.Join("data", e.Name()))
		if err != nil {
			registryErr = fmt.Errorf("failed to read profile %s: %w", e.Name(), err)
			return
		}
		var f profileFile
		if err := yaml.Unmarshal(raw, &f); err != nil {
			registryErr = fmt.Errorf("failed to parse profile %s: %w", e.Name(), err)
			return
		}
		files[f.Key] = f
	}

	registry = make(map[string]*Profile, len(files))
	for key, f := range files {
		if f.StrategiesFrom != "" {
			src, ok := files[f.StrategiesFrom]
			if !ok {
				registryErr = fmt.Errorf("profile %s borrows strategies from unknown profile %s", key, f.StrategiesFrom)
				return
			}
			f.Strategies = src.Strategies
		}
		p, err := build(f)
		if err != nil {
			registryErr = fmt.Errorf("profile %s: %w", key, err)
			return
		}
		registry[key] = p
	}
}

func build(f profileFile) (*Profile, error) {
	if len(f.States) == 0 {
		return nil, fmt.Errorf("no states defined")
	}
	p := &Profile{
		Key:          f.Key,
		Role:         f.Role,
		UsesTopics:   f.Topics,
		Greeting:     f.Greeting,
		stateIndex:   make(map[string]string, len(f.States)),
		strategyText: make(map[string]string, len(f.Strategies)),
	}
	for _, s := range f.States {
		p.States = append(p.States, Label{Name: s.Name, Text: s.Instruction})
		p.stateIndex[s.Name] = s.Instruction
	}
	for _, s := range f.Strategies {
		p.Strategies = append(p.Strategies, Label{Name: s.Name, Text: s.Description})
		p.strategyText[s.Name] = s.Description
	}
	if _, ok := p.strategyText[NoStrategy]; !ok {
		return nil, fmt.Errorf("strategy %q is missing", NoStrategy)
	}

	var err error
	if p.system, err = template.New(f.Key + "-system").Parse(f.System); err != nil {
		return nil, fmt.Errorf("invalid system template: %w", err)
	}
	desc := f.TopicDescription
	if desc == "" {
		desc = "The conversation may touch on {{.About}}."
	}
	if p.topicDesc, err = template.New(f.Key + "-topic").Parse(desc); err != nil {
		return nil, fmt.Errorf("invalid topic description template: %w", err)
	}
	return p, nil
}

// Get returns the profile registered under key.
func Get(key string) (*Profile, error) {
	registryOnce.Do(loadRegistry)
	if registryErr != nil {
		return nil, registryErr
	}
	p, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownProfile, key, strings.Join(Keys(), ", "))
	}
	return p, nil
}

// Keys lists the registered profile keys, sorted.
func Keys() []string {
	registryOnce.Do(loadRegistry)
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DefaultState returns the least escalated state.
func (p *Profile) DefaultState() string { return p.States[0].Name }

// StateLabels returns the closed set of state labels.
func (p *Profile) StateLabels() genai.LabelSet { return labelSet(p.States) }

// StrategyLabels returns the closed set of strategy labels.
func (p *Profile) StrategyLabels() genai.LabelSet { return labelSet(p.Strategies) }

func labelSet(ls []Label) genai.LabelSet {
	names := make([]string, len(ls))
	for i, l := range ls {
		names[i] = l.Name
	}
	return genai.NewLabelSet(names...)
}

// Instruction returns the guidance for state; unknown states get the default state's guidance.
func (p *Profile) Instruction(state string) string {
	if s, ok := p.stateIndex[state]; ok {
		return s
	}
	return p.States[0].Text
}

// StrategyDescription returns the description of strategy, or of NoStrategy when unknown.
func (p *Profile) StrategyDescription(strategy string) string {
	if d, ok := p.strategyText[strategy]; ok {
		return d
	}
	return p.strategyText[NoStrategy]
}

// Persona is the template data shared by profile prompts.
type Persona struct {
	Goal     string
	Behavior string
	About    string
}

// SystemPrompt renders the counselor system prompt.
func (p *Profile) SystemPrompt(goal, behavior string) (string, error) {
	var sb strings.Builder
	if err := p.system.Execute(&sb, Persona{Goal: goal, Behavior: behavior}); err != nil {
		return "", fmt.Errorf("failed to render system prompt: %w", err)
	}
	return sb.String(), nil
}

// DescribeTopic renders the guidance attached to a topic, given its subject phrase.
func (p *Profile) DescribeTopic(about, goal, behavior string) string {
	var sb strings.Builder
	if err := p.topicDesc.Execute(&sb, Persona{Goal: goal, Behavior: behavior, About: about}); err != nil {
		return about
	}
	return sb.String()
}
