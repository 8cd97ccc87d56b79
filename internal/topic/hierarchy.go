// Package topic holds the counseling topic hierarchy, the weighted topic graph
// used for engagement distances, and the stack-based topic Navigator.
package topic

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed data/hierarchy.yaml
var hierarchyYAML []byte

//go:embed data/weights.yaml
var weightsYAML []byte

// ErrUnknownTopic is returned when a hierarchy references a topic it never defines.
var ErrUnknownTopic = errors.New("unknown topic")

// Node is one topic of the hierarchy.
type Node struct {
	Name     string
	About    string
	Children []string
	Parents  []string
}

// Hierarchy is the immutable parent/child structure the Navigator walks.
type Hierarchy struct {
	roots []string
	nodes map[string]*Node
	order []string
}

type hierarchyFile struct {
	Roots  []string `yaml:"roots"`
	Topics map[string]struct {
		About    string   `yaml:"about"`
		Children []string `yaml:"children"`
	} `yaml:"topics"`
}

// ParseHierarchy decodes a YAML hierarchy document. Every child must itself
// be declared and every topic must be reachable from a root.
func ParseHierarchy(data []byte) (*Hierarchy, error) {
	var f hierarchyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse topic hierarchy: %w", err)
	}
	if len(f.Roots) == 0 {
		return nil, fmt.Errorf("topic hierarchy has no roots")
	}

	h := &Hierarchy{roots: append([]string(nil), f.Roots...), nodes: make(map[string]*Node, len(f.Topics))}
	for name, t := range f.Topics {
		h.nodes[name] = &Node{Name: name, About: t.About, Children: append([]string(nil), t.Children...)}
		h.order = append(h.order, name)
	}
	sort.Strings(h.order)

	for _, name := range h.order {
		for _, child := range h.nodes[name].Children {
			c, ok := h.nodes[child]
			if !ok {
				return nil, fmt.Errorf("%w: %q (child of %q)", ErrUnknownTopic, child, name)
			}
			c.Parents = append(c.Parents, name)
		}
	}
	for _, r := range h.roots {
		if _, ok := h.nodes[r]; !ok {
			return nil, fmt.Errorf("%w: root %q", ErrUnknownTopic, r)
		}
	}

	reached := make(map[string]bool, len(h.nodes))
	queue := append([]string(nil), h.roots...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if reached[n] {
			continue
		}
		reached[n] = true
		queue = append(queue, h.nodes[n].Children...)
	}
	for _, name := range h.order {
		if !reached[name] {
			return nil, fmt.Errorf("topic %q is not reachable from any root", name)
		}
	}
	return h, nil
}

var (
	defaultHierarchyOnce sync.Once
	defaultHierarchy     *Hierarchy
)

// DefaultHierarchy returns the embedded counseling hierarchy.
func DefaultHierarchy() *Hierarchy {
	defaultHierarchyOnce.Do(func() {
		h, err := ParseHierarchy(hierarchyYAML)
		if err != nil {
			panic(fmt.Sprintf("embedded topic hierarchy is invalid: %v", err))
		}
		defaultHierarchy = h
	})
	return defaultHierarchy
}

// Roots returns the top-level categories in declared order.
func (h *Hierarchy) Roots() []string {
	return append([]string(nil), h.roots...)
}

// Children returns a copy of the children of name; nil for leaves and unknown topics.
func (h *Hierarchy) Children(name string) []string {
	n, ok := h.nodes[name]
	if !ok || len(n.Children) == 0 {
		return nil
	}
	return append([]string(nil), n.Children...)
}

// Parents returns a copy of the parents of name.
func (h *Hierarchy) Parents(name string) []string {
	n, ok := h.nodes[name]
	if !ok {
		return nil
	}
	return append([]string(nil), n.Parents...)
}

// About returns the short subject phrase of name, or name itself when none is set.
func (h *Hierarchy) About(name string) string {
	if n, ok := h.nodes[name]; ok && n.About != "" {
		return n.About
	}
	return name
}

// Has reports whether name is a topic of the hierarchy.
func (h *Hierarchy) Has(name string) bool {
	_, ok := h.nodes[name]
	return ok
}

// Topics returns every topic name sorted alphabetically.
func (h *Hierarchy) Topics() []string {
	return append([]string(nil), h.order...)
}
