package model

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Sequence is a single executable operation on one agent. Duration is
// rounded up to whole timeslots when the experiment is scheduled.
type Sequence struct {
	Name         string        `yaml:"name"`
	ClassName    string        `yaml:"class_name"`
	Duration     time.Duration `yaml:"duration"`
	Dependencies []string      `yaml:"dependencies,omitempty"`
}

// UnmarshalYAML accepts durations either as Go duration strings ("10s",
// "500ms") or as plain integer microseconds, the unit definition files
// historically used.
func (s *Sequence) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name         string   `yaml:"name"`
		ClassName    string   `yaml:"class_name"`
		Duration     any      `yaml:"duration"`
		Dependencies []string `yaml:"dependencies"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s.Name = raw.Name
	s.ClassName = raw.ClassName
	s.Dependencies = raw.Dependencies
	switch d := raw.Duration.(type) {
	case nil:
		s.Duration = 0
	case int:
		s.Duration = time.Duration(d) * time.Microsecond
	case float64:
		s.Duration = time.Duration(d * float64(time.Microsecond))
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return fmt.Errorf("sequence %q: parsing duration %q: %w", raw.Name, d, err)
		}
		s.Duration = parsed
	default:
		return fmt.Errorf("sequence %q: unsupported duration %v", raw.Name, raw.Duration)
	}
	return nil
}

// NumSlots returns the number of slots of the given size this sequence
// occupies, rounding up.
func (s Sequence) NumSlots(slotSize time.Duration) int {
	if slotSize <= 0 || s.Duration <= 0 {
		return 0
	}
	n := int(s.Duration / slotSize)
	if s.Duration%slotSize != 0 {
		n++
	}
	return n
}

// AgentSequence is the ordered list of sequences one agent of a given role
// runs during an experiment.
type AgentSequence struct {
	Name      string     `yaml:"name"`
	RoleType  NodeType   `yaml:"role_type"`
	Sequences []Sequence `yaml:"sequences"`
}

// SlotCount returns the total contiguous slots this agent's sequences need.
func (a AgentSequence) SlotCount(slotSize time.Duration) int {
	total := 0
	for _, seq := range a.Sequences {
		total += seq.NumSlots(slotSize)
	}
	return total
}

// ExperimentDef names the per-role sequence lists executed over a common
// slot start across all matched agents.
type ExperimentDef struct {
	Name           string          `yaml:"name"`
	AgentSequences []AgentSequence `yaml:"agent_sequences"`
}

// MaxSlotCount returns the widest per-agent slot requirement; the common
// allocation window must fit this many contiguous free slots.
func (e ExperimentDef) MaxSlotCount(slotSize time.Duration) int {
	max := 0
	for _, agent := range e.AgentSequences {
		if n := agent.SlotCount(slotSize); n > max {
			max = n
		}
	}
	return max
}

// Validate rejects definitions that cannot be scheduled: empty role lists,
// sequences with non-positive durations, or a slot span over the cap.
func (e ExperimentDef) Validate(slotSize time.Duration, maxSlots int) error {
	if e.Name == "" {
		return fmt.Errorf("experiment definition is missing a name")
	}
	if len(e.AgentSequences) == 0 {
		return fmt.Errorf("experiment %q defines no agent sequences", e.Name)
	}
	for _, agent := range e.AgentSequences {
		if agent.RoleType == "" {
			return fmt.Errorf("experiment %q: agent sequence %q has no role type", e.Name, agent.Name)
		}
		if len(agent.Sequences) == 0 {
			return fmt.Errorf("experiment %q: agent sequence %q has no sequences", e.Name, agent.Name)
		}
		for _, seq := range agent.Sequences {
			if seq.Duration <= 0 {
				return fmt.Errorf("experiment %q: sequence %q has non-positive duration", e.Name, seq.Name)
			}
		}
	}
	if span := e.MaxSlotCount(slotSize); span > maxSlots {
		return fmt.Errorf("experiment %q needs %d slots, exceeding the %d slot cap", e.Name, span, maxSlots)
	}
	return nil
}
