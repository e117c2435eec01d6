// Package catalog holds badge definitions. Definitions are reference data:
// they are loaded once at startup and never change while the server runs.
package catalog

import (
	"context"
	"fmt"
	"os"

	"github.com/gosimple/slug"
	"gopkg.in/yaml.v3"

	"xp360/core"
)

// Snapshot is an immutable list of badge definitions.
type Snapshot struct {
	defs []core.BadgeDefinition
}

// New validates defs and returns a snapshot over a private copy of them.
// Definitions without an ID get one derived from their name.
func New(defs []core.BadgeDefinition) (*Snapshot, error) {
	out := make([]core.BadgeDefinition, len(defs))
	seen := make(map[core.BadgeID]struct{}, len(defs))
	for i, d := range defs {
		if d.ID == "" {
			d.ID = core.BadgeID(slug.Make(d.Name))
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("duplicate badge id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
		out[i] = d
	}
	return &Snapshot{defs: out}, nil
}

// Badges returns a copy of the definitions in catalog order.
func (s *Snapshot) Badges(context.Context) ([]core.BadgeDefinition, error) {
	out := make([]core.BadgeDefinition, len(s.defs))
	copy(out, s.defs)
	return out, nil
}

// Len reports the number of definitions.
func (s *Snapshot) Len() int { return len(s.defs) }

type file struct {
	Badges []core.BadgeDefinition `yaml:"badges"`
}

// Parse decodes a catalog document. JSON input is accepted as well since it
// is valid YAML.
func Parse(data []byte) (*Snapshot, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse badge catalog: %w", err)
	}
	return New(f.Badges)
}

// Load reads a catalog file from disk.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read badge catalog: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault loads path, or returns Default when path is empty.
func LoadOrDefault(path string) (*Snapshot, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Default returns the built-in starter catalog.
func Default() *Snapshot {
	s, err := New(defaultBadges)
	if err != nil {
		panic(err)
	}
	return s
}

var defaultBadges = []core.BadgeDefinition{
	{Name: "First Mission", Description: "Complete your first mission", Icon: "rocket", Category: core.CategoryMissionCount, Threshold: 1},
	{Name: "Ten Missions", Description: "Complete 10 missions", Icon: "target", Category: core.CategoryMissionCount, Threshold: 10},
	{Name: "Fifty Missions", Description: "Complete 50 missions", Icon: "trophy", Category: core.CategoryMissionCount, Threshold: 50},
	{Name: "Three Day Streak", Description: "Study 3 days in a row", Icon: "flame", Category: core.CategoryStreakLength, Threshold: 3},
	{Name: "Week Streak", Description: "Study 7 days in a row", Icon: "calendar", Category: core.CategoryStreakLength, Threshold: 7},
	{Name: "Month Streak", Description: "Study 30 days in a row", Icon: "crown", Category: core.CategoryStreakLength, Threshold: 30},
	{Name: "Level 5", Description: "Reach level 5", Icon: "star", Category: core.CategoryLevel, Threshold: 5},
	{Name: "Level 10", Description: "Reach level 10", Icon: "medal", Category: core.CategoryLevel, Threshold: 10},
	{Name: "Sharp Mind", Description: "Answer 5 questions in a row correctly", Icon: "brain", Category: core.CategoryConsecutiveCorrect, Threshold: 5},
	{Name: "Perfectionist", Description: "Answer 20 questions in a row correctly", Icon: "gem", Category: core.CategoryConsecutiveCorrect, Threshold: 20},
}
