package domain

import (
	"fmt"
	"strings"
)

// Action is a retention mutation kind.
type Action string

const (
	ActionArchive Action = "archive"
	ActionDelete  Action = "delete"
)

// RetentionPolicy describes when a tenant's messages are archived and when
// archived messages are removed for good.
type RetentionPolicy struct {
	MaxAgeDays          int      `json:"max_age_days" yaml:"max_age_days"`
	ImportanceThreshold float64  `json:"importance_threshold" yaml:"importance_threshold"`
	DeleteAfterDays     int      `json:"delete_after_days" yaml:"delete_after_days"`
	Actions             []Action `json:"actions" yaml:"actions"`
}

// DefaultRetentionPolicy mirrors the defaults operators expect out of the box.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		MaxAgeDays:          30,
		ImportanceThreshold: 0.35,
		DeleteAfterDays:     90,
		Actions:             []Action{ActionArchive, ActionDelete},
	}
}

// Validate checks the policy bounds.
func (p RetentionPolicy) Validate() error {
	if p.MaxAgeDays < 0 {
		return &ValidationError{Field: "max_age_days", Reason: "must be >= 0"}
	}
	if p.DeleteAfterDays < 0 {
		return &ValidationError{Field: "delete_after_days", Reason: "must be >= 0"}
	}
	if p.ImportanceThreshold < 0 || p.ImportanceThreshold > 1 {
		return &ValidationError{Field: "importance_threshold", Reason: "must be within [0,1]"}
	}
	_, err := ParseActions(actionStrings(p.Actions))
	return err
}

// ActionSet is a set of retention actions.
type ActionSet map[Action]bool

// Has reports whether a is in the set.
func (s ActionSet) Has(a Action) bool { return s[a] }

// NewActionSet builds a set from a list of actions.
func NewActionSet(actions []Action) ActionSet {
	s := make(ActionSet, len(actions))
	for _, a := range actions {
		s[a] = true
	}
	return s
}

// ParseActions validates raw action names. Duplicates are collapsed.
func ParseActions(raw []string) ([]Action, error) {
	seen := make(map[Action]bool, len(raw))
	var out []Action
	for _, r := range raw {
		a := Action(strings.ToLower(strings.TrimSpace(r)))
		switch a {
		case ActionArchive, ActionDelete:
		default:
			return nil, &ValidationError{Field: "actions", Reason: fmt.Sprintf("unknown action %q", r)}
		}
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out, nil
}

func actionStrings(actions []Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = string(a)
	}
	return out
}
