// Package classify maps process display names to (group, subgroup) label
// pairs using a static rule table loaded once at startup.
package classify

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml"
)

//go:embed rules.toml
var builtinRules []byte

const (
	// GroupOther is the catch-all group for unmatched processes.
	GroupOther = "other"
	// SubgroupUnknown is the raw subgroup of unmatched processes. It is
	// normalized away before export (see ClassifyPolicy).
	SubgroupUnknown = "unknown"
)

// Label is the (group, subgroup) classification of a process.
type Label struct {
	Group    string
	Subgroup string
}

// rule is one [[subgroups]] block in a rule file. Both matches and
// cmdline_matches map a name key onto the same label pair; they are kept
// separate in the file format for readability of hand-written rules.
type rule struct {
	Group          string   `toml:"group"`
	Subgroup       string   `toml:"subgroup"`
	Matches        []string `toml:"matches"`
	CmdlineMatches []string `toml:"cmdline_matches"`
}

type ruleFile struct {
	Subgroups []rule `toml:"subgroups"`
}

// Table is an immutable name -> label mapping. Built once at startup and
// shared by reference; no lock is needed since it is never mutated after
// construction.
type Table struct {
	rules map[string]Label
}

// LoadTable builds the table from the embedded built-in rules plus any of
// the given override files that exist. Later files win on key collisions.
// A missing override file is skipped silently; an unreadable or malformed
// one is reported but does not fail startup.
func LoadTable(overrides ...string) (*Table, []error) {
	t := &Table{rules: make(map[string]Label)}
	var errs []error

	if err := t.merge(builtinRules); err != nil {
		// The embedded file is part of the build; this only fires on a
		// broken release.
		errs = append(errs, fmt.Errorf("builtin rules: %w", err))
	}

	for _, path := range overrides {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				errs = append(errs, fmt.Errorf("read rules %s: %w", path, err))
			}
			continue
		}
		if err := t.merge(b); err != nil {
			errs = append(errs, fmt.Errorf("parse rules %s: %w", path, err))
		}
	}
	return t, errs
}

// NewTable builds a table directly from rule content, for tests and the
// check subcommand.
func NewTable(content []byte) (*Table, error) {
	t := &Table{rules: make(map[string]Label)}
	if err := t.merge(content); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) merge(content []byte) error {
	var rf ruleFile
	if err := toml.Unmarshal(content, &rf); err != nil {
		return err
	}
	for _, r := range rf.Subgroups {
		label := Label{Group: r.Group, Subgroup: r.Subgroup}
		for _, m := range r.Matches {
			t.rules[m] = label
		}
		for _, m := range r.CmdlineMatches {
			t.rules[m] = label
		}
	}
	return nil
}

// Len reports the number of match keys in the table.
func (t *Table) Len() int { return len(t.rules) }

// Rules returns a copy of the name -> label mapping, for diagnostics and
// synthetic sample generation.
func (t *Table) Rules() map[string]Label {
	out := make(map[string]Label, len(t.rules))
	for k, v := range t.rules {
		out[k] = v
	}
	return out
}

// Labels returns the distinct label pairs in the table, for diagnostics.
func (t *Table) Labels() []Label {
	seen := make(map[Label]struct{}, len(t.rules))
	out := make([]Label, 0, len(t.rules))
	for _, l := range t.rules {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

// Classify maps a process name to its label pair. Total: an unmatched
// name yields ("other", "unknown").
func (t *Table) Classify(name string) Label {
	if l, ok := t.rules[name]; ok {
		return l
	}
	return Label{Group: GroupOther, Subgroup: SubgroupUnknown}
}

// Policy is the user-configured classification filter applied on top of
// the raw table.
type Policy struct {
	// DisableOthers drops every process whose raw group is "other".
	DisableOthers bool
	// Mode is "", "include" or "exclude".
	Mode string
	// Groups and Subgroups are the allow/deny lists for Mode.
	Groups    []string
	Subgroups []string
}

// ClassifyPolicy classifies name and applies the policy. The second
// return is false when the process must be dropped from export entirely.
//
// Processes remaining in the "other" group (case-insensitive) have their
// subgroup normalized to "other" as well, so "unknown" never reaches
// output labels.
func (t *Table) ClassifyPolicy(name string, p Policy) (Label, bool) {
	l := t.Classify(name)

	if p.DisableOthers && l.Group == GroupOther {
		return Label{}, false
	}

	matched := contains(p.Groups, l.Group) || contains(p.Subgroups, l.Subgroup)
	switch p.Mode {
	case "include":
		if !matched {
			return Label{}, false
		}
	case "exclude":
		if matched {
			return Label{}, false
		}
	}

	if strings.EqualFold(l.Group, GroupOther) {
		return Label{Group: GroupOther, Subgroup: GroupOther}, true
	}
	return l, true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
