// Package sourceaction parses the post-processing actions configured for a
// report source (when_done, when_failed).
//
// Each entry is a bare action name ("mark_seen", "delete") or "move_to:<folder>".
// Malformed and unknown entries are dropped rather than reported, and
// duplicates collapse onto their first occurrence.
package sourceaction

import (
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Type string

const (
	MarkSeen Type = "mark_seen"
	MoveTo   Type = "move_to"
	Delete   Type = "delete"
)

type Action struct {
	Type  Type
	Param string
}

func (a Action) String() string {
	if a.Param == "" {
		return string(a.Type)
	}
	return string(a.Type) + ":" + a.Param
}

// Flags tune parsing for a kind of source.
type Flags uint

const (
	// FlagBasename drops move_to targets that contain a path separator.
	FlagBasename Flags = 1 << iota
)

// Setting is an action list as written in the configuration: a single string
// or a list of strings.
type Setting []string

func (s *Setting) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v string
		if err := node.Decode(&v); err != nil {
			return err
		}
		if strings.TrimSpace(v) == "" {
			*s = nil
			return nil
		}
		*s = Setting{v}
		return nil
	case yaml.SequenceNode:
		var v []string
		if err := node.Decode(&v); err != nil {
			return err
		}
		*s = v
		return nil
	}
	return errors.Errorf("line %d: an action list must be a string or a list of strings", node.Line)
}

// FromSetting turns raw into actions. When raw is empty the defaultAction entry
// is parsed instead; an invalid default yields no actions.
func FromSetting(raw Setting, flags Flags, defaultAction string) []Action {
	actions := parse(raw, flags)
	if len(actions) == 0 && len(raw) == 0 && defaultAction != "" {
		actions = parse(Setting{defaultAction}, flags)
	}
	return actions
}

func parse(raw Setting, flags Flags) []Action {
	var out []Action
	seen := make(map[Action]struct{}, len(raw))
	for _, entry := range raw {
		action, ok := parseEntry(entry, flags)
		if !ok {
			continue
		}
		if _, dup := seen[action]; dup {
			continue
		}
		seen[action] = struct{}{}
		out = append(out, action)
	}
	return out
}

func parseEntry(entry string, flags Flags) (Action, bool) {
	name, param, hasParam := strings.Cut(strings.TrimSpace(entry), ":")
	switch Type(name) {
	case MarkSeen, Delete:
		if hasParam {
			return Action{}, false
		}
		return Action{Type: Type(name)}, true
	case MoveTo:
		if param == "" {
			return Action{}, false
		}
		if flags&FlagBasename != 0 && strings.ContainsAny(param, `/\`) {
			return Action{}, false
		}
		return Action{Type: MoveTo, Param: param}, true
	}
	return Action{}, false
}
