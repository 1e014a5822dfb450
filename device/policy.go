package device

import (
	"fmt"
	"strings"
)

type policyKey struct {
	source Source
	attr   Attribute
}

// SourcePolicy is the set of (source, attribute) pairs whose observations
// are discarded during reconciliation. It is parsed once at construction;
// the zero value disables nothing.
type SourcePolicy struct {
	disabled map[policyKey]struct{}
}

// ParseSourcePolicy parses a policy string of the form
// "API:power_state;HISTORY:online". Source and attribute names are
// case-insensitive, empty segments are skipped.
func ParseSourcePolicy(s string) (SourcePolicy, error) {
	p := SourcePolicy{disabled: make(map[policyKey]struct{})}
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		source, attr, ok := strings.Cut(pair, ":")
		if !ok {
			return SourcePolicy{}, fmt.Errorf("invalid source:attribute pair %q", pair)
		}
		src, err := parseSource(strings.TrimSpace(source))
		if err != nil {
			return SourcePolicy{}, err
		}
		at, err := parseAttribute(strings.TrimSpace(attr))
		if err != nil {
			return SourcePolicy{}, err
		}
		p.disabled[policyKey{src, at}] = struct{}{}
	}
	return p, nil
}

// Disabled reports whether observations from source for attr are ignored.
func (p SourcePolicy) Disabled(source Source, attr Attribute) bool {
	if p.disabled == nil {
		return false
	}
	_, ok := p.disabled[policyKey{source, attr}]
	return ok
}

// Len returns the number of disabled pairs.
func (p SourcePolicy) Len() int { return len(p.disabled) }

func parseSource(s string) (Source, error) {
	switch strings.ToLower(s) {
	case "api":
		return SourceAPI, nil
	case "history":
		return SourceHistory, nil
	}
	return "", fmt.Errorf("unknown source %q", s)
}

func parseAttribute(s string) (Attribute, error) {
	switch strings.ToLower(s) {
	case "online":
		return AttrOnline, nil
	case "power_state", "powerstate":
		return AttrPowerState, nil
	case "brightness":
		return AttrBrightness, nil
	case "color_temp", "colortem", "colortemp":
		return AttrColorTemp, nil
	case "color":
		return AttrColor, nil
	}
	return "", fmt.Errorf("unknown attribute %q", s)
}
