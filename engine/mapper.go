package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/goliatone/go-syncbridge/core"
)

// FieldRule copies one dot-path from the origin schema to one dot-path in the
// destination schema.
type FieldRule struct {
	SourcePath string
	TargetPath string
}

type MapResult struct {
	Output  map[string]any
	Dropped []string
}

// FieldMapper translates payloads between the two platform schemas with a
// declarative rule table per direction. Fields without a rule never cross.
type FieldMapper struct {
	rules map[core.SyncDirection][]FieldRule
}

func NewFieldMapper(rules map[core.SyncDirection][]FieldRule) (*FieldMapper, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("engine: at least one mapping rule set is required")
	}
	cleaned := make(map[core.SyncDirection][]FieldRule, len(rules))
	for direction, directionRules := range rules {
		if err := direction.Validate(); err != nil {
			return nil, err
		}
		out := make([]FieldRule, 0, len(directionRules))
		for _, rule := range directionRules {
			source := normalizePath(rule.SourcePath)
			target := normalizePath(rule.TargetPath)
			if source == "" || target == "" {
				return nil, fmt.Errorf("engine: mapping rule for %s needs source and target paths", direction)
			}
			out = append(out, FieldRule{SourcePath: source, TargetPath: target})
		}
		cleaned[direction] = out
	}
	return &FieldMapper{rules: cleaned}, nil
}

// Map translates a JSON payload for the direction. Dropped lists the
// top-level origin fields no rule consumed.
func (m *FieldMapper) Map(direction core.SyncDirection, payload []byte) (MapResult, error) {
	if m == nil {
		return MapResult{}, fmt.Errorf("engine: field mapper is not configured")
	}
	rules, ok := m.rules[direction]
	if !ok {
		return MapResult{}, fmt.Errorf("engine: no mapping rules for direction %s", direction)
	}

	input := map[string]any{}
	if err := json.Unmarshal(payload, &input); err != nil {
		return MapResult{}, core.NewValidationError("engine: payload is not a JSON object: " + err.Error())
	}

	output := map[string]any{}
	consumed := map[string]struct{}{}
	for _, rule := range rules {
		value, found := lookupPathValue(input, rule.SourcePath)
		if !found {
			continue
		}
		setPathValue(output, rule.TargetPath, value)
		consumed[rootSegment(rule.SourcePath)] = struct{}{}
	}

	var dropped []string
	for key := range input {
		if _, ok := consumed[key]; !ok {
			dropped = append(dropped, key)
		}
	}
	sort.Strings(dropped)

	return MapResult{Output: output, Dropped: dropped}, nil
}

func rootSegment(path string) string {
	if idx := strings.Index(path, "."); idx >= 0 {
		return path[:idx]
	}
	return path
}

func normalizePath(path string) string {
	return strings.Trim(strings.TrimSpace(path), ".")
}

func lookupPathValue(root map[string]any, path string) (any, bool) {
	if root == nil {
		return nil, false
	}
	current := any(root)
	for _, part := range strings.Split(path, ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, false
		}
		asMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		next, exists := asMap[part]
		if !exists {
			return nil, false
		}
		current = next
	}
	return current, true
}

func setPathValue(root map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := root
	for idx, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return
		}
		if idx == len(parts)-1 {
			current[part] = value
			return
		}
		next, exists := current[part]
		if !exists {
			child := make(map[string]any)
			current[part] = child
			current = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			child = make(map[string]any)
			current[part] = child
		}
		current = child
	}
}
