package fieldrules

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Values is the mutable value map of a form in progress, keyed by
// field name.
type Values map[string]any

// Record is the source record auto-population paths resolve against.
type Record map[string]any

// ShouldShow evaluates a definition's visibility rule against the
// current values. Rules only reference values, never another field's
// visibility, so a whole field set can be evaluated in a single pass.
//
// A rule whose referenced field is absent from the value map hides
// the field for equals/notEquals; contains fails open so a
// misconfigured rule cannot hide a field silently.
func ShouldShow(def Definition, values Values) bool {
	sw := def.ShowWhen
	if sw == nil {
		return true
	}

	ref, present := values[sw.Field]

	switch {
	case sw.Equals != nil:
		return present && reflect.DeepEqual(ref, sw.Equals)
	case sw.NotEquals != nil:
		return present && !reflect.DeepEqual(ref, sw.NotEquals)
	case sw.Contains != nil:
		return containsValue(ref, sw.Contains)
	}
	return true
}

// containsValue implements the contains operator: element membership
// for arrays, substring match for strings, fail-open otherwise.
func containsValue(ref, target any) bool {
	switch v := ref.(type) {
	case []any:
		for _, item := range v {
			if reflect.DeepEqual(item, target) {
				return true
			}
		}
		return false
	case []string:
		t := fmt.Sprintf("%v", target)
		for _, item := range v {
			if item == t {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(v, fmt.Sprintf("%v", target))
	default:
		return true
	}
}

// AutoPopulate computes the initial value for a field: the value at
// the definition's dotted source path, remapped through the transform
// table, falling back to the default value when the path is absent or
// resolves to nothing.
func AutoPopulate(def Definition, source Record) any {
	if def.AutoPopulateFrom == "" {
		return def.DefaultValue
	}

	raw := resolvePath(source, def.AutoPopulateFrom)
	if isEmpty(raw) {
		return def.DefaultValue
	}

	if def.AutoPopulateTransform != nil {
		key := fmt.Sprintf("%v", raw)
		if mapped, ok := def.AutoPopulateTransform[key]; ok {
			return mapped
		}
	}
	return raw
}

// Seed writes auto-populated values into the value map for every
// definition whose value is currently absent. It never overwrites a
// value the user or a prior seeding already set, so running it twice
// is a no-op.
func Seed(defs []Definition, values Values, source Record) {
	for _, def := range defs {
		if existing, ok := values[def.FieldName]; ok && existing != nil {
			continue
		}
		if v := AutoPopulate(def, source); v != nil {
			values[def.FieldName] = v
		}
	}
}

// resolvePath walks a dotted path through nested maps, returning nil
// as soon as a segment is missing.
func resolvePath(source Record, path string) any {
	segments := strings.Split(path, ".")
	var current any = map[string]any(source)

	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return current
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// GroupAndOrder partitions definitions by group and sorts each
// group's fields by order ascending. Missing order sorts as zero and
// ties keep declaration order. The group sequence itself preserves
// first-seen ordering; ungrouped definitions land in DefaultGroup.
func GroupAndOrder(defs []Definition) []Group {
	index := make(map[string]int)
	var groups []Group

	for _, def := range defs {
		name := def.Group
		if name == "" {
			name = DefaultGroup
		}
		i, ok := index[name]
		if !ok {
			i = len(groups)
			index[name] = i
			groups = append(groups, Group{Name: name})
		}
		groups[i].Fields = append(groups[i].Fields, def)
	}

	for i := range groups {
		fields := groups[i].Fields
		sort.SliceStable(fields, func(a, b int) bool {
			return orderOf(fields[a]) < orderOf(fields[b])
		})
	}
	return groups
}

func orderOf(def Definition) int {
	if def.Order == nil {
		return 0
	}
	return *def.Order
}
