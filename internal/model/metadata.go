package model

import (
	"fmt"
	"strings"
)

// Metadata is a nested mapping of string keys to scalars, lists or further
// mappings. Nested mappings are always stored as map[string]any so values
// decoded from json or yaml can be used without conversion.
type Metadata map[string]any

// ParseMetadata turns `a.b.c=value` pairs into a nested mapping. Later pairs
// override leaves set by earlier ones; descending through a scalar set by an
// earlier pair is an error.
func ParseMetadata(pairs []string) (Metadata, error) {
	m := Metadata{}

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, ConfigurationError{Field: "metadata", Msg: fmt.Sprintf("%q is not a key=value pair", pair)}
		}

		if err := m.Set(key, value); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func splitPath(path string) ([]string, error) {
	segments := strings.Split(path, ".")

	for _, s := range segments {
		if s == "" {
			return nil, ConfigurationError{Field: "metadata", Msg: fmt.Sprintf("%q contains an empty key segment", path)}
		}
	}

	return segments, nil
}

// Set stores value under the dotted path. A mapping value is merged into an
// existing mapping at that path with the new leaves taking precedence.
func (m Metadata) Set(path string, value any) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}

	node := map[string]any(m)

	for i, s := range segments[:len(segments)-1] {
		next, ok := node[s]
		if !ok {
			child := map[string]any{}
			node[s] = child
			node = child
			continue
		}

		child, ok := asMap(next)
		if !ok {
			return ConfigurationError{
				Field: "metadata",
				Msg:   fmt.Sprintf("%q descends through scalar %q", path, strings.Join(segments[:i+1], ".")),
			}
		}
		node[s] = child
		node = child
	}

	leaf := segments[len(segments)-1]

	if incoming, ok := asMap(value); ok {
		if existing, ok := asMap(node[leaf]); ok {
			overlay(existing, incoming)
			node[leaf] = existing
			return nil
		}
		node[leaf] = cloneValue(incoming)
		return nil
	}

	node[leaf] = cloneValue(value)

	return nil
}

// Get returns the value stored under the dotted path.
func (m Metadata) Get(path string) (any, bool) {
	var current any = map[string]any(m)

	for _, s := range strings.Split(path, ".") {
		node, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = node[s]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// Clone returns a deep copy of all nested mappings and lists.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}

	return Metadata(cloneValue(map[string]any(m)).(map[string]any))
}

// MergeMetadata deep merges two layers. Leaves of high win over leaves of low,
// mappings are merged recursively. A path that holds a scalar in one layer
// and a mapping in the other is a ConfigurationError regardless of which
// layer holds what, which keeps the merge associative.
func MergeMetadata(high, low Metadata) (Metadata, error) {
	merged := high.Clone()

	if err := mergeInto(merged, low, ""); err != nil {
		return nil, err
	}

	return merged, nil
}

// ResolveMetadata merges layers ordered from highest to lowest precedence,
// e.g. command line, environment, ini file, defaults.
func ResolveMetadata(layers ...Metadata) (Metadata, error) {
	resolved := Metadata{}

	for _, l := range layers {
		var err error
		if resolved, err = MergeMetadata(resolved, l); err != nil {
			return nil, err
		}
	}

	return resolved, nil
}

func mergeInto(dst, low map[string]any, prefix string) error {
	for k, lv := range low {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}

		hv, ok := dst[k]
		if !ok {
			dst[k] = cloneValue(lv)
			continue
		}

		hm, highIsMap := asMap(hv)
		lm, lowIsMap := asMap(lv)

		switch {
		case highIsMap && lowIsMap:
			if err := mergeInto(hm, lm, path); err != nil {
				return err
			}
			dst[k] = hm
		case highIsMap != lowIsMap:
			return ConfigurationError{
				Field: "metadata",
				Msg:   fmt.Sprintf("%q is a mapping in one source and a scalar in another", path),
			}
		}
	}

	return nil
}

// overlay writes src onto dst, src leaves win and conflicts are overwritten.
func overlay(dst, src map[string]any) {
	for k, v := range src {
		sm, ok := asMap(v)
		if !ok {
			dst[k] = cloneValue(v)
			continue
		}

		if dm, ok := asMap(dst[k]); ok {
			overlay(dm, sm)
			dst[k] = dm
			continue
		}

		dst[k] = cloneValue(sm)
	}
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Metadata:
		return map[string]any(t), true
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, v := range t {
			m[k] = v
		}
		return m, true
	}

	return nil, false
}

func cloneValue(v any) any {
	if m, ok := asMap(v); ok {
		c := make(map[string]any, len(m))
		for k, v := range m {
			c[k] = cloneValue(v)
		}
		return c
	}

	if l, ok := v.([]any); ok {
		c := make([]any, len(l))
		for i, v := range l {
			c[i] = cloneValue(v)
		}
		return c
	}

	return v
}
