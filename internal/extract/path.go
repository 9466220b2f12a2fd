package extract

import (
	"encoding/json"
	"sort"
	"strings"
)

// DefaultMaxDepth bounds how deep Lookup descends into a payload.
const DefaultMaxDepth = 64

// Finder performs deep path lookups with a depth bound.
type Finder struct {
	MaxDepth int
}

// Lookup searches node for the dotted path using the default depth bound.
func Lookup(node any, path string) any {
	return Finder{}.Lookup(node, path)
}

// Lookup searches node for the dotted path. Arrays are searched element by
// element; on objects the named key is tried first, then the same remaining
// path is tried under every key. The first non-empty match wins.
func (f Finder) Lookup(node any, path string) any {
	if path == "" {
		return nil
	}
	maxDepth := f.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	s := &search{
		keys:     strings.Split(path, "."),
		maxDepth: maxDepth,
		misses:   map[visit]struct{}{},
	}
	return s.find(node, 0, 0)
}

type visit struct {
	obj  *Object
	step int
}

type search struct {
	keys     []string
	maxDepth int
	misses   map[visit]struct{}
}

func (s *search) find(node any, step, depth int) any {
	if isEmpty(node) {
		return nil
	}
	if step == len(s.keys) {
		return node
	}
	if depth >= s.maxDepth {
		return nil
	}
	key := s.keys[step]
	switch n := node.(type) {
	case []any:
		for _, item := range n {
			if res := s.find(item, step, depth+1); res != nil {
				return res
			}
		}
	case *Object:
		v := visit{obj: n, step: step}
		if _, seen := s.misses[v]; seen {
			return nil
		}
		if child, ok := n.Values[key]; ok {
			if res := s.find(child, step+1, depth+1); res != nil {
				return res
			}
		}
		for _, k := range n.Keys {
			if res := s.find(n.Values[k], step, depth+1); res != nil {
				return res
			}
		}
		s.misses[v] = struct{}{}
	case map[string]any:
		if child, ok := n[key]; ok {
			if res := s.find(child, step+1, depth+1); res != nil {
				return res
			}
		}
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if res := s.find(n[k], step, depth+1); res != nil {
				return res
			}
		}
	}
	return nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case json.Number:
		f, err := t.Float64()
		return err == nil && f == 0
	case float64:
		return t == 0
	case int:
		return t == 0
	case int64:
		return t == 0
	case *Object:
		return t == nil
	default:
		return false
	}
}
