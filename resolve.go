package pocket

import (
	"encoding/json"
	"reflect"
)

// Strategy names a conflict resolution policy for field collisions.
type Strategy string

const (
	LastWriterWins  Strategy = "last-writer-wins"
	FieldLevelMerge Strategy = "field-level-merge"
	AutoMerge       Strategy = "auto"
	CustomMerge     Strategy = "custom"
)

// CustomResolver is user-supplied; the only strategy allowed to
// fail. The resolver does not catch its errors, the document-level
// caller decides whether to fall back or propagate.
type CustomResolver func(MergeConflict) (any, error)

type ResolverOptions struct {
	DefaultStrategy Strategy
	// FieldStrategies maps dotted path prefixes to strategies; the
	// longest matching prefix wins.
	FieldStrategies map[string]Strategy
	Custom          CustomResolver
}

func (o *ResolverOptions) SetDefaults() {
	if o.DefaultStrategy == "" {
		o.DefaultStrategy = LastWriterWins
	}
}

// MergeResolver is a pure function from a detected conflict to a
// resolved value. It never constructs conflicts and keeps no state
// across calls.
type MergeResolver struct {
	opts ResolverOptions
}

func NewMergeResolver(opts ResolverOptions) *MergeResolver {
	opts.SetDefaults()
	return &MergeResolver{opts: opts}
}

// StrategyFor picks the strategy by longest configured path prefix,
// else the document-wide default.
func (r *MergeResolver) StrategyFor(path []string) Strategy {
	best, bestLen := r.opts.DefaultStrategy, -1
	for prefix, strategy := range r.opts.FieldStrategies {
		n := prefixLen(prefix, path)
		if n > bestLen {
			best, bestLen = strategy, n
		}
	}
	return best
}

// prefixLen returns the segment count of the dotted prefix when it
// matches the path, else -1.
func prefixLen(prefix string, path []string) int {
	n := 0
	start := 0
	for i := 0; i <= len(prefix); i++ {
		if i < len(prefix) && prefix[i] != '.' {
			continue
		}
		if n >= len(path) || path[n] != prefix[start:i] {
			return -1
		}
		n++
		start = i + 1
	}
	return n
}

func (r *MergeResolver) Resolve(c MergeConflict) (any, error) {
	switch r.StrategyFor(c.Path) {
	case FieldLevelMerge:
		return resolveFieldMerge(c), nil
	case AutoMerge:
		return resolveAuto(c), nil
	case CustomMerge:
		if r.opts.Custom == nil {
			return c.ResolvedValue, nil
		}
		return r.opts.Custom(c)
	default:
		return c.ResolvedValue, nil
	}
}

// Resolution pairs one conflict with its outcome.
type Resolution struct {
	Conflict MergeConflict
	Value    any
	Err      error
}

// ResolveAll maps Resolve over a batch; resolutions are independent
// and order-insensitive.
func (r *MergeResolver) ResolveAll(conflicts []MergeConflict) []Resolution {
	ret := make([]Resolution, 0, len(conflicts))
	for _, c := range conflicts {
		v, err := r.Resolve(c)
		ret = append(ret, Resolution{Conflict: c, Value: v, Err: err})
	}
	return ret
}

// resolveFieldMerge shallow-merges remote over local when both sides
// are plain objects, else falls back to LWW.
func resolveFieldMerge(c MergeConflict) any {
	local, lok := c.LocalValue.(map[string]any)
	remote, rok := c.RemoteValue.(map[string]any)
	if !lok || !rok {
		return c.ResolvedValue
	}
	merged := make(map[string]any, len(local)+len(remote))
	for k, v := range local {
		merged[k] = v
	}
	for k, v := range remote {
		merged[k] = v
	}
	return merged
}

// resolveAuto: numbers sum, the longer string survives, arrays union
// up, anything else is LWW.
func resolveAuto(c MergeConflict) any {
	if ln, lok := toFloat(c.LocalValue); lok {
		if rn, rok := toFloat(c.RemoteValue); rok {
			return ln + rn
		}
	}
	if ls, lok := c.LocalValue.(string); lok {
		if rs, rok := c.RemoteValue.(string); rok {
			if len(ls) > len(rs) {
				return ls
			}
			if len(rs) > len(ls) {
				return rs
			}
			// equal length ties break lexicographically so both
			// replicas agree
			if ls > rs {
				return ls
			}
			return rs
		}
	}
	if la, lok := c.LocalValue.([]any); lok {
		if ra, rok := c.RemoteValue.([]any); rok {
			return unionArrays(la, ra)
		}
	}
	return c.ResolvedValue
}

func unionArrays(local, remote []any) []any {
	merged := append([]any(nil), local...)
	for _, rv := range remote {
		seen := false
		for _, lv := range merged {
			if reflect.DeepEqual(lv, rv) {
				seen = true
				break
			}
		}
		if !seen {
			merged = append(merged, rv)
		}
	}
	return merged
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
