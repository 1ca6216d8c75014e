package value

import "strings"

// DiffType classifies one DiffEntry.
type DiffType string

const (
	DiffAdded   DiffType = "added"
	DiffRemoved DiffType = "removed"
	DiffChanged DiffType = "changed"
)

// maxDiffDepth is the path depth below which nested maps are compared as a
// whole instead of key by key.
const maxDiffDepth = 4

// DiffEntry describes one difference between two state snapshots.
type DiffEntry struct {
	Type      DiffType `json:"type"`
	Path      string   `json:"path"`
	PrevValue Value    `json:"prevValue"`
	NextValue Value    `json:"nextValue"`
}

// ComputeStateDiff lists the differences between two sanitized snapshots.
// The result is empty exactly when prev and next are deeply equal.
//
// Paths are dotted map keys ("user.profile.name"); differences at the top
// level of a non-map value use the path "root". Lists are compared whole.
func ComputeStateDiff(prev, next Value) []DiffEntry {
	return diffAt(prev, next, "")
}

func diffAt(prev, next Value, path string) []DiffEntry {
	var diffs []DiffEntry

	if prev.IsNull() {
		if next.IsNull() {
			return nil
		}
		if next.kind == KindMap {
			for _, k := range next.keys {
				diffs = append(diffs, DiffEntry{Type: DiffAdded, Path: join(path, k), NextValue: next.fields[k]})
			}
			if len(diffs) == 0 {
				diffs = append(diffs, DiffEntry{Type: DiffAdded, Path: rootOr(path), NextValue: next})
			}
			return diffs
		}
		return []DiffEntry{{Type: DiffAdded, Path: rootOr(path), NextValue: next}}
	}

	if next.IsNull() {
		if prev.kind == KindMap {
			for _, k := range prev.keys {
				diffs = append(diffs, DiffEntry{Type: DiffRemoved, Path: join(path, k), PrevValue: prev.fields[k]})
			}
			if len(diffs) == 0 {
				diffs = append(diffs, DiffEntry{Type: DiffRemoved, Path: rootOr(path), PrevValue: prev})
			}
			return diffs
		}
		return []DiffEntry{{Type: DiffRemoved, Path: rootOr(path), PrevValue: prev}}
	}

	if !prev.composite() || !next.composite() || prev.kind == KindList || next.kind == KindList {
		if !Equal(prev, next) {
			diffs = append(diffs, DiffEntry{Type: DiffChanged, Path: rootOr(path), PrevValue: prev, NextValue: next})
		}
		return diffs
	}

	keys := append([]string(nil), prev.keys...)
	for _, k := range next.keys {
		if !prev.Has(k) {
			keys = append(keys, k)
		}
	}

	for _, k := range keys {
		current := join(path, k)
		prevVal, inPrev := prev.fields[k]
		nextVal, inNext := next.fields[k]

		switch {
		case !inPrev:
			diffs = append(diffs, DiffEntry{Type: DiffAdded, Path: current, NextValue: nextVal})
		case !inNext:
			diffs = append(diffs, DiffEntry{Type: DiffRemoved, Path: current, PrevValue: prevVal})
		case prevVal.composite() && nextVal.composite():
			if strings.Count(current, ".")+1 < maxDiffDepth {
				diffs = append(diffs, diffAt(prevVal, nextVal, current)...)
			} else if !Equal(prevVal, nextVal) {
				diffs = append(diffs, DiffEntry{Type: DiffChanged, Path: current, PrevValue: prevVal, NextValue: nextVal})
			}
		case !Equal(prevVal, nextVal):
			diffs = append(diffs, DiffEntry{Type: DiffChanged, Path: current, PrevValue: prevVal, NextValue: nextVal})
		}
	}
	return diffs
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func rootOr(path string) string {
	if path == "" {
		return "root"
	}
	return path
}
