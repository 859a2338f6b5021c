package state

// Patch is the shallow difference between two snapshots: top-level keys
// whose value was added or replaced, then keys that were removed. It is
// only meaningful against the exact snapshot it was computed from.
type Patch struct {
	Updated []Entry  `msgpack:"updated"`
	Deleted []string `msgpack:"deleted"`
}

func (p Patch) Empty() bool {
	return len(p.Updated) == 0 && len(p.Deleted) == 0
}

// Diff lists keys of next that are new or not Same as in prev (in next's
// key order), then keys of prev missing from next (in prev's key order).
// Diff(s, s) is always empty.
func Diff(prev, next Snapshot) (patch Patch) {
	for _, k := range next.keys {
		nv := next.vals[k]
		pv, ok := prev.vals[k]
		if !ok || !Same(pv, nv) {
			patch.Updated = append(patch.Updated, Entry{Key: k, Value: nv})
		}
	}
	for _, k := range prev.keys {
		if _, ok := next.vals[k]; !ok {
			patch.Deleted = append(patch.Deleted, k)
		}
	}
	return
}

// ApplyPatch returns base with the patch applied; base is left untouched.
// Replaced keys keep their position, added keys go to the end in patch
// order.
func ApplyPatch(base Snapshot, patch Patch) Snapshot {
	deleted := make(map[string]struct{}, len(patch.Deleted))
	for _, k := range patch.Deleted {
		deleted[k] = struct{}{}
	}
	res := Snapshot{
		keys: make([]string, 0, len(base.keys)+len(patch.Updated)),
		vals: make(map[string]any, len(base.keys)+len(patch.Updated)),
	}
	for _, k := range base.keys {
		if _, gone := deleted[k]; gone {
			continue
		}
		res.keys = append(res.keys, k)
		res.vals[k] = base.vals[k]
	}
	for _, e := range patch.Updated {
		if _, ok := res.vals[e.Key]; !ok {
			res.keys = append(res.keys, e.Key)
		}
		res.vals[e.Key] = e.Value
	}
	return res
}
