// Package state holds the application state tree as the bridge sees it: an
// ordered mapping of top-level keys to values, and the shallow diff/patch
// pair that keeps replicas in step with the authority.
//
// # Immutability contract
//
// A Snapshot and every value reachable from it are never mutated after the
// snapshot is published. Diff compares top-level values by identity, so a
// reducer that changes anything nested under a key MUST put a new reference
// (a new pointer, map or slice) under that key. A value edited in place
// keeps its identity and the change is silently lost to every replica.
package state

import (
	"bytes"
	"reflect"
	"sort"
	"unsafe"

	"github.com/vmihailenco/msgpack/v5"
)

// Entry is one top-level key with its value.
type Entry struct {
	Key   string `msgpack:"k"`
	Value any    `msgpack:"v"`
}

// Snapshot is the full state at an instant. The zero value is an empty
// snapshot. Keys keep their insertion order.
type Snapshot struct {
	keys []string
	vals map[string]any
}

func New(entries ...Entry) Snapshot {
	s := Snapshot{
		keys: make([]string, 0, len(entries)),
		vals: make(map[string]any, len(entries)),
	}
	for _, e := range entries {
		if _, ok := s.vals[e.Key]; !ok {
			s.keys = append(s.keys, e.Key)
		}
		s.vals[e.Key] = e.Value
	}
	return s
}

// FromMap builds a snapshot with keys in lexical order.
func FromMap(m map[string]any) Snapshot {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, Entry{Key: k, Value: m[k]})
	}
	return New(entries...)
}

func (s Snapshot) Len() int {
	return len(s.keys)
}

func (s Snapshot) Keys() []string {
	return append([]string(nil), s.keys...)
}

func (s Snapshot) Get(key string) (value any, ok bool) {
	value, ok = s.vals[key]
	return
}

// Value is Get without the presence flag.
func (s Snapshot) Value(key string) any {
	return s.vals[key]
}

func (s Snapshot) Range(f func(key string, value any) bool) {
	for _, k := range s.keys {
		if !f(k, s.vals[k]) {
			return
		}
	}
}

func (s Snapshot) Entries() []Entry {
	entries := make([]Entry, 0, len(s.keys))
	for _, k := range s.keys {
		entries = append(entries, Entry{Key: k, Value: s.vals[k]})
	}
	return entries
}

// Set returns a copy of s with key set; an existing key keeps its position.
func (s Snapshot) Set(key string, value any) Snapshot {
	return ApplyPatch(s, Patch{Updated: []Entry{{Key: key, Value: value}}})
}

func (s Snapshot) Delete(key string) Snapshot {
	return ApplyPatch(s, Patch{Deleted: []string{key}})
}

// Map copies the snapshot into a plain map, mostly for assertions and
// printing.
func (s Snapshot) Map() map[string]any {
	m := make(map[string]any, len(s.keys))
	for _, k := range s.keys {
		m[k] = s.vals[k]
	}
	return m
}

// Equal is shallow: same key set, and Same values under every key. Key
// order is not compared.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s.keys) != len(other.keys) {
		return false
	}
	for _, k := range s.keys {
		ov, ok := other.vals[k]
		if !ok || !Same(s.vals[k], ov) {
			return false
		}
	}
	return true
}

// Same reports top-level value identity: pointer identity for reference
// kinds, backing array and length for slices, == for comparable values.
// Values == cannot settle (structs holding slices, funcs, NaN) are the same
// when they share one interface box, which holds for any copy of a
// snapshot value.
func Same(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Map, reflect.Pointer, reflect.Chan, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	}
	if va.Comparable() && vb.Comparable() && va.Equal(vb) {
		return true
	}
	return box(a) == box(b)
}

// eface is the runtime layout of an empty interface.
type eface struct {
	typ  unsafe.Pointer
	data unsafe.Pointer
}

// box is the data word of v: the boxed copy for values that are not
// pointer shaped, the pointer itself otherwise.
func box(v any) unsafe.Pointer {
	return (*eface)(unsafe.Pointer(&v)).data
}

var _ msgpack.CustomEncoder = Snapshot{}
var _ msgpack.CustomDecoder = (*Snapshot)(nil)

// EncodeMsgpack writes the snapshot as a msgpack map in key order.
func (s Snapshot) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(len(s.keys)); err != nil {
		return err
	}
	for _, k := range s.keys {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := enc.Encode(s.vals[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Snapshot) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	if n < 0 {
		*s = Snapshot{}
		return nil
	}
	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		var e Entry
		if e.Key, err = dec.DecodeString(); err != nil {
			return err
		}
		if err = dec.Decode(&e.Value); err != nil {
			return err
		}
		entries = append(entries, e)
	}
	*s = New(entries...)
	return nil
}

// Decode converts a snapshot value (typed on the authority, generic maps on
// a replica) into the typed value into points at. Generic targets get the
// same loose types a value has after crossing the wire.
func Decode(value any, into any) error {
	raw, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(into)
}
