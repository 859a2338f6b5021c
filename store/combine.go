package store

import (
	"errors"

	"github.com/drpcorg/statebridge/state"
)

// SliceReducer owns the value under one top-level key. It returns the
// value unchanged (same reference) for actions it does not handle.
type SliceReducer func(value any, action Action) (any, error)

// Slice pairs a top-level key with its reducer and initial value.
type Slice struct {
	Key     string
	Initial any
	Reduce  SliceReducer
}

// Combine builds a Reducer from slices. Each slice sees only its key;
// keys whose reducer returned the same reference are left alone, so an
// action touching one slice yields a one-key patch. Slices reporting
// ErrUnknownAction are skipped; if every slice does, so does Combine.
func Combine(slices ...Slice) Reducer {
	return func(prev state.Snapshot, action Action) (state.Snapshot, error) {
		next := prev
		handled := false
		for _, sl := range slices {
			cur, ok := prev.Get(sl.Key)
			if !ok {
				cur = sl.Initial
			}
			val, err := sl.Reduce(cur, action)
			if errors.Is(err, ErrUnknownAction) {
				val, err = cur, nil
			} else {
				handled = true
			}
			if err != nil {
				return prev, err
			}
			if !ok || !state.Same(cur, val) {
				next = next.Set(sl.Key, val)
			}
		}
		if !handled {
			return prev, ErrUnknownAction
		}
		return next, nil
	}
}

// InitialState is the snapshot of every slice's initial value.
func InitialState(slices ...Slice) state.Snapshot {
	entries := make([]state.Entry, 0, len(slices))
	for _, sl := range slices {
		entries = append(entries, state.Entry{Key: sl.Key, Value: sl.Initial})
	}
	return state.New(entries...)
}
