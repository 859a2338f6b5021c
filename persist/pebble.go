// Package persist keeps the authority snapshot in a pebble database so a
// respawned authority starts from where the last one stopped.
//
// Layout: every top-level key lives under "S"+key as a msgpack value, the
// key order under "Mkeys", the epoch counter under "Mepoch" and the time
// of the last save under "Msaved".
package persist

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/statebridge/state"
	"github.com/drpcorg/statebridge/utils"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrCorrupt = errors.New("persist: corrupt record")

var (
	keyOrder = []byte("Mkeys")
	keyEpoch = []byte("Mepoch")
	keySaved = []byte("Msaved")
)

const (
	valuePrefix    = 'S'
	valuePrefixEnd = 'T'
)

type Options struct {
	// NoSync skips fsync on save; tests and demos only.
	NoSync bool
}

type Pebble struct {
	db   *pebble.DB
	log  utils.Logger
	opts Options

	epochLock sync.Mutex
}

func Open(dir string, log utils.Logger, opts Options) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Pebble{db: db, log: log, opts: opts}, nil
}

func (p *Pebble) writeOpts() *pebble.WriteOptions {
	if p.opts.NoSync {
		return pebble.NoSync
	}
	return pebble.Sync
}

func valueKey(key string) []byte {
	return append([]byte{valuePrefix}, key...)
}

// get returns a copy of the value, nil when absent.
func (p *Pebble) get(key []byte) ([]byte, error) {
	val, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return bytes.Clone(val), nil
}

func unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

// Load reads the last saved snapshot. Values come back in generic form
// (maps, slices, int64...); reducers decode them on rehydration.
func (p *Pebble) Load(ctx context.Context) (state.Snapshot, bool, error) {
	raw, err := p.get(keyOrder)
	if err != nil || raw == nil {
		return state.Snapshot{}, false, err
	}
	var keys []string
	if err := unmarshal(raw, &keys); err != nil {
		return state.Snapshot{}, false, fmt.Errorf("%w: key order: %w", ErrCorrupt, err)
	}

	entries := make([]state.Entry, 0, len(keys))
	for _, key := range keys {
		raw, err := p.get(valueKey(key))
		if err != nil {
			return state.Snapshot{}, false, err
		}
		if raw == nil {
			p.log.WarnCtx(ctx, "persist: listed key has no value", "key", key)
			continue
		}
		e := state.Entry{Key: key}
		if err := unmarshal(raw, &e.Value); err != nil {
			return state.Snapshot{}, false, fmt.Errorf("%w: %s: %w", ErrCorrupt, key, err)
		}
		entries = append(entries, e)
	}
	return state.New(entries...), true, nil
}

// Save replaces the stored snapshot in one batch.
func (p *Pebble) Save(ctx context.Context, snap state.Snapshot) error {
	start := time.Now()
	batch := p.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange([]byte{valuePrefix}, []byte{valuePrefixEnd}, nil); err != nil {
		return err
	}
	var err error
	snap.Range(func(key string, value any) bool {
		var raw []byte
		if raw, err = msgpack.Marshal(value); err != nil {
			err = fmt.Errorf("%s: %w", key, err)
			return false
		}
		err = batch.Set(valueKey(key), raw, nil)
		return err == nil
	})
	if err != nil {
		return err
	}

	order, err := msgpack.Marshal(snap.Keys())
	if err != nil {
		return err
	}
	if err := batch.Set(keyOrder, order, nil); err != nil {
		return err
	}
	saved, err := msgpack.Marshal(start)
	if err != nil {
		return err
	}
	if err := batch.Set(keySaved, saved, nil); err != nil {
		return err
	}
	if err := batch.Commit(p.writeOpts()); err != nil {
		return err
	}

	Saves.Inc()
	SaveDuration.Observe(time.Since(start).Seconds())
	p.log.DebugCtx(ctx, "persist: saved", "keys", snap.Len(), "took", time.Since(start))
	return nil
}

// NextEpoch increments and returns the stored epoch counter.
func (p *Pebble) NextEpoch(ctx context.Context) (uint64, error) {
	p.epochLock.Lock()
	defer p.epochLock.Unlock()

	raw, err := p.get(keyEpoch)
	if err != nil {
		return 0, err
	}
	var epoch uint64
	switch len(raw) {
	case 0:
	case 8:
		epoch = binary.BigEndian.Uint64(raw)
	default:
		return 0, fmt.Errorf("%w: epoch is %d bytes", ErrCorrupt, len(raw))
	}
	epoch++
	if err := p.db.Set(keyEpoch, binary.BigEndian.AppendUint64(nil, epoch), p.writeOpts()); err != nil {
		return 0, err
	}
	p.log.DebugCtx(ctx, "persist: epoch advanced", "epoch", epoch)
	return epoch, nil
}

// SavedAt is the time of the last Save.
func (p *Pebble) SavedAt() (time.Time, bool, error) {
	raw, err := p.get(keySaved)
	if err != nil || raw == nil {
		return time.Time{}, false, err
	}
	var at time.Time
	if err := msgpack.Unmarshal(raw, &at); err != nil {
		return time.Time{}, false, fmt.Errorf("%w: saved time: %w", ErrCorrupt, err)
	}
	return at, true, nil
}

func (p *Pebble) DB() *pebble.DB {
	return p.db
}

func (p *Pebble) Close() error {
	return p.db.Close()
}
