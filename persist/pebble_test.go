package persist

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/drpcorg/statebridge/state"
	"github.com/drpcorg/statebridge/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, dir string) *Pebble {
	p, err := Open(dir, utils.NewDefaultLogger(slog.LevelError), Options{NoSync: true})
	require.NoError(t, err)
	return p
}

type folder struct {
	Title string   `msgpack:"title"`
	Items []string `msgpack:"items"`
}

func TestPebble_SaveLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p := open(t, dir)

	_, ok, err := p.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = p.SavedAt()
	require.NoError(t, err)
	assert.False(t, ok)

	snap := state.New(
		state.Entry{Key: "zz", Value: "last-first"},
		state.Entry{Key: "count", Value: 3},
		state.Entry{Key: "folder", Value: &folder{Title: "news", Items: []string{"a", "b"}}},
	)
	require.NoError(t, p.Save(ctx, snap))
	require.NoError(t, p.Save(ctx, snap.Delete("count")))
	require.NoError(t, p.Close())

	p = open(t, dir)
	defer p.Close()
	loaded, ok, err := p.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"zz", "folder"}, loaded.Keys())
	assert.Equal(t, "last-first", loaded.Value("zz"))
	assert.Equal(t, map[string]any{"title": "news", "items": []any{"a", "b"}}, loaded.Value("folder"))

	var f folder
	require.NoError(t, state.Decode(loaded.Value("folder"), &f))
	assert.Equal(t, folder{Title: "news", Items: []string{"a", "b"}}, f)

	at, ok, err := p.SavedAt()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), at, time.Minute)
}

func TestPebble_NextEpoch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p := open(t, dir)

	for want := uint64(1); want <= 3; want++ {
		got, err := p.NextEpoch(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	require.NoError(t, p.Close())

	p = open(t, dir)
	defer p.Close()
	got, err := p.NextEpoch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got, "epochs survive restarts")
}

func TestPebble_Collector(t *testing.T) {
	p := open(t, t.TempDir())
	defer p.Close()
	require.NoError(t, p.Save(context.Background(), state.New(state.Entry{Key: "k", Value: "v"})))

	reg := prometheus.NewRegistry()
	for _, c := range p.Metrics() {
		require.NoError(t, reg.Register(c))
	}
	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["statebridge_pebble_wal_files"])
	assert.True(t, names["statebridge_persist_saves"])
	assert.True(t, names["statebridge_persist_save_duration_seconds"])
}
