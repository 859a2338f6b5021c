package feeds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/statebridge/envelope"
	"github.com/drpcorg/statebridge/state"
	"github.com/drpcorg/statebridge/store"
)

func newStore() *store.Store {
	return store.New(Reducer(), InitialState())
}

func feedsOf(t *testing.T, snap state.Snapshot) *FeedsState {
	fs, err := Get[FeedsState](snap, KeyFeeds)
	require.NoError(t, err)
	return fs
}

func TestReducer_Initial(t *testing.T) {
	snap := InitialState()
	assert.Equal(t, []string{KeyOptions, KeySession, KeyFeeds}, snap.Keys())
	opts, err := Get[Options](snap, KeyOptions)
	require.NoError(t, err)
	assert.Equal(t, 30, opts.FeedUpdatePeriodInMinutes)
	assert.Equal(t, 4, opts.FetchThreadsCount)
	assert.Equal(t, RootFolderID, feedsOf(t, snap).Folders[0].ID)
}

func TestReducer_Options(t *testing.T) {
	st := newStore()
	before := st.GetState()

	after, err := st.Dispatch(ChangeUpdatePeriod(15))
	require.NoError(t, err)
	opts, _ := Get[Options](after, KeyOptions)
	assert.Equal(t, 15, opts.FeedUpdatePeriodInMinutes)
	assert.Equal(t, state.Patch{Updated: []state.Entry{{Key: KeyOptions, Value: opts}}}, state.Diff(before, after))

	_, err = st.Dispatch(ChangeUpdatePeriod(0))
	assert.ErrorIs(t, err, ErrBadValue)
	_, err = st.Dispatch(store.Action{Type: ActionChangeUpdatePeriod, Payload: "soon"})
	assert.ErrorIs(t, err, store.ErrBadPayload)
	assert.True(t, after.Equal(st.GetState()))
}

func TestReducer_Session(t *testing.T) {
	st := newStore()
	found := []envelope.DetectedFeed{{Title: "Blog", Href: "https://example.com/rss"}}

	snap, err := st.Dispatch(FeedsDetected("https://example.com", found))
	require.NoError(t, err)
	sess, _ := Get[Session](snap, KeySession)
	assert.Equal(t, "https://example.com", sess.DetectedURL)
	assert.Equal(t, found, sess.DetectedFeeds)

	snap, err = st.Dispatch(ShowContextMenu(Point{X: 3, Y: 4}))
	require.NoError(t, err)
	sess, _ = Get[Session](snap, KeySession)
	require.NotNil(t, sess.ContextMenu)
	assert.Equal(t, Point{X: 3, Y: 4}, *sess.ContextMenu)

	snap, err = st.Dispatch(HideContextMenu())
	require.NoError(t, err)
	sess, _ = Get[Session](snap, KeySession)
	assert.Nil(t, sess.ContextMenu)

	// hiding twice changes nothing
	again, err := st.Dispatch(HideContextMenu())
	require.NoError(t, err)
	assert.Empty(t, state.Diff(snap, again).Updated)

	snap, err = st.Dispatch(ChangeDragged("feed-1"))
	require.NoError(t, err)
	sess, _ = Get[Session](snap, KeySession)
	assert.Equal(t, "feed-1", sess.DraggedID)
}

func TestReducer_Feeds(t *testing.T) {
	st := newStore()
	feed := Feed{ID: "a", Title: "A", URL: "https://a.example/rss", Items: []Item{{ID: "i1"}, {ID: "i2"}}}

	_, err := st.Dispatch(AddFeed(feed, ""))
	require.NoError(t, err)
	_, err = st.Dispatch(AddFeed(feed, ""))
	assert.ErrorIs(t, err, ErrDuplicate)
	_, err = st.Dispatch(AddFolder(Folder{ID: "news", Title: "News"}, ""))
	require.NoError(t, err)
	_, err = st.Dispatch(AddFolder(Folder{ID: "x"}, "missing"))
	assert.ErrorIs(t, err, ErrUnknownNode)

	snap, err := st.Dispatch(MoveNode(MoveNodePayload{
		MovedNode:    MovedNode{NodeID: "a", NodeType: NodeFeed},
		TargetNodeID: "news",
		Mode:         Into,
	}))
	require.NoError(t, err)
	fs := feedsOf(t, snap)
	assert.Empty(t, fs.Folders[0].FeedIDs)
	assert.Equal(t, []string{"news"}, fs.Folders[0].SubfolderIDs)
	assert.Equal(t, []string{"a"}, fs.Folders[1].FeedIDs)

	_, err = st.Dispatch(SelectFeed("a"))
	require.NoError(t, err)
	_, err = st.Dispatch(SelectFeed("zzz"))
	assert.ErrorIs(t, err, ErrUnknownNode)

	snap, err = st.Dispatch(ItemRead("a", "i2"))
	require.NoError(t, err)
	fs = feedsOf(t, snap)
	assert.False(t, fs.Feeds[0].Items[0].Read)
	assert.True(t, fs.Feeds[0].Items[1].Read)
	assert.Equal(t, "a", fs.SelectedFeedID)

	snap, err = st.Dispatch(RemoveFeed("a"))
	require.NoError(t, err)
	fs = feedsOf(t, snap)
	assert.Empty(t, fs.Feeds)
	assert.Empty(t, fs.Folders[1].FeedIDs)
	assert.Empty(t, fs.SelectedFeedID)
}

func TestReducer_UnknownAction(t *testing.T) {
	st := newStore()
	_, err := st.Dispatch(store.Action{Type: "feeds/unheardOf"})
	assert.ErrorIs(t, err, store.ErrUnknownAction)
}

func TestReducer_StateLoaded(t *testing.T) {
	st := newStore()
	_, err := st.Dispatch(ChangeUpdatePeriod(5))
	require.NoError(t, err)
	_, err = st.Dispatch(AddFeed(Feed{ID: "a", Title: "A"}, ""))
	require.NoError(t, err)
	_, err = st.Dispatch(ShowContextMenu(Point{X: 1, Y: 1}))
	require.NoError(t, err)

	// what a persister hands back: generic values
	var saved map[string]any
	require.NoError(t, state.Decode(st.GetState(), &saved))
	loaded := state.New(
		state.Entry{Key: KeyOptions, Value: saved[KeyOptions]},
		state.Entry{Key: KeySession, Value: saved[KeySession]},
		state.Entry{Key: KeyFeeds, Value: saved[KeyFeeds]},
	)

	fresh := newStore()
	snap, err := fresh.Dispatch(store.Action{Type: store.ActionStateLoaded, Payload: loaded})
	require.NoError(t, err)

	opts, _ := Get[Options](snap, KeyOptions)
	assert.Equal(t, 5, opts.FeedUpdatePeriodInMinutes)
	assert.Equal(t, "A", feedsOf(t, snap).Feeds[0].Title)
	sess, _ := Get[Session](snap, KeySession)
	assert.Nil(t, sess.ContextMenu)

	// keys missing from the saved state keep their initial value
	snap, err = newStore().Dispatch(store.Action{Type: store.ActionStateLoaded, Payload: state.New()})
	require.NoError(t, err)
	opts, _ = Get[Options](snap, KeyOptions)
	assert.Equal(t, 30, opts.FeedUpdatePeriodInMinutes)
}
