// Package feeds is the feed reader's state: reducers for the options,
// session and feeds slices, plus the feed detection round trip between
// the authority and page replicas.
//
// Slice values are pointers and are never modified once in a snapshot;
// every change builds new values along the changed path.
package feeds

import (
	"errors"

	"github.com/drpcorg/statebridge/envelope"
	"github.com/drpcorg/statebridge/state"
)

const (
	KeyOptions = "options"
	KeySession = "session"
	KeyFeeds   = "feeds"
)

var (
	ErrUnknownNode = errors.New("feeds: unknown node")
	ErrInvalidMove = errors.New("feeds: invalid move")
	ErrDuplicate   = errors.New("feeds: duplicate id")
	ErrBadValue    = errors.New("feeds: bad value")
)

type Options struct {
	FeedUpdatePeriodInMinutes int `msgpack:"feedUpdatePeriodInMinutes"`
	FetchThreadsCount         int `msgpack:"fetchThreadsCount"`
}

type Point struct {
	X int `msgpack:"x"`
	Y int `msgpack:"y"`
}

type Session struct {
	DetectedURL   string                  `msgpack:"detectedUrl,omitempty"`
	DetectedFeeds []envelope.DetectedFeed `msgpack:"detectedFeeds"`
	ContextMenu   *Point                  `msgpack:"contextMenu,omitempty"`
	DraggedID     string                  `msgpack:"draggedId,omitempty"`
}

type Item struct {
	ID    string `msgpack:"id"`
	Title string `msgpack:"title"`
	Link  string `msgpack:"link"`
	Read  bool   `msgpack:"read"`
}

type Feed struct {
	ID    string `msgpack:"id"`
	Title string `msgpack:"title"`
	URL   string `msgpack:"url"`
	Items []Item `msgpack:"items"`
}

type Folder struct {
	ID           string   `msgpack:"id"`
	Title        string   `msgpack:"title"`
	FeedIDs      []string `msgpack:"feedIds"`
	SubfolderIDs []string `msgpack:"subfolderIds"`
}

type NodeType int

const (
	NodeFeed NodeType = iota
	NodeFolder
)

type InsertMode int

const (
	Into InsertMode = iota
	Before
	After
)

// RootFolderID is the folder every tree starts from.
const RootFolderID = "root"

type FeedsState struct {
	Feeds          []Feed   `msgpack:"feeds"`
	Folders        []Folder `msgpack:"folders"`
	SelectedFeedID string   `msgpack:"selectedFeedId,omitempty"`
}

func (s *FeedsState) feed(id string) (int, bool) {
	for i := range s.Feeds {
		if s.Feeds[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

func (s *FeedsState) folder(id string) (int, bool) {
	for i := range s.Folders {
		if s.Folders[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

// Get reads a slice value out of a snapshot, typed on the authority or
// generic on a replica.
func Get[T any](snap state.Snapshot, key string) (*T, error) {
	switch v := snap.Value(key).(type) {
	case nil:
		return nil, nil
	case *T:
		return v, nil
	default:
		var out T
		if err := state.Decode(v, &out); err != nil {
			return nil, errors.Join(ErrBadValue, err)
		}
		return &out, nil
	}
}
