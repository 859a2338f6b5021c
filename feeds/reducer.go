package feeds

import (
	"fmt"
	"slices"

	"github.com/drpcorg/statebridge/envelope"
	"github.com/drpcorg/statebridge/state"
	"github.com/drpcorg/statebridge/store"
)

const (
	ActionChangeUpdatePeriod = "options/changeFeedUpdatePeriodInMinutes"

	ActionFeedsDetected   = "session/feedsDetected"
	ActionShowContextMenu = "session/showContextMenu"
	ActionHideContextMenu = "session/hideContextMenu"
	ActionChangeDragged   = "session/changeDragged"

	ActionAddFeed    = "feeds/addFeed"
	ActionRemoveFeed = "feeds/removeFeed"
	ActionSelectFeed = "feeds/selectFeed"
	ActionItemRead   = "feeds/itemRead"
	ActionAddFolder  = "feeds/addFolder"
	ActionMoveNode   = "feeds/moveNode"
)

type FeedsDetectedPayload struct {
	URL   string                  `msgpack:"url"`
	Feeds []envelope.DetectedFeed `msgpack:"feeds"`
}

type AddFeedPayload struct {
	Feed     Feed   `msgpack:"feed"`
	FolderID string `msgpack:"folderId"`
}

type ItemReadPayload struct {
	FeedID string `msgpack:"feedId"`
	ItemID string `msgpack:"itemId"`
}

type AddFolderPayload struct {
	Folder   Folder `msgpack:"folder"`
	ParentID string `msgpack:"parentId"`
}

type MovedNode struct {
	NodeID   string   `msgpack:"nodeId"`
	NodeType NodeType `msgpack:"nodeType"`
}

// MoveNodePayload moves a node into a folder (Into) or next to a sibling
// of the same type (Before, After).
type MoveNodePayload struct {
	MovedNode    MovedNode  `msgpack:"movedNode"`
	TargetNodeID string     `msgpack:"targetNodeId"`
	Mode         InsertMode `msgpack:"mode"`
}

func ChangeUpdatePeriod(minutes int) store.Action {
	return store.Action{Type: ActionChangeUpdatePeriod, Payload: minutes}
}

func FeedsDetected(url string, feeds []envelope.DetectedFeed) store.Action {
	return store.Action{Type: ActionFeedsDetected, Payload: FeedsDetectedPayload{URL: url, Feeds: feeds}}
}

func ShowContextMenu(at Point) store.Action {
	return store.Action{Type: ActionShowContextMenu, Payload: at}
}

func HideContextMenu() store.Action {
	return store.Action{Type: ActionHideContextMenu}
}

func ChangeDragged(id string) store.Action {
	return store.Action{Type: ActionChangeDragged, Payload: id}
}

func AddFeed(feed Feed, folderID string) store.Action {
	return store.Action{Type: ActionAddFeed, Payload: AddFeedPayload{Feed: feed, FolderID: folderID}}
}

func RemoveFeed(id string) store.Action {
	return store.Action{Type: ActionRemoveFeed, Payload: id}
}

func SelectFeed(id string) store.Action {
	return store.Action{Type: ActionSelectFeed, Payload: id}
}

func ItemRead(feedID, itemID string) store.Action {
	return store.Action{Type: ActionItemRead, Payload: ItemReadPayload{FeedID: feedID, ItemID: itemID}}
}

func AddFolder(folder Folder, parentID string) store.Action {
	return store.Action{Type: ActionAddFolder, Payload: AddFolderPayload{Folder: folder, ParentID: parentID}}
}

func MoveNode(p MoveNodePayload) store.Action {
	return store.Action{Type: ActionMoveNode, Payload: p}
}

func InitialOptions() *Options {
	return &Options{FeedUpdatePeriodInMinutes: 30, FetchThreadsCount: 4}
}

func InitialSession() *Session {
	return &Session{}
}

func InitialFeeds() *FeedsState {
	return &FeedsState{Folders: []Folder{{ID: RootFolderID}}}
}

// Slices are the reducer slices of the feed reader, in snapshot key order.
func Slices() []store.Slice {
	return []store.Slice{
		{Key: KeyOptions, Initial: InitialOptions(), Reduce: reduceOptions},
		{Key: KeySession, Initial: InitialSession(), Reduce: reduceSession},
		{Key: KeyFeeds, Initial: InitialFeeds(), Reduce: reduceFeeds},
	}
}

func Reducer() store.Reducer {
	return store.Combine(Slices()...)
}

func InitialState() state.Snapshot {
	return store.InitialState(Slices()...)
}

// rehydrate picks key out of a StateLoaded payload. A missing key keeps
// cur.
func rehydrate[T any](cur *T, action store.Action, key string) (*T, error) {
	saved, ok := action.Payload.(state.Snapshot)
	if !ok {
		return cur, fmt.Errorf("%w: %s payload is %T", store.ErrBadPayload, action.Type, action.Payload)
	}
	if _, ok := saved.Get(key); !ok {
		return cur, nil
	}
	v, err := Get[T](saved, key)
	if err != nil || v == nil {
		return cur, err
	}
	return v, nil
}

func reduceOptions(value any, action store.Action) (any, error) {
	cur := value.(*Options)
	switch action.Type {
	case store.ActionStateLoaded:
		return rehydrate(cur, action, KeyOptions)
	case ActionChangeUpdatePeriod:
		var minutes int
		if err := action.DecodePayload(&minutes); err != nil {
			return cur, err
		}
		if minutes <= 0 {
			return cur, fmt.Errorf("%w: update period %d", ErrBadValue, minutes)
		}
		if minutes == cur.FeedUpdatePeriodInMinutes {
			return cur, nil
		}
		next := *cur
		next.FeedUpdatePeriodInMinutes = minutes
		return &next, nil
	}
	return cur, store.ErrUnknownAction
}

func reduceSession(value any, action store.Action) (any, error) {
	cur := value.(*Session)
	switch action.Type {
	case store.ActionStateLoaded:
		// session state does not outlive the authority
		return cur, nil
	case ActionFeedsDetected:
		var p FeedsDetectedPayload
		if err := action.DecodePayload(&p); err != nil {
			return cur, err
		}
		next := *cur
		next.DetectedURL = p.URL
		next.DetectedFeeds = slices.Clone(p.Feeds)
		return &next, nil
	case ActionShowContextMenu:
		var at Point
		if err := action.DecodePayload(&at); err != nil {
			return cur, err
		}
		next := *cur
		next.ContextMenu = &at
		return &next, nil
	case ActionHideContextMenu:
		if cur.ContextMenu == nil {
			return cur, nil
		}
		next := *cur
		next.ContextMenu = nil
		return &next, nil
	case ActionChangeDragged:
		var id string
		if action.Payload != nil {
			if err := action.DecodePayload(&id); err != nil {
				return cur, err
			}
		}
		if id == cur.DraggedID {
			return cur, nil
		}
		next := *cur
		next.DraggedID = id
		return &next, nil
	}
	return cur, store.ErrUnknownAction
}

func reduceFeeds(value any, action store.Action) (any, error) {
	cur := value.(*FeedsState)
	switch action.Type {
	case store.ActionStateLoaded:
		return rehydrate(cur, action, KeyFeeds)
	case ActionAddFeed:
		var p AddFeedPayload
		if err := action.DecodePayload(&p); err != nil {
			return cur, err
		}
		return addFeed(cur, p)
	case ActionRemoveFeed:
		var id string
		if err := action.DecodePayload(&id); err != nil {
			return cur, err
		}
		return removeFeed(cur, id)
	case ActionSelectFeed:
		var id string
		if err := action.DecodePayload(&id); err != nil {
			return cur, err
		}
		if _, ok := cur.feed(id); !ok {
			return cur, fmt.Errorf("%w: feed %s", ErrUnknownNode, id)
		}
		if cur.SelectedFeedID == id {
			return cur, nil
		}
		next := *cur
		next.SelectedFeedID = id
		return &next, nil
	case ActionItemRead:
		var p ItemReadPayload
		if err := action.DecodePayload(&p); err != nil {
			return cur, err
		}
		return itemRead(cur, p)
	case ActionAddFolder:
		var p AddFolderPayload
		if err := action.DecodePayload(&p); err != nil {
			return cur, err
		}
		return addFolder(cur, p)
	case ActionMoveNode:
		var p MoveNodePayload
		if err := action.DecodePayload(&p); err != nil {
			return cur, err
		}
		return moveNode(cur, p)
	}
	return cur, store.ErrUnknownAction
}

func addFeed(cur *FeedsState, p AddFeedPayload) (*FeedsState, error) {
	if p.Feed.ID == "" {
		return cur, fmt.Errorf("%w: feed without id", ErrBadValue)
	}
	if _, ok := cur.feed(p.Feed.ID); ok {
		return cur, fmt.Errorf("%w: feed %s", ErrDuplicate, p.Feed.ID)
	}
	if p.FolderID == "" {
		p.FolderID = RootFolderID
	}
	fi, ok := cur.folder(p.FolderID)
	if !ok {
		return cur, fmt.Errorf("%w: folder %s", ErrUnknownNode, p.FolderID)
	}
	next := *cur
	next.Feeds = append(slices.Clone(cur.Feeds), p.Feed)
	next.Folders = slices.Clone(cur.Folders)
	next.Folders[fi].FeedIDs = append(slices.Clone(cur.Folders[fi].FeedIDs), p.Feed.ID)
	return &next, nil
}

func removeFeed(cur *FeedsState, id string) (*FeedsState, error) {
	i, ok := cur.feed(id)
	if !ok {
		return cur, fmt.Errorf("%w: feed %s", ErrUnknownNode, id)
	}
	next := *cur
	next.Feeds = slices.Delete(slices.Clone(cur.Feeds), i, i+1)
	next.Folders = slices.Clone(cur.Folders)
	for fi := range next.Folders {
		if slices.Contains(next.Folders[fi].FeedIDs, id) {
			next.Folders[fi].FeedIDs = without(next.Folders[fi].FeedIDs, id)
		}
	}
	if next.SelectedFeedID == id {
		next.SelectedFeedID = ""
	}
	return &next, nil
}

func itemRead(cur *FeedsState, p ItemReadPayload) (*FeedsState, error) {
	fi, ok := cur.feed(p.FeedID)
	if !ok {
		return cur, fmt.Errorf("%w: feed %s", ErrUnknownNode, p.FeedID)
	}
	ii := slices.IndexFunc(cur.Feeds[fi].Items, func(it Item) bool { return it.ID == p.ItemID })
	if ii < 0 {
		return cur, fmt.Errorf("%w: item %s", ErrUnknownNode, p.ItemID)
	}
	if cur.Feeds[fi].Items[ii].Read {
		return cur, nil
	}
	next := *cur
	next.Feeds = slices.Clone(cur.Feeds)
	next.Feeds[fi].Items = slices.Clone(cur.Feeds[fi].Items)
	next.Feeds[fi].Items[ii].Read = true
	return &next, nil
}

func addFolder(cur *FeedsState, p AddFolderPayload) (*FeedsState, error) {
	if p.Folder.ID == "" {
		return cur, fmt.Errorf("%w: folder without id", ErrBadValue)
	}
	if _, ok := cur.folder(p.Folder.ID); ok {
		return cur, fmt.Errorf("%w: folder %s", ErrDuplicate, p.Folder.ID)
	}
	if p.ParentID == "" {
		p.ParentID = RootFolderID
	}
	pi, ok := cur.folder(p.ParentID)
	if !ok {
		return cur, fmt.Errorf("%w: folder %s", ErrUnknownNode, p.ParentID)
	}
	next := *cur
	next.Folders = append(slices.Clone(cur.Folders), p.Folder)
	next.Folders[pi].SubfolderIDs = append(slices.Clone(cur.Folders[pi].SubfolderIDs), p.Folder.ID)
	return &next, nil
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
