package feeds

import (
	"fmt"
	"slices"
)

// parentOf finds the folder listing the node, or -1.
func (s *FeedsState) parentOf(id string, typ NodeType) int {
	for i := range s.Folders {
		ids := s.Folders[i].FeedIDs
		if typ == NodeFolder {
			ids = s.Folders[i].SubfolderIDs
		}
		if slices.Contains(ids, id) {
			return i
		}
	}
	return -1
}

// descends reports whether folder id is ancestor or anything below it.
func (s *FeedsState) descends(id, ancestor string) bool {
	seen := map[string]bool{}
	for cur := id; cur != ""; {
		if cur == ancestor {
			return true
		}
		if seen[cur] {
			return false
		}
		seen[cur] = true
		p := s.parentOf(cur, NodeFolder)
		if p < 0 {
			return false
		}
		cur = s.Folders[p].ID
	}
	return false
}

func children(f *Folder, typ NodeType) *[]string {
	if typ == NodeFolder {
		return &f.SubfolderIDs
	}
	return &f.FeedIDs
}

func moveNode(cur *FeedsState, p MoveNodePayload) (*FeedsState, error) {
	node, typ := p.MovedNode.NodeID, p.MovedNode.NodeType
	if typ != NodeFeed && typ != NodeFolder {
		return cur, fmt.Errorf("%w: node type %d", ErrBadValue, typ)
	}
	if p.Mode < Into || p.Mode > After {
		return cur, fmt.Errorf("%w: insert mode %d", ErrBadValue, p.Mode)
	}
	from := cur.parentOf(node, typ)
	if from < 0 {
		if _, ok := cur.feed(node); typ == NodeFeed && !ok {
			return cur, fmt.Errorf("%w: feed %s", ErrUnknownNode, node)
		}
		if _, ok := cur.folder(node); typ == NodeFolder && !ok {
			return cur, fmt.Errorf("%w: folder %s", ErrUnknownNode, node)
		}
	}
	if node == p.TargetNodeID {
		return cur, fmt.Errorf("%w: %s onto itself", ErrInvalidMove, node)
	}

	var to int
	switch p.Mode {
	case Into:
		fi, ok := cur.folder(p.TargetNodeID)
		if !ok {
			return cur, fmt.Errorf("%w: folder %s", ErrUnknownNode, p.TargetNodeID)
		}
		if fi == from {
			return cur, nil
		}
		to = fi
	default:
		to = cur.parentOf(p.TargetNodeID, typ)
		if to < 0 {
			return cur, fmt.Errorf("%w: sibling %s", ErrUnknownNode, p.TargetNodeID)
		}
	}
	if typ == NodeFolder && cur.descends(cur.Folders[to].ID, node) {
		return cur, fmt.Errorf("%w: folder %s into its own subtree", ErrInvalidMove, node)
	}

	next := *cur
	next.Folders = slices.Clone(cur.Folders)
	if from >= 0 {
		ids := children(&next.Folders[from], typ)
		*ids = without(*ids, node)
	}
	ids := children(&next.Folders[to], typ)
	list := without(*ids, node)
	var at int
	switch p.Mode {
	case Into:
		at = len(list)
	case Before:
		at = slices.Index(list, p.TargetNodeID)
	case After:
		at = slices.Index(list, p.TargetNodeID) + 1
	}
	*ids = slices.Insert(list, at, node)
	return &next, nil
}
