package consensus

import "fmt"

// Extends reports whether node descends from ancestor (or is it). The walk
// stops once it drops below the ancestor's height.
func Extends[A NodeAddressable, P Payload](tx ShardStoreTx[A, P], node HotStuffTreeNode[A, P], ancestor TreeNodeHash, ancestorHeight NodeHeight) (bool, error) {
	if ancestor.IsZero() {
		return true, nil
	}
	cur := node
	for cur.Height() > ancestorHeight {
		parent, err := tx.GetNode(cur.Parent())
		if err != nil {
			return false, fmt.Errorf("walk to %s: %w", ancestor, err)
		}
		cur = parent
	}
	return cur.Height() == ancestorHeight && cur.Hash() == ancestor, nil
}

// SafeNode is the HotStuff voting rule: vote for node only if it extends the
// locked node, or if its justification is newer than the lock.
func SafeNode[A NodeAddressable, P Payload](tx ShardStoreTx[A, P], node HotStuffTreeNode[A, P]) (bool, error) {
	locked, lockedHeight, err := tx.GetLockedNodeHashAndHeight(node.Shard())
	if err != nil {
		return false, err
	}
	if locked.IsZero() || node.Justify().LocalNodeHeight > lockedHeight {
		return true, nil
	}
	return Extends(tx, node, locked, lockedHeight)
}

// CanVote enforces one vote per node height, except that a later leader round
// may collect a fresh vote at the same height.
func CanVote(lastHeight NodeHeight, lastRound uint32, height NodeHeight, round uint32) bool {
	if height > lastHeight {
		return true
	}
	return height == lastHeight && round > lastRound
}
