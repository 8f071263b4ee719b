package memory

import (
	"math/rand"

	"github.com/devrev/chaintable/internal/backend"
)

const (
	maxLevel    = 16
	probability = 0.5
)

type skipNode struct {
	key     string
	row     *backend.Row
	forward []*skipNode
}

// skipList keeps the rows of one table ordered by partition key then row key.
// It is not safe for concurrent use; the owning table serializes access.
type skipList struct {
	head  *skipNode
	level int
	size  int
}

func newSkipList() *skipList {
	return &skipList{head: &skipNode{forward: make([]*skipNode, maxLevel)}}
}

// rowKey orders partition keys first; NUL sorts below any printable key.
func rowKey(partitionKey, rk string) string {
	return partitionKey + "\x00" + rk
}

func (sl *skipList) randomLevel() int {
	level := 0
	for rand.Float64() < probability && level < maxLevel-1 {
		level++
	}
	return level
}

// findPredecessors fills update with the last node before key on every level.
func (sl *skipList) findPredecessors(key string, update []*skipNode) *skipNode {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < key {
			current = current.forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current.forward[0]
}

func (sl *skipList) put(key string, row *backend.Row) {
	update := make([]*skipNode, maxLevel)
	next := sl.findPredecessors(key, update)
	if next != nil && next.key == key {
		next.row = row
		return
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.level {
		for i := sl.level + 1; i <= newLevel; i++ {
			update[i] = sl.head
		}
		sl.level = newLevel
	}

	node := &skipNode{key: key, row: row, forward: make([]*skipNode, newLevel+1)}
	for i := 0; i <= newLevel; i++ {
		node.forward[i] = update[i].forward[i]
		update[i].forward[i] = node
	}
	sl.size++
}

func (sl *skipList) get(key string) (*backend.Row, bool) {
	next := sl.findPredecessors(key, nil)
	if next != nil && next.key == key {
		return next.row, true
	}
	return nil, false
}

func (sl *skipList) remove(key string) bool {
	update := make([]*skipNode, maxLevel)
	target := sl.findPredecessors(key, update)
	if target == nil || target.key != key {
		return false
	}

	for i := 0; i <= sl.level; i++ {
		if update[i].forward[i] != target {
			break
		}
		update[i].forward[i] = target.forward[i]
	}
	for sl.level > 0 && sl.head.forward[sl.level] == nil {
		sl.level--
	}
	sl.size--
	return true
}

// scan visits rows with key >= from in order until fn returns false.
func (sl *skipList) scan(from string, fn func(row *backend.Row) bool) {
	for node := sl.findPredecessors(from, nil); node != nil; node = node.forward[0] {
		if !fn(node.row) {
			return
		}
	}
}
