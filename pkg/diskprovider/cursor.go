package diskprovider

import (
	"github.com/bobboyms/memstore/pkg/btree"
	"github.com/bobboyms/memstore/pkg/types"
)

// Cursor walks a B+Tree's leaf chain in key order.
type Cursor struct {
	tree         *btree.BPlusTree
	currentNode  *btree.Node
	currentIndex int
}

// Close releases the lock held on the current leaf, if any.
func (c *Cursor) Close() {
	if c.currentNode != nil {
		c.currentNode.RUnlock()
		c.currentNode = nil
	}
}

// Key/Value return the entry the cursor currently sits on.
func (c *Cursor) Key() types.Comparable { return c.currentNode.Keys[c.currentIndex] }
func (c *Cursor) Value() int64          { return c.currentNode.DataPtrs[c.currentIndex] }
func (c *Cursor) Valid() bool           { return c.currentNode != nil && c.currentIndex < c.currentNode.N }

// Seek positions the cursor at key, or the first key after it.
func (c *Cursor) Seek(key types.Comparable) {
	c.Close()

	// FindLeafLowerBound returns the leaf already RLocked (latch crabbing);
	// the cursor holds onto that lock for thread-safe iteration.
	leaf, idx := c.tree.FindLeafLowerBound(key)

	if leaf == nil {
		c.currentNode = nil
		c.currentIndex = 0
		return
	}

	// idx past the leaf's entries means the match lives in the next leaf.
	if idx >= leaf.N {
		// leaf.Next is only ever mutated under a lock taken by splits; reading
		// it while holding our RLock is safe.
		nextLeaf := leaf.Next

		if nextLeaf != nil {
			nextLeaf.RLock() // lock coupling: acquire next before releasing current
			leaf.RUnlock()
			leaf = nextLeaf
			idx = 0
			// Skip past any empty leaves.
			for leaf != nil && leaf.N == 0 {
				next := leaf.Next
				if next != nil {
					next.RLock()
				}
				leaf.RUnlock()
				leaf = next
				idx = 0
			}
		} else {
			// End of the chain.
			leaf.RUnlock()
			c.currentNode = nil
			return
		}
	}

	if leaf == nil {
		c.currentNode = nil
		return
	}

	c.currentNode = leaf
	c.currentIndex = idx
}

// Next advances the cursor to the following entry.
func (c *Cursor) Next() bool {
	if c.currentNode == nil {
		return false
	}

	// Still entries left in the current leaf.
	if c.currentIndex+1 < c.currentNode.N {
		c.currentIndex++
		return true
	}

	// Cross into the next leaf with latch coupling: acquire its lock while
	// still holding the current one, so Next never reads a stale pointer.
	nextLeaf := c.currentNode.Next

	if nextLeaf != nil {
		nextLeaf.RLock()
	}

	c.currentNode.RUnlock()
	c.currentNode = nextLeaf
	c.currentIndex = 0

	// Skip any empty leaves, locking each as we pass through.
	for c.currentNode != nil && c.currentNode.N == 0 {
		next := c.currentNode.Next
		if next != nil {
			next.RLock()
		}
		c.currentNode.RUnlock()
		c.currentNode = next
		c.currentIndex = 0
	}

	if c.currentNode != nil {

		return true
	}

	return false
}
