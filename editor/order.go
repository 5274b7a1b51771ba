package editor

import (
	"sort"

	"github.com/alimasry/go-note-collab/store"
)

// minOrderGap is the point where midpoint insertion has exhausted the
// float precision budget and orders need to be rewritten.
const minOrderGap = 1e-6

// InsertOrder computes the order value for a block inserted at index in
// a slice already sorted by order. Orders are fractional so an insert
// between neighbors never touches other blocks.
func InsertOrder(blocks []store.Block, index int) float64 {
	if len(blocks) == 0 {
		return 0
	}
	if index <= 0 {
		return blocks[0].Order - 1
	}
	if index >= len(blocks) {
		return blocks[len(blocks)-1].Order + 1
	}
	return (blocks[index-1].Order + blocks[index].Order) / 2
}

// OrderAfter computes the order for a block inserted right after the
// block at index.
func OrderAfter(blocks []store.Block, index int) float64 {
	return InsertOrder(blocks, index+1)
}

// DropOrder computes the order for a block dropped onto the block at
// targetIndex. Dropping above nudges just before the target, dropping
// below just after.
func DropOrder(blocks []store.Block, targetIndex int, above bool) float64 {
	if targetIndex < 0 || targetIndex >= len(blocks) {
		return InsertOrder(blocks, len(blocks))
	}
	if above {
		return blocks[targetIndex].Order - 0.5
	}
	return blocks[targetIndex].Order + 0.5
}

// SortBlocks sorts blocks by order, breaking ties by ID.
func SortBlocks(blocks []store.Block) {
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].Order != blocks[j].Order {
			return blocks[i].Order < blocks[j].Order
		}
		return blocks[i].ID < blocks[j].ID
	})
}

// NeedsNormalization reports whether any adjacent pair of orders is too
// close for further midpoint splits.
func NeedsNormalization(blocks []store.Block) bool {
	for i := 1; i < len(blocks); i++ {
		if blocks[i].Order-blocks[i-1].Order < minOrderGap {
			return true
		}
	}
	return false
}

// NormalizeOrders rewrites orders to consecutive integers starting at 1,
// preserving the current sequence.
func NormalizeOrders(blocks []store.Block) {
	for i := range blocks {
		blocks[i].Order = float64(i + 1)
	}
}
