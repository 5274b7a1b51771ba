package editor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alimasry/go-note-collab/store"
)

func blocksWithOrders(orders ...float64) []store.Block {
	out := make([]store.Block, len(orders))
	for i, o := range orders {
		out[i] = store.Block{ID: string(rune('a' + i)), Order: o}
	}
	return out
}

func TestInsertOrderEmptyList(t *testing.T) {
	assert.Equal(t, 0.0, InsertOrder(nil, 0))
}

func TestInsertOrderMidpoint(t *testing.T) {
	blocks := blocksWithOrders(1, 2)
	assert.Equal(t, 1.5, InsertOrder(blocks, 1))
}

func TestInsertOrderAtEnds(t *testing.T) {
	blocks := blocksWithOrders(1, 2, 3)
	assert.Equal(t, 0.0, InsertOrder(blocks, 0))
	assert.Equal(t, 4.0, InsertOrder(blocks, 3))
	assert.Equal(t, 4.0, InsertOrder(blocks, 99))
}

func TestOrderAfter(t *testing.T) {
	blocks := blocksWithOrders(1, 3)
	assert.Equal(t, 2.0, OrderAfter(blocks, 0))
	assert.Equal(t, 4.0, OrderAfter(blocks, 1))
}

func TestDropOrder(t *testing.T) {
	blocks := blocksWithOrders(1, 2, 3)
	assert.Equal(t, 1.5, DropOrder(blocks, 1, true))
	assert.Equal(t, 2.5, DropOrder(blocks, 1, false))
	assert.Equal(t, 4.0, DropOrder(blocks, -1, false))
}

func TestNeedsNormalization(t *testing.T) {
	assert.False(t, NeedsNormalization(blocksWithOrders(1, 1.5, 2)))
	assert.True(t, NeedsNormalization(blocksWithOrders(1, 1+1e-9, 2)))
}

func TestNormalizeOrdersPreservesSequence(t *testing.T) {
	blocks := blocksWithOrders(0.1, 0.1000001, 7)
	NormalizeOrders(blocks)
	assert.Equal(t, []float64{1, 2, 3}, []float64{blocks[0].Order, blocks[1].Order, blocks[2].Order})
	assert.False(t, NeedsNormalization(blocks))
}

func TestSortBlocksTieBreaksOnID(t *testing.T) {
	blocks := []store.Block{
		{ID: "b", Order: 1},
		{ID: "a", Order: 1},
		{ID: "c", Order: 0.5},
	}
	SortBlocks(blocks)
	assert.Equal(t, "c", blocks[0].ID)
	assert.Equal(t, "a", blocks[1].ID)
	assert.Equal(t, "b", blocks[2].ID)
}
