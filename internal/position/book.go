package position

import "github.com/google/uuid"

// Key identifies a position: one live position per trader per market.
type Key struct {
	Trader uuid.UUID
	Market string
}

// Book holds all live positions. It is not safe for concurrent use; the
// trading engine serializes every mutation behind its own lock.
type Book struct {
	positions map[Key]*Position
}

func NewBook() *Book {
	return &Book{
		positions: make(map[Key]*Position),
	}
}

// Get returns the live position for (trader, market), or nil.
func (b *Book) Get(trader uuid.UUID, market string) *Position {
	return b.positions[Key{Trader: trader, Market: market}]
}

// Put stores a position under its (trader, market) key.
func (b *Book) Put(p *Position) {
	b.positions[Key{Trader: p.Trader, Market: p.Market}] = p
}

// Remove destroys a position. The caller must not retain the entity after
// this call; removal is terminal.
func (b *Book) Remove(p *Position) {
	delete(b.positions, Key{Trader: p.Trader, Market: p.Market})
}

// ByMarket returns all live positions in a market.
func (b *Book) ByMarket(market string) []*Position {
	result := make([]*Position, 0)
	for key, pos := range b.positions {
		if key.Market == market {
			result = append(result, pos)
		}
	}
	return result
}

// All returns every live position.
func (b *Book) All() []*Position {
	result := make([]*Position, 0, len(b.positions))
	for _, pos := range b.positions {
		result = append(result, pos)
	}
	return result
}

// Len returns the number of live positions.
func (b *Book) Len() int {
	return len(b.positions)
}
