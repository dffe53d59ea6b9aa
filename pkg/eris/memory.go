package eris

import (
	"context"
	"sync"

	"github.com/irdest/ratman/pkg/types"
)

// MemoryStorage keeps blocks in memory. The tests use it as a block
// store that needs no journal.
type MemoryStorage struct {
	blocks sync.Map
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) StoreBlock(_ context.Context, b Block) error {
	cp := make(Block, len(b))
	copy(cp, b)
	m.blocks.Store(b.Reference(), cp)
	return nil
}

func (m *MemoryStorage) FetchBlock(_ context.Context, ref types.Ident32) (Block, error) {
	v, ok := m.blocks.Load(ref)
	if !ok {
		return nil, ErrNoSuchBlock
	}
	return v.(Block), nil
}

// Each iterates over all stored blocks.
func (m *MemoryStorage) Each(fn func(ref types.Ident32, b Block) bool) {
	m.blocks.Range(func(k, v any) bool {
		return fn(k.(types.Ident32), v.(Block))
	})
}

// Len counts the stored blocks.
func (m *MemoryStorage) Len() int {
	n := 0
	m.blocks.Range(func(_, _ any) bool { n++; return true })
	return n
}
