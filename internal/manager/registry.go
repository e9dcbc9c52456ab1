package manager

import "github.com/kestrel-labs/kestrel/internal/domain"

// arena is an append-array with swap-and-pop removal: O(1) add, remove, and
// membership, paginated iteration, exact count. Ordering is NOT stable across
// removals: the last element is swapped into the removed slot.
type arena struct {
	items []domain.Address
	index map[domain.Address]int
}

func newArena() *arena {
	return &arena{index: make(map[domain.Address]int)}
}

func (a *arena) add(addr domain.Address) {
	if _, ok := a.index[addr]; ok {
		return
	}
	a.index[addr] = len(a.items)
	a.items = append(a.items, addr)
}

func (a *arena) remove(addr domain.Address) bool {
	i, ok := a.index[addr]
	if !ok {
		return false
	}
	last := len(a.items) - 1
	if i != last {
		moved := a.items[last]
		a.items[i] = moved
		a.index[moved] = i
	}
	a.items = a.items[:last]
	delete(a.index, addr)
	return true
}

func (a *arena) contains(addr domain.Address) bool {
	_, ok := a.index[addr]
	return ok
}

func (a *arena) len() int { return len(a.items) }

// page returns min(pageSize, max(0, len-index)) entries starting at index.
func (a *arena) page(index, pageSize int) []domain.Address {
	if index < 0 || pageSize <= 0 || index >= len(a.items) {
		return []domain.Address{}
	}
	end := index + pageSize
	if end > len(a.items) {
		end = len(a.items)
	}
	out := make([]domain.Address, end-index)
	copy(out, a.items[index:end])
	return out
}
