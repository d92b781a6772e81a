// Package window keeps per-(policy, subject) sliding-window history for
// request counts and cumulative spend.
//
// Each cell has its own mutex, so unrelated subjects never contend. The
// store-wide lock only guards the cell map and is held for lookups and
// creation, never while a cell transaction runs.
package window

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrStateUnavailable reports that a cell could not be used safely. Callers
// deny the affected subject instead of failing globally.
var ErrStateUnavailable = errors.New("window state unavailable")

// Key identifies a cell.
type Key struct {
	PolicyID  string
	SubjectID string
}

// String returns a printable representation of the key.
func (k Key) String() string {
	return k.PolicyID + "/" + k.SubjectID
}

// Store is a process-lifetime arena of cells.
type Store struct {
	mu    sync.RWMutex
	cells map[Key]*Cell
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		cells: make(map[Key]*Cell),
	}
}

// With runs fn with exclusive access to the cell for key, creating the cell
// on first use. retention is the longest window the owning policy needs and
// bounds how much history the cell keeps.
//
// A panic inside fn poisons the cell and is reported as ErrStateUnavailable.
func (s *Store) With(key Key, retention time.Duration, fn func(c *Cell) error) error {
	for {
		c := s.cell(key)
		c.mu.Lock()

		if c.dead {
			c.mu.Unlock()
			s.unlink(key, c)
			continue
		}
		if c.poisoned {
			c.mu.Unlock()
			return fmt.Errorf("%w: cell %s is poisoned", ErrStateUnavailable, key)
		}

		return s.run(c, key, retention, fn)
	}
}

func (s *Store) run(c *Cell, key Key, retention time.Duration, fn func(c *Cell) error) (err error) {
	defer c.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			c.poisoned = true
			err = fmt.Errorf("%w: cell %s: %v", ErrStateUnavailable, key, r)
		}
	}()

	c.retention = retention
	return fn(c)
}

// Each calls fn for every live cell, holding that cell's lock for the
// duration of the call only. The cell list is copied first, so evaluation
// is never blocked for longer than a single cell visit.
func (s *Store) Each(fn func(key Key, c *Cell)) {
	s.mu.RLock()
	keys := make([]Key, 0, len(s.cells))
	cells := make([]*Cell, 0, len(s.cells))
	for k, c := range s.cells {
		keys = append(keys, k)
		cells = append(cells, c)
	}
	s.mu.RUnlock()

	for i, c := range cells {
		c.mu.Lock()
		if !c.dead && !c.poisoned {
			fn(keys[i], c)
		}
		c.mu.Unlock()
	}
}

// Sweep prunes every cell relative to now and unlinks cells that are empty
// or poisoned. It returns the number of cells removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.RLock()
	keys := make([]Key, 0, len(s.cells))
	cells := make([]*Cell, 0, len(s.cells))
	for k, c := range s.cells {
		keys = append(keys, k)
		cells = append(cells, c)
	}
	s.mu.RUnlock()

	removed := 0
	for i, c := range cells {
		c.mu.Lock()
		if !c.poisoned {
			c.prune(now)
		}
		if c.poisoned || c.Len() == 0 {
			c.dead = true
		}
		dead := c.dead
		c.mu.Unlock()

		if dead && s.unlink(keys[i], c) {
			removed++
		}
	}
	return removed
}

// Len returns the number of cells currently linked in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cells)
}

// cell returns the cell for key, creating it if needed.
func (s *Store) cell(key Key) *Cell {
	s.mu.RLock()
	c, ok := s.cells[key]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cells[key]; ok {
		return c
	}
	c = &Cell{}
	s.cells[key] = c
	return c
}

// unlink removes c from the map if it is still the cell registered for key.
func (s *Store) unlink(key Key, c *Cell) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cells[key] == c {
		delete(s.cells, key)
		return true
	}
	return false
}
