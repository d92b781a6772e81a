package window

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// spend is a timestamped amount.
type spend struct {
	at     time.Time
	amount decimal.Decimal
}

// Cell holds the sliding-window history of one (policy, subject) pair.
//
// Entries are kept in time order. Cell methods are only valid inside
// Store.With or Store.Each, which hold the cell lock.
type Cell struct {
	mu        sync.Mutex
	hits      []time.Time
	spends    []spend
	retention time.Duration
	touched   time.Time

	// poisoned is set when a transaction panicked mid-mutation; the
	// history can no longer be trusted.
	poisoned bool
	// dead is set when the janitor unlinked the cell from the store.
	dead bool
}

// CountInWindow returns the number of recorded hits t with
// now-window <= t <= now.
func (c *Cell) CountInWindow(window time.Duration, now time.Time) int {
	lo, hi := bounds(len(c.hits), func(i int) time.Time { return c.hits[i] }, window, now)
	return hi - lo
}

// SumInWindow returns the exact sum of recorded amounts t with
// now-window <= t <= now.
func (c *Cell) SumInWindow(window time.Duration, now time.Time) decimal.Decimal {
	lo, hi := bounds(len(c.spends), func(i int) time.Time { return c.spends[i].at }, window, now)
	sum := decimal.Zero
	for _, s := range c.spends[lo:hi] {
		sum = sum.Add(s.amount)
	}
	return sum
}

// Record appends a rate-limit hit at now.
func (c *Cell) Record(now time.Time) {
	c.prune(now)
	i := sort.Search(len(c.hits), func(i int) bool { return c.hits[i].After(now) })
	if i == len(c.hits) {
		c.hits = append(c.hits, now)
	} else {
		c.hits = append(c.hits, time.Time{})
		copy(c.hits[i+1:], c.hits[i:])
		c.hits[i] = now
	}
	c.touched = now
}

// RecordAmount appends a spend of amount at now.
func (c *Cell) RecordAmount(now time.Time, amount decimal.Decimal) {
	c.prune(now)
	entry := spend{at: now, amount: amount}
	i := sort.Search(len(c.spends), func(i int) bool { return c.spends[i].at.After(now) })
	if i == len(c.spends) {
		c.spends = append(c.spends, entry)
	} else {
		c.spends = append(c.spends, spend{})
		copy(c.spends[i+1:], c.spends[i:])
		c.spends[i] = entry
	}
	c.touched = now
}

// Newest returns the time of the latest retained entry of either kind, or
// the zero time for an empty cell.
func (c *Cell) Newest() time.Time {
	var newest time.Time
	if n := len(c.hits); n > 0 {
		newest = c.hits[n-1]
	}
	if n := len(c.spends); n > 0 && c.spends[n-1].at.After(newest) {
		newest = c.spends[n-1].at
	}
	return newest
}

// Len returns the number of retained entries of both kinds.
func (c *Cell) Len() int {
	return len(c.hits) + len(c.spends)
}

// Retention returns the longest window this cell keeps history for.
func (c *Cell) Retention() time.Duration {
	return c.retention
}

// prune drops entries older than now-retention.
func (c *Cell) prune(now time.Time) {
	if c.retention <= 0 {
		return
	}
	cutoff := now.Add(-c.retention)

	h := sort.Search(len(c.hits), func(i int) bool { return !c.hits[i].Before(cutoff) })
	if h > 0 {
		c.hits = append(c.hits[:0], c.hits[h:]...)
	}

	s := sort.Search(len(c.spends), func(i int) bool { return !c.spends[i].at.Before(cutoff) })
	if s > 0 {
		c.spends = append(c.spends[:0], c.spends[s:]...)
	}
}

// bounds returns the half-open index range [lo, hi) of entries inside the
// closed interval [now-window, now].
func bounds(n int, at func(int) time.Time, window time.Duration, now time.Time) (int, int) {
	start := now.Add(-window)
	lo := sort.Search(n, func(i int) bool { return !at(i).Before(start) })
	hi := sort.Search(n, func(i int) bool { return at(i).After(now) })
	if hi < lo {
		return lo, lo
	}
	return lo, hi
}
