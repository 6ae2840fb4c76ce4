package correlator

import (
	"sync"
	"time"

	"github.com/amoylab/keyrelay/internal/cdm"
)

type pendingEntry struct {
	session string
	key     string
	cdm     cdm.CDM
	at      time.Time
}

// pendingMap maps page session ids to the exchange awaiting its license.
// When max is positive the oldest entry is evicted to make room; entries
// older than ttl are dropped on access.
type pendingMap struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	max     int
	ttl     time.Duration
	now     func() time.Time
}

func newPendingMap(max int, ttl time.Duration, now func() time.Time) *pendingMap {
	return &pendingMap{
		entries: make(map[string]*pendingEntry),
		max:     max,
		ttl:     ttl,
		now:     now,
	}
}

// put stores e under session and returns the entries it displaced
func (p *pendingMap) put(session string, e *pendingEntry) []*pendingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	dropped := p.expireLocked()
	if old, ok := p.entries[session]; ok {
		dropped = append(dropped, old)
		delete(p.entries, session)
	}
	for p.max > 0 && len(p.entries) >= p.max {
		dropped = append(dropped, p.evictOldestLocked())
	}
	e.session = session
	e.at = p.now()
	p.entries[session] = e
	return dropped
}

// take removes and returns the entry of session. Expired entries are
// returned in dropped instead.
func (p *pendingMap) take(session string) (e *pendingEntry, dropped []*pendingEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dropped = p.expireLocked()
	e, ok := p.entries[session]
	if !ok {
		return nil, dropped
	}
	delete(p.entries, session)
	return e, dropped
}

// sweep removes and returns every expired entry
func (p *pendingMap) sweep() []*pendingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expireLocked()
}

// holds reports whether a live entry carries key
func (p *pendingMap) holds(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.key == key && !p.expired(e) {
			return true
		}
	}
	return false
}

func (p *pendingMap) has(session string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[session]
	return ok && !p.expired(e)
}

func (p *pendingMap) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *pendingMap) expired(e *pendingEntry) bool {
	return p.ttl > 0 && p.now().Sub(e.at) > p.ttl
}

func (p *pendingMap) expireLocked() []*pendingEntry {
	if p.ttl <= 0 {
		return nil
	}
	var dropped []*pendingEntry
	for id, e := range p.entries {
		if p.expired(e) {
			dropped = append(dropped, e)
			delete(p.entries, id)
		}
	}
	return dropped
}

func (p *pendingMap) evictOldestLocked() *pendingEntry {
	var (
		oldestID string
		oldest   *pendingEntry
	)
	for id, e := range p.entries {
		if oldest == nil || e.at.Before(oldest.at) {
			oldestID, oldest = id, e
		}
	}
	delete(p.entries, oldestID)
	return oldest
}
