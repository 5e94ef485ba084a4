// Package live follows exchange kline streams, appends closed bars to the
// bar cache, and fans bar updates out to subscribers.
package live

import (
	"sort"
	"sync"

	"barreplay/internal/domain"
)

// BarEvent is emitted to subscribers when a series receives a kline update.
type BarEvent struct {
	Key    domain.SeriesKey `json:"key"`
	Bar    domain.Bar       `json:"bar"`
	Closed bool             `json:"closed"`
}

// seriesState is the latest view of one series: the last closed bar and the
// bar currently forming.
type seriesState struct {
	closed  domain.Bar
	forming domain.Bar
	hasLast bool
	hasForm bool
}

// Model holds the latest bars per series, with dedup of closed bars and
// pub/sub for streaming to websocket clients.
type Model struct {
	mu     sync.RWMutex
	series map[domain.SeriesKey]*seriesState

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan BarEvent
}

// NewModel creates an empty Model.
func NewModel() *Model {
	return &Model{
		series: make(map[domain.SeriesKey]*seriesState),
		subs:   make(map[int]chan BarEvent),
	}
}

// Add records a kline update and notifies subscribers. A closed bar whose
// timestamp is not newer than the last closed bar is a duplicate; Add
// returns false for it and publishes nothing.
func (m *Model) Add(key domain.SeriesKey, bar domain.Bar, closed bool) bool {
	m.mu.Lock()
	st, ok := m.series[key]
	if !ok {
		st = &seriesState{}
		m.series[key] = st
	}
	if closed {
		if st.hasLast && bar.TS <= st.closed.TS {
			m.mu.Unlock()
			return false
		}
		st.closed, st.hasLast = bar, true
		if st.hasForm && st.forming.TS <= bar.TS {
			st.hasForm = false
		}
	} else {
		if st.hasLast && bar.TS <= st.closed.TS {
			m.mu.Unlock()
			return false
		}
		st.forming, st.hasForm = bar, true
	}
	m.mu.Unlock()

	// Notify subscribers (non-blocking send).
	evt := BarEvent{Key: key, Bar: bar, Closed: closed}
	m.subsMu.Lock()
	for _, ch := range m.subs {
		select {
		case ch <- evt:
		default:
			// Slow subscriber, drop event.
		}
	}
	m.subsMu.Unlock()
	return true
}

// Snapshot returns the latest events of every series matching filter, the
// last closed bar before the forming one. A zero-valued filter field
// matches anything.
func (m *Model) Snapshot(filter domain.SeriesKey) []BarEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []BarEvent
	for key, st := range m.series {
		if !Matches(filter, key) {
			continue
		}
		if st.hasLast {
			out = append(out, BarEvent{Key: key, Bar: st.closed, Closed: true})
		}
		if st.hasForm {
			out = append(out, BarEvent{Key: key, Bar: st.forming})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Latest returns the last closed bar of a series.
func (m *Model) Latest(key domain.SeriesKey) (domain.Bar, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.series[key]
	if !ok || !st.hasLast {
		return domain.Bar{}, false
	}
	return st.closed, true
}

// Subscribe creates a new subscription channel for bar events.
func (m *Model) Subscribe(bufSize int) (id int, ch <-chan BarEvent) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	id = m.nextSubID
	m.nextSubID++
	c := make(chan BarEvent, bufSize)
	m.subs[id] = c
	return id, c
}

// Unsubscribe removes a subscription and closes its channel.
func (m *Model) Unsubscribe(id int) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if ch, ok := m.subs[id]; ok {
		close(ch)
		delete(m.subs, id)
	}
}

// Matches reports whether key satisfies filter. Empty filter fields match
// any value.
func Matches(filter, key domain.SeriesKey) bool {
	return (filter.Exchange == "" || filter.Exchange == key.Exchange) &&
		(filter.Symbol == "" || filter.Symbol == key.Symbol) &&
		(filter.Timeframe == "" || filter.Timeframe == key.Timeframe)
}
