// Package channels keeps channel memberships for connected clients.
package channels

import (
	"sort"
	"sync"
)

// Store maps channel names to subscriber ids. It also keeps the reverse
// index (id -> channels) under the same lock, so a connection's channel
// set always matches the channels it is a member of.
//
// A channel exists only while it has at least one member.
type Store struct {
	mu       sync.RWMutex
	channels map[string]map[string]struct{} // channel -> ids
	members  map[string]map[string]struct{} // id -> channels
}

// New creates an empty store.
func New() *Store {
	return &Store{
		channels: make(map[string]map[string]struct{}),
		members:  make(map[string]map[string]struct{}),
	}
}

// Subscribe adds id to channel. It reports false when id was already a member.
func (s *Store) Subscribe(id, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.channels[channel]
	if subs == nil {
		subs = make(map[string]struct{})
		s.channels[channel] = subs
	}
	if _, ok := subs[id]; ok {
		return false
	}
	subs[id] = struct{}{}

	chs := s.members[id]
	if chs == nil {
		chs = make(map[string]struct{})
		s.members[id] = chs
	}
	chs[channel] = struct{}{}
	return true
}

// Unsubscribe removes id from channel. It reports false when id was not a member.
func (s *Store) Unsubscribe(id, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribeLocked(id, channel)
}

// UnsubscribeAll removes id from every channel in one critical section and
// returns the channels it left. Readers observe either every membership or
// none of them.
func (s *Store) UnsubscribeAll(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	chs := s.members[id]
	left := make([]string, 0, len(chs))
	for ch := range chs {
		left = append(left, ch)
	}
	for _, ch := range left {
		s.unsubscribeLocked(id, ch)
	}
	sort.Strings(left)
	return left
}

func (s *Store) unsubscribeLocked(id, channel string) bool {
	subs, ok := s.channels[channel]
	if !ok {
		return false
	}
	if _, ok := subs[id]; !ok {
		return false
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(s.channels, channel)
	}

	if chs, ok := s.members[id]; ok {
		delete(chs, channel)
		if len(chs) == 0 {
			delete(s.members, id)
		}
	}
	return true
}

// Subscribers returns the union of the members of the named channels,
// each id once, sorted.
func (s *Store) Subscribers(names ...string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, name := range names {
		for id := range s.channels[name] {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns the members of a single channel, or nil if it does not exist.
func (s *Store) Get(channel string) []string {
	if !s.Has(channel) {
		return nil
	}
	return s.Subscribers(channel)
}

// Has reports whether channel has at least one member.
func (s *Store) Has(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[channel]
	return ok
}

// IsMember reports whether id is subscribed to channel.
func (s *Store) IsMember(id, channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[channel][id]
	return ok
}

// ChannelsOf returns the channels id is subscribed to, sorted.
func (s *Store) ChannelsOf(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.members[id]))
	for ch := range s.members[id] {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// All returns every channel with its members.
func (s *Store) All() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.channels))
	for ch, subs := range s.channels {
		ids := make([]string, 0, len(subs))
		for id := range subs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[ch] = ids
	}
	return out
}

// Names returns the channel names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Counts returns channel names with their subscriber counts.
func (s *Store) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.channels))
	for ch, subs := range s.channels {
		out[ch] = len(subs)
	}
	return out
}
