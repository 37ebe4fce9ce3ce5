// Package largedata holds the oversize-chunk payload store a firehose
// decoder consults when a tracepoint carries HAS_OVERSIZE_DATA_REFERENCE
// (spec §4.7, §4.8). It is scoped to a single tracev3 file: data_ref_id is
// only unique within that file's lifetime (spec §9 "LargeDataStore
// lifetime").
package largedata

import "sync"

type key struct {
	dataRefID uint16
	ct        uint64
}

// Store maps (data_ref_id, continuous_time) to an oversize chunk's payload
// bytes.
type Store struct {
	mu sync.RWMutex
	m  map[key][]byte
}

func New() *Store {
	return &Store{m: make(map[key][]byte)}
}

// Put records the payload for an oversize chunk (tag 0x6002).
func (s *Store) Put(dataRefID uint16, ct uint64, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key{dataRefID, ct}] = payload
}

// Get looks up the payload a firehose tracepoint's oversize reference names.
func (s *Store) Get(dataRefID uint16, ct uint64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.m[key{dataRefID, ct}]
	return p, ok
}
