// Package storage - persisted block header cache table. internal/blockcache
// keeps its own in-memory map and does not read or write this table.
package storage

import (
	"database/sql"
	"fmt"
)

// CachedBlockHeader is a minimal persisted header: enough to answer "what
// time was this height" without re-querying the archival node.
type CachedBlockHeader struct {
	Height int64
	Hash   string
	Time   int64
}

// GetCachedBlockHeader looks up a previously cached header by height.
func (s *Storage) GetCachedBlockHeader(height int64) (*CachedBlockHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var h CachedBlockHeader
	err := s.db.QueryRow(`
		SELECT height, hash, time FROM block_headers WHERE height = ?
	`, height).Scan(&h.Height, &h.Hash, &h.Time)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached block header: %w", err)
	}
	return &h, nil
}

// PutCachedBlockHeader persists a header, overwriting any prior entry at the
// same height (heights never change shape once finalized on an archival
// node, so a replace is only ever a cache warm, never a rewrite of history).
func (s *Storage) PutCachedBlockHeader(h *CachedBlockHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO block_headers (height, hash, time) VALUES (?, ?, ?)
		ON CONFLICT(height) DO UPDATE SET hash = excluded.hash, time = excluded.time
	`, h.Height, h.Hash, h.Time)
	if err != nil {
		return fmt.Errorf("failed to cache block header: %w", err)
	}
	return nil
}
