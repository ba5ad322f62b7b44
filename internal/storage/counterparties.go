// Package storage - FT/MT metadata cache ("counterparties" table).
package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// TokenMetadata is a cached view of a fungible or multi-token contract's
// descriptive metadata, stamped with when it was last written so IsStale
// can compare its age against a TTL. This package only stores and reads
// it; no component of the engine fetches metadata from the chain.
type TokenMetadata struct {
	TokenID         string
	Standard        string
	Symbol          string
	Decimals        int
	LastRefreshedAt *time.Time
}

// DefaultMetadataTTL is a TTL for IsStale: how long cached token metadata
// counts as fresh.
const DefaultMetadataTTL = 24 * time.Hour

// GetTokenMetadata returns the cached metadata for a token id, or nil if
// nothing has ever been cached for it.
func (s *Storage) GetTokenMetadata(tokenID string) (*TokenMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT token_id, standard, symbol, decimals, last_refreshed_at
		FROM counterparties WHERE token_id = ?
	`, tokenID)

	var m TokenMetadata
	var symbol sql.NullString
	var decimals sql.NullInt64
	var lastRefreshedAt sql.NullInt64

	err := row.Scan(&m.TokenID, &m.Standard, &symbol, &decimals, &lastRefreshedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token metadata: %w", err)
	}

	m.Symbol = symbol.String
	m.Decimals = int(decimals.Int64)
	if lastRefreshedAt.Valid {
		t := time.Unix(lastRefreshedAt.Int64, 0)
		m.LastRefreshedAt = &t
	}
	return &m, nil
}

// IsStale reports whether the cached metadata should be refreshed, i.e. it
// was never fetched or the TTL has elapsed.
func (m *TokenMetadata) IsStale(ttl time.Duration, now time.Time) bool {
	if m == nil || m.LastRefreshedAt == nil {
		return true
	}
	return now.Sub(*m.LastRefreshedAt) > ttl
}

// UpsertTokenMetadata writes fresh metadata, stamping last_refreshed_at to
// now.
func (s *Storage) UpsertTokenMetadata(m *TokenMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO counterparties (token_id, standard, symbol, decimals, last_refreshed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token_id) DO UPDATE SET
			standard = excluded.standard,
			symbol = excluded.symbol,
			decimals = excluded.decimals,
			last_refreshed_at = excluded.last_refreshed_at
	`, m.TokenID, m.Standard, m.Symbol, m.Decimals, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert token metadata: %w", err)
	}
	return nil
}
