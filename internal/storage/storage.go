// Package storage persists completed charging transactions.
package storage

import (
	"context"
	"sync"
	"time"
)

// Transaction is one finished charging session as reported by the station.
type Transaction struct {
	ID          int       `json:"transaction_id"`
	StationID   string    `json:"station_id"`
	ConnectorID int       `json:"connector_id"`
	IDTag       string    `json:"id_tag"`
	MeterStart  int       `json:"meter_start"`
	MeterStop   int       `json:"meter_stop"`
	StartedAt   time.Time `json:"started_at"`
	StoppedAt   time.Time `json:"stopped_at"`
	Reason      string    `json:"reason,omitempty"`
}

// EnergyWh is the energy delivered during the transaction.
func (t Transaction) EnergyWh() int {
	return t.MeterStop - t.MeterStart
}

// Filter narrows ListTransactions results.
type Filter struct {
	StationID string
	Limit     int
}

// Store is the transaction history backend.
type Store interface {
	SaveTransaction(ctx context.Context, tx Transaction) error
	ListTransactions(ctx context.Context, filter Filter) ([]Transaction, error)
	Close() error
}

const defaultMemoryCapacity = 1000

// Memory is a bounded in-memory store. The oldest record is dropped once
// the capacity is reached.
type Memory struct {
	mu       sync.RWMutex
	records  []Transaction
	capacity int
}

// NewMemory returns a memory store bounded to capacity, or the default
// capacity when capacity is not positive.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &Memory{capacity: capacity}
}

// SaveTransaction appends the record, evicting the oldest at capacity.
func (m *Memory) SaveTransaction(_ context.Context, tx Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == m.capacity {
		copy(m.records, m.records[1:])
		m.records = m.records[:m.capacity-1]
	}
	m.records = append(m.records, tx)
	return nil
}

// ListTransactions returns matching records, newest first.
func (m *Memory) ListTransactions(_ context.Context, filter Filter) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Transaction, 0, len(m.records))
	for i := len(m.records) - 1; i >= 0; i-- {
		rec := m.records[i]
		if filter.StationID != "" && rec.StationID != filter.StationID {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op for the memory store.
func (m *Memory) Close() error { return nil }
