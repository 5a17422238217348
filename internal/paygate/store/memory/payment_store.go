package memory

import (
	"context"
	"sync"

	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/store"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/types"
)

type PaymentStore struct {
	mu   sync.RWMutex
	data map[string]paymentRow
}

type paymentRow struct {
	rec types.PaymentRecord
	ip  string
}

func NewPaymentStore() *PaymentStore {
	return &PaymentStore{data: make(map[string]paymentRow)}
}

func (s *PaymentStore) HasBeenProcessed(_ context.Context, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[ref]
	return ok, nil
}

func (s *PaymentStore) RecordPayment(_ context.Context, rec types.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[rec.TransactionRef]; ok {
		return store.ErrDuplicatePayment
	}
	s.data[rec.TransactionRef] = paymentRow{rec: rec}
	return nil
}

func (s *PaymentStore) GetPayment(_ context.Context, ref string) (types.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.data[ref]
	if !ok {
		return types.PaymentRecord{}, store.ErrNotFound
	}
	return row.rec, nil
}

func (s *PaymentStore) RedeemedBy(_ context.Context, ref string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.data[ref]
	if !ok {
		return "", store.ErrNotFound
	}
	return row.ip, nil
}

func (s *PaymentStore) Claim(_ context.Context, ref, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.data[ref]
	if !ok {
		return store.ErrNotFound
	}
	if row.ip != "" && row.ip != ip {
		return store.ErrDuplicatePayment
	}
	row.ip = ip
	s.data[ref] = row
	return nil
}

func (s *PaymentStore) Release(_ context.Context, ref, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.data[ref]; ok && row.ip == ip {
		row.ip = ""
		s.data[ref] = row
	}
	return nil
}
