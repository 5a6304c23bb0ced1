// Package memstore is an in-memory implementation of every storage interface
// the governance core depends on. It backs unit tests and dry runs; writes
// made inside WithinTx become visible only if the callback succeeds.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"carhunter/approval"
	"carhunter/audit"
	"carhunter/deal"
	"carhunter/lifecycle"
	"carhunter/negotiation"
)

// Store holds deals, approvals, audit entries, processed event keys and
// negotiation contexts.
type Store struct {
	mu         sync.Mutex
	deals      map[string]deal.Deal
	approvals  map[string]approval.Request
	dedupe     map[string]string
	audit      []audit.Entry
	events     map[string]string
	contexts   map[string][]byte
	nextAudit  int64
	failAppend error
}

func New() *Store {
	return &Store{
		deals:     map[string]deal.Deal{},
		approvals: map[string]approval.Request{},
		dedupe:    map[string]string{},
		events:    map[string]string{},
		contexts:  map[string][]byte{},
	}
}

// FailAuditWith makes every subsequent audit append fail with err until it
// is called again with nil.
func (s *Store) FailAuditWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppend = err
}

// PutDeal inserts or replaces a deal.
func (s *Store) PutDeal(d deal.Deal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Status == "" {
		d.Status = lifecycle.StatusDiscovered
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	s.deals[d.ID] = d
}

func (s *Store) GetDeal(_ context.Context, id string) (deal.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[id]
	if !ok {
		return deal.Deal{}, deal.ErrNotFound
	}
	return d, nil
}

func (s *Store) ListDealsByStatus(_ context.Context, statuses []lifecycle.Status) ([]deal.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[lifecycle.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	out := make([]deal.Deal, 0, len(s.deals))
	for _, d := range s.deals {
		if want[d.Status] {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// WithinTx runs fn against a staged view. The store stays locked for the
// duration so concurrent transactions are serialized.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx lifecycle.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &stagedTx{store: s, statuses: map[string]statusWrite{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for key := range tx.events {
		s.events[key] = "transition"
	}
	for id, w := range tx.statuses {
		d := s.deals[id]
		d.Status = w.status
		at := w.at
		d.StatusUpdatedAt = &at
		d.UpdatedAt = w.at
		s.deals[id] = d
	}
	s.audit = append(s.audit, tx.audit...)
	s.nextAudit += int64(len(tx.audit))
	return nil
}

type statusWrite struct {
	status lifecycle.Status
	at     time.Time
}

type stagedTx struct {
	store    *Store
	events   map[string]struct{}
	statuses map[string]statusWrite
	audit    []audit.Entry
}

func (t *stagedTx) ReserveEventKey(_ context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("memstore: empty event key")
	}
	if _, ok := t.store.events[key]; ok {
		return lifecycle.ErrDuplicateEvent
	}
	if _, ok := t.events[key]; ok {
		return lifecycle.ErrDuplicateEvent
	}
	if t.events == nil {
		t.events = map[string]struct{}{}
	}
	t.events[key] = struct{}{}
	return nil
}

func (t *stagedTx) DealStatusForUpdate(_ context.Context, dealID string) (lifecycle.Status, error) {
	if w, ok := t.statuses[dealID]; ok {
		return w.status, nil
	}
	d, ok := t.store.deals[dealID]
	if !ok {
		return "", lifecycle.ErrDealNotFound
	}
	return d.Status, nil
}

func (t *stagedTx) UpdateDealStatus(_ context.Context, dealID string, next lifecycle.Status, at time.Time) error {
	if _, ok := t.store.deals[dealID]; !ok {
		return lifecycle.ErrDealNotFound
	}
	t.statuses[dealID] = statusWrite{status: next, at: at}
	return nil
}

func (t *stagedTx) AppendAudit(_ context.Context, e audit.Entry) (audit.Entry, error) {
	if t.store.failAppend != nil {
		return audit.Entry{}, t.store.failAppend
	}
	e.ID = t.store.nextAudit + int64(len(t.audit)) + 1
	t.audit = append(t.audit, e)
	return e, nil
}

// AppendAudit implements audit.Store.
func (s *Store) AppendAudit(_ context.Context, e audit.Entry) (audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend != nil {
		return audit.Entry{}, s.failAppend
	}
	s.nextAudit++
	e.ID = s.nextAudit
	s.audit = append(s.audit, e)
	return e, nil
}

// ListAudit implements audit.Store, newest first.
func (s *Store) ListAudit(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Entry, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if f.DealID != "" && e.DealID != f.DealID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) InsertApproval(_ context.Context, req approval.Request) (approval.Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.DedupeKey != "" {
		if id, ok := s.dedupe[req.DedupeKey]; ok {
			return s.approvals[id], false, nil
		}
	}
	if _, ok := s.approvals[req.ID]; ok {
		return approval.Request{}, false, fmt.Errorf("memstore: approval %s already exists", req.ID)
	}
	s.approvals[req.ID] = req
	if req.DedupeKey != "" {
		s.dedupe[req.DedupeKey] = req.ID
	}
	return req, true, nil
}

func (s *Store) GetApproval(_ context.Context, id string) (approval.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.approvals[id]
	if !ok {
		return approval.Request{}, approval.ErrNotFound
	}
	return req, nil
}

func (s *Store) ListPendingApprovals(_ context.Context, notExpiredAt *time.Time) ([]approval.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]approval.Request, 0)
	for _, req := range s.approvals {
		if req.Status != approval.StatusPending {
			continue
		}
		if notExpiredAt != nil && req.Expired(*notExpiredAt) {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ResolveApproval(_ context.Context, id string, status approval.Status, res approval.Resolution, at time.Time) (approval.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.approvals[id]
	if !ok {
		return approval.Request{}, approval.ErrNotFound
	}
	if req.Status != approval.StatusPending {
		return approval.Request{}, approval.ErrAlreadyResolved
	}
	if req.Expired(at) {
		return approval.Request{}, approval.ErrExpired
	}
	req.Status = status
	req.ResolvedBy = res.By
	req.ResolutionNotes = res.Notes
	resolvedAt := at
	req.ResolvedAt = &resolvedAt
	s.approvals[id] = req
	return req, nil
}

func (s *Store) LoadContext(_ context.Context, dealID string) (*negotiation.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decodeContext(dealID)
}

// UpdateContext holds the store lock across load, fn and save.
func (s *Store) UpdateContext(_ context.Context, dealID string, fn func(*negotiation.Context) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.decodeContext(dealID)
	if err != nil {
		return err
	}
	save, err := fn(c)
	if err != nil || !save {
		return err
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("memstore: encode context: %w", err)
	}
	s.contexts[dealID] = raw
	return nil
}

func (s *Store) decodeContext(dealID string) (*negotiation.Context, error) {
	raw, ok := s.contexts[dealID]
	if !ok {
		return negotiation.NewContext(), nil
	}
	c := negotiation.NewContext()
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("memstore: decode context: %w", err)
	}
	return c, nil
}

var (
	_ lifecycle.Store          = (*Store)(nil)
	_ audit.Store              = (*Store)(nil)
	_ approval.Repository      = (*Store)(nil)
	_ deal.Reader              = (*Store)(nil)
	_ negotiation.ContextStore = (*Store)(nil)
)
