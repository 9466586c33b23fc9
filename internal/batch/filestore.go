package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FileStore persists batches as one JSON document on disk. Every mutation
// rewrites the file through a temp-file rename, so a crash leaves either the
// old or the new state, never a torn write. Reads are served from the
// in-process cache and never re-read the file, so the store is strictly
// single-process: concurrent writers from another process (e.g. an
// out-of-band pause) need the Postgres backend.
type FileStore struct {
	mu      sync.Mutex
	path    string
	logger  *zap.Logger
	batches map[string]*Batch
}

// OpenFileStore loads the store file if it exists and creates the parent
// directory otherwise.
func OpenFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		logger:  logger.Named("batchstore"),
		batches: make(map[string]*Batch),
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read store: %w", err)
	}
	var list []*Batch
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode store: %w", err)
	}
	for _, b := range list {
		s.batches[b.ID] = b
	}
	s.logger.Debug("store loaded", zap.Int("batches", len(list)))
	return s, nil
}

// flush must be called with mu held.
func (s *FileStore) flush() error {
	list := make([]*Batch, 0, len(s.batches))
	for _, b := range s.batches {
		list = append(list, b)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

func (s *FileStore) CreateBatch(ctx context.Context, typ Type, signer common.Address, items []Item, metadata *TokenMetadata) (*Batch, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown batch type %q", typ)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("batch has no items")
	}

	now := time.Now().UTC()
	b := &Batch{
		ID:            uuid.NewString(),
		Type:          typ,
		Status:        StatusPending,
		SignerAddress: signer,
		Items:         make([]Item, len(items)),
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	copy(b.Items, items)
	for i := range b.Items {
		b.Items[i].Index = i
		b.Items[i].Status = ItemPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[b.ID] = b
	if err := s.flush(); err != nil {
		delete(s.batches, b.ID)
		return nil, err
	}
	return cloneBatch(b), nil
}

func (s *FileStore) UpdateBatchStatus(ctx context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return ErrBatchNotFound
	}
	now := time.Now().UTC()
	b.Status = status
	b.UpdatedAt = now
	if status.Terminal() {
		b.CompletedAt = &now
	}
	return s.flush()
}

func (s *FileStore) UpdateBatchItem(ctx context.Context, id string, index int, upd ItemUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return ErrBatchNotFound
	}
	if index < 0 || index >= len(b.Items) {
		return fmt.Errorf("item index %d out of range (batch %s has %d items)", index, id, len(b.Items))
	}
	it := &b.Items[index]
	if upd.Status != nil {
		it.Status = *upd.Status
	}
	if upd.TxHash != nil {
		it.TxHash = *upd.TxHash
	}
	if upd.GasUsed != nil {
		it.GasUsed = *upd.GasUsed
	}
	if upd.Error != nil {
		it.Error = *upd.Error
	}
	if upd.CompletedAt != nil {
		it.CompletedAt = upd.CompletedAt
	}
	b.UpdatedAt = time.Now().UTC()
	return s.flush()
}

func (s *FileStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return cloneBatch(b), nil
}

func (s *FileStore) GetRecentBatches(ctx context.Context, signer common.Address, limit int) ([]*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.bySigner(signer)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FileStore) GetResumableBatches(ctx context.Context, signer common.Address) ([]*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.bySigner(signer)
	out := all[:0]
	for _, b := range all {
		if b.Status.Resumable() {
			out = append(out, b)
		}
	}
	return out, nil
}

// bySigner returns copies, newest first. Must be called with mu held.
func (s *FileStore) bySigner(signer common.Address) []*Batch {
	var out []*Batch
	for _, b := range s.batches {
		if b.SignerAddress == signer {
			out = append(out, cloneBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func cloneBatch(b *Batch) *Batch {
	cp := *b
	cp.Items = make([]Item, len(b.Items))
	copy(cp.Items, b.Items)
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		cp.CompletedAt = &t
	}
	if b.Metadata != nil {
		m := *b.Metadata
		cp.Metadata = &m
	}
	return &cp
}
