package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/dataset-export/internal/domain"
)

// MemoryStore is an in-memory implementation of Store.
// This is intended for testing. Production should use Storage.
//
// Row locks taken by GetExportForUpdate are exclusive and held until the
// transaction ends. Writes made inside a transaction are applied on commit.
type MemoryStore struct {
	mu          sync.Mutex
	nextID      int64
	nextEventID int64
	exports     map[int64]domain.Export
	events      map[int64]OutboxEvent
	claimed     map[int64]bool
	rowLocks    map[int64]*sync.Mutex
	updates     int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		exports:  make(map[int64]domain.Export),
		events:   make(map[int64]OutboxEvent),
		claimed:  make(map[int64]bool),
		rowLocks: make(map[int64]*sync.Mutex),
	}
}

// UpdateCount returns the number of committed UpdateExport calls
func (m *MemoryStore) UpdateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

// Put stores an export as-is, replacing any existing row with the same id
func (m *MemoryStore) Put(export domain.Export) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exports[export.ID] = cloneExport(export)
	if export.ID > m.nextID {
		m.nextID = export.ID
	}
}

// PendingEvents returns the outbox contents ordered by id
func (m *MemoryStore) PendingEvents() []OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := make([]OutboxEvent, 0, len(m.events))
	for _, e := range m.events {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events
}

func (m *MemoryStore) rowLock(id int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rowLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.rowLocks[id] = l
	}
	return l
}

// WithTransaction runs fn in a memory transaction
func (m *MemoryStore) WithTransaction(_ context.Context, fn func(tx Accessor) error) error {
	tx := &memoryTx{
		store:   m,
		locks:   make(map[int64]*sync.Mutex),
		staged:  make(map[int64]*domain.Export),
		claimed: make(map[int64]bool),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) CreateExport(ctx context.Context, args domain.CreateExportArgs) (int64, error) {
	return m.autocommit(ctx, func(tx *memoryTx) (int64, error) { return tx.CreateExport(ctx, args) })
}

func (m *MemoryStore) GetExport(_ context.Context, id int64) (*domain.Export, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exports[id]
	if !ok {
		return nil, nil
	}
	cpy := cloneExport(e)
	return &cpy, nil
}

// GetExportForUpdate outside a transaction behaves like a plain read
func (m *MemoryStore) GetExportForUpdate(ctx context.Context, id int64) (*domain.Export, error) {
	return m.GetExport(ctx, id)
}

func (m *MemoryStore) UpdateExport(ctx context.Context, export *domain.Export) error {
	_, err := m.autocommit(ctx, func(tx *memoryTx) (int64, error) {
		if _, err := tx.GetExportForUpdate(ctx, export.ID); err != nil {
			return 0, err
		}
		return 0, tx.UpdateExport(ctx, export)
	})
	return err
}

func (m *MemoryStore) DeleteExport(ctx context.Context, id int64) error {
	_, err := m.autocommit(ctx, func(tx *memoryTx) (int64, error) { return 0, tx.DeleteExport(ctx, id) })
	return err
}

func (m *MemoryStore) CountExports(ctx context.Context, requestedByUserID, now int64) (int64, error) {
	list := m.visible(requestedByUserID, now)
	return int64(len(list)), nil
}

func (m *MemoryStore) ListExports(_ context.Context, requestedByUserID, now int64, offset, limit int) ([]domain.Export, error) {
	list := m.visible(requestedByUserID, now)
	if offset >= len(list) {
		return []domain.Export{}, nil
	}
	end := offset + limit
	if end > len(list) {
		end = len(list)
	}
	return list[offset:end], nil
}

func (m *MemoryStore) visible(requestedByUserID, now int64) []domain.Export {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := []domain.Export{}
	for _, e := range m.exports {
		if e.RequestedByUserID != requestedByUserID {
			continue
		}
		if e.ExpireTime != 0 && e.ExpireTime < now {
			continue
		}
		list = append(list, cloneExport(e))
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].RequestTime != list[j].RequestTime {
			return list[i].RequestTime > list[j].RequestTime
		}
		return list[i].ID > list[j].ID
	})
	return list
}

func (m *MemoryStore) DeleteExpiredExports(_ context.Context, now int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, e := range m.exports {
		if e.ExpireTime != 0 && e.ExpireTime < now {
			delete(m.exports, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) EnqueueExportCreated(ctx context.Context, exportID int64) error {
	_, err := m.autocommit(ctx, func(tx *memoryTx) (int64, error) { return 0, tx.EnqueueExportCreated(ctx, exportID) })
	return err
}

func (m *MemoryStore) ClaimPendingEvents(_ context.Context, _ int) ([]OutboxEvent, error) {
	return m.PendingEvents(), nil
}

func (m *MemoryStore) DeletePendingEvents(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.events, id)
	}
	return nil
}

func (m *MemoryStore) autocommit(ctx context.Context, fn func(tx *memoryTx) (int64, error)) (int64, error) {
	var result int64
	err := m.WithTransaction(ctx, func(tx Accessor) error {
		var err error
		result, err = fn(tx.(*memoryTx))
		return err
	})
	return result, err
}

// memoryTx stages writes until commit. A nil staged export marks a deletion.
type memoryTx struct {
	store         *MemoryStore
	locks         map[int64]*sync.Mutex
	staged        map[int64]*domain.Export
	updates       int
	events        []OutboxEvent
	claimed       map[int64]bool
	deletedEvents []int64
}

func (tx *memoryTx) read(id int64) (domain.Export, bool) {
	if e, ok := tx.staged[id]; ok {
		if e == nil {
			return domain.Export{}, false
		}
		return cloneExport(*e), true
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	e, ok := tx.store.exports[id]
	return cloneExport(e), ok
}

func (tx *memoryTx) CreateExport(_ context.Context, args domain.CreateExportArgs) (int64, error) {
	tx.store.mu.Lock()
	tx.store.nextID++
	id := tx.store.nextID
	tx.store.mu.Unlock()

	filterOptions := args.FilterOptions
	if filterOptions == nil {
		filterOptions = []byte{}
	}

	tx.staged[id] = &domain.Export{
		ID:                   id,
		RequestedByUserID:    args.RequestedByUserID,
		RequestTime:          args.RequestTime,
		Type:                 args.Type,
		ExpireTime:           args.ExpireTime,
		FilterOptions:        bytes.Clone(filterOptions),
		Status:               args.Status,
		ExportedFileFilename: args.ExportedFileFilename,
	}
	return id, nil
}

func (tx *memoryTx) GetExport(_ context.Context, id int64) (*domain.Export, error) {
	e, ok := tx.read(id)
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (tx *memoryTx) GetExportForUpdate(ctx context.Context, id int64) (*domain.Export, error) {
	if _, held := tx.locks[id]; !held {
		l := tx.store.rowLock(id)
		l.Lock()
		tx.locks[id] = l
	}
	return tx.GetExport(ctx, id)
}

func (tx *memoryTx) UpdateExport(_ context.Context, export *domain.Export) error {
	if _, ok := tx.read(export.ID); !ok {
		return nil
	}
	cpy := cloneExport(*export)
	tx.staged[export.ID] = &cpy
	tx.updates++
	return nil
}

func (tx *memoryTx) DeleteExport(_ context.Context, id int64) error {
	if _, ok := tx.read(id); !ok {
		return fmt.Errorf("%w: no export with export_id %d found", domain.ErrNotFound, id)
	}
	tx.staged[id] = nil
	return nil
}

func (tx *memoryTx) CountExports(ctx context.Context, requestedByUserID, now int64) (int64, error) {
	return tx.store.CountExports(ctx, requestedByUserID, now)
}

func (tx *memoryTx) ListExports(ctx context.Context, requestedByUserID, now int64, offset, limit int) ([]domain.Export, error) {
	return tx.store.ListExports(ctx, requestedByUserID, now, offset, limit)
}

func (tx *memoryTx) DeleteExpiredExports(ctx context.Context, now int64) (int64, error) {
	return tx.store.DeleteExpiredExports(ctx, now)
}

func (tx *memoryTx) EnqueueExportCreated(_ context.Context, exportID int64) error {
	tx.store.mu.Lock()
	tx.store.nextEventID++
	id := tx.store.nextEventID
	tx.store.mu.Unlock()

	tx.events = append(tx.events, OutboxEvent{ID: id, ExportID: exportID})
	return nil
}

func (tx *memoryTx) ClaimPendingEvents(_ context.Context, limit int) ([]OutboxEvent, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	ids := make([]int64, 0, len(tx.store.events))
	for id := range tx.store.events {
		if !tx.store.claimed[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	events := make([]OutboxEvent, 0, len(ids))
	for _, id := range ids {
		tx.store.claimed[id] = true
		tx.claimed[id] = true
		events = append(events, tx.store.events[id])
	}
	return events, nil
}

func (tx *memoryTx) DeletePendingEvents(_ context.Context, ids []int64) error {
	tx.deletedEvents = append(tx.deletedEvents, ids...)
	return nil
}

func (tx *memoryTx) commit() {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	for id, e := range tx.staged {
		if e == nil {
			delete(tx.store.exports, id)
			continue
		}
		tx.store.exports[id] = *e
	}
	tx.store.updates += tx.updates
	for _, e := range tx.events {
		tx.store.events[e.ID] = e
	}
	for _, id := range tx.deletedEvents {
		delete(tx.store.events, id)
	}
}

func (tx *memoryTx) release() {
	tx.store.mu.Lock()
	for id := range tx.claimed {
		delete(tx.store.claimed, id)
	}
	tx.store.mu.Unlock()

	for _, l := range tx.locks {
		l.Unlock()
	}
}

func cloneExport(e domain.Export) domain.Export {
	e.FilterOptions = bytes.Clone(e.FilterOptions)
	return e
}
