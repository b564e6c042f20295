package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/despacho-tracker/internal/domain"
	"github.com/kursadbilgin/despacho-tracker/internal/provider"
	"github.com/kursadbilgin/despacho-tracker/internal/queue"
	"github.com/kursadbilgin/despacho-tracker/internal/ratelimit"
	"github.com/kursadbilgin/despacho-tracker/internal/repository"
)

// memStore is an in-memory batch and scan store. Transactions are serialized and roll back
// to a snapshot on error, which mirrors the open-batch lock the gorm repositories take.
type memStore struct {
	mu      sync.Mutex
	txMu    sync.Mutex
	batches map[string]domain.Batch
	scans   map[string]domain.Scan

	// seq mirrors the scans.seq column: assigned on insert, never changed by updates.
	seq     map[string]int64
	nextSeq int64
}

func newMemStore() *memStore {
	return &memStore{
		batches: make(map[string]domain.Batch),
		scans:   make(map[string]domain.Scan),
		seq:     make(map[string]int64),
	}
}

func (m *memStore) batchRepo() *memBatches { return &memBatches{m} }
func (m *memStore) scanRepo() *memScans     { return &memScans{m} }

func (m *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, stores repository.Stores) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	batches := make(map[string]domain.Batch, len(m.batches))
	for k, v := range m.batches {
		batches[k] = v
	}
	scans := make(map[string]domain.Scan, len(m.scans))
	for k, v := range m.scans {
		scans[k] = v
	}
	m.mu.Unlock()

	if err := fn(ctx, repository.Stores{Batches: m.batchRepo(), Scans: m.scanRepo()}); err != nil {
		m.mu.Lock()
		m.batches, m.scans = batches, scans
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) scanCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scans)
}

func (m *memStore) batch(id string) domain.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches[id]
}

func (m *memStore) putScan(s domain.Scan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans[s.ID] = s
}

var (
	_ repository.Transactor      = (*memStore)(nil)
	_ repository.BatchRepository = (*memBatches)(nil)
	_ repository.ScanRepository  = (*memScans)(nil)
)

type memBatches struct{ m *memStore }

func (r *memBatches) Create(ctx context.Context, b *domain.Batch) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	for _, existing := range r.m.batches {
		if existing.ClosedAt == nil && b.ClosedAt == nil {
			return fmt.Errorf("%w: a batch is already open", domain.ErrConflict)
		}
		if existing.BusinessDate.Equal(b.BusinessDate) && existing.Carrier == b.Carrier && existing.Sequence == b.Sequence {
			return fmt.Errorf("%w: duplicate sequence", domain.ErrConflict)
		}
	}
	r.m.batches[b.ID] = *b
	return nil
}

func (r *memBatches) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	b, ok := r.m.batches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &b, nil
}

func (r *memBatches) GetOpen(ctx context.Context) (*domain.Batch, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	for _, b := range r.m.batches {
		if b.ClosedAt == nil {
			return &b, nil
		}
	}
	return nil, domain.ErrNoOpenBatch
}

func (r *memBatches) LockOpen(ctx context.Context) (*domain.Batch, error) {
	return r.GetOpen(ctx)
}

func (r *memBatches) MaxSequence(ctx context.Context, businessDate time.Time, carrier domain.CarrierKind) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	maxSeq := 0
	for _, b := range r.m.batches {
		if b.BusinessDate.Equal(businessDate) && b.Carrier == carrier {
			maxSeq = max(maxSeq, b.Sequence)
		}
	}
	return maxSeq, nil
}

func (r *memBatches) MarkClosed(ctx context.Context, id string, closedAt time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	b, ok := r.m.batches[id]
	if !ok || b.ClosedAt != nil {
		return domain.ErrSessionClosed
	}
	b.ClosedAt = &closedAt
	r.m.batches[id] = b
	return nil
}

func (r *memBatches) Delete(ctx context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if _, ok := r.m.batches[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.m.batches, id)
	return nil
}

func (r *memBatches) ListClosed(ctx context.Context, params repository.HistoryParams) ([]domain.Batch, int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	closed := make([]domain.Batch, 0)
	for _, b := range r.m.batches {
		if b.ClosedAt != nil {
			closed = append(closed, b)
		}
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].ClosedAt.After(*closed[j].ClosedAt) })

	page := max(params.Page, 1)
	size := pageSizeOrDefault(params.PageSize)
	start := min((page-1)*size, len(closed))
	end := min(start+size, len(closed))
	return closed[start:end], int64(len(closed)), nil
}

func (r *memBatches) SetManifestStatus(ctx context.Context, id string, status domain.ManifestStatus, nextRetryAt *time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	b, ok := r.m.batches[id]
	if !ok {
		return domain.ErrNotFound
	}
	if status == domain.ManifestStatusQueued && b.ManifestStatus != domain.ManifestStatusRetry {
		return nil
	}
	b.ManifestStatus = status
	b.ManifestNextRetryAt = nextRetryAt
	r.m.batches[id] = b
	return nil
}

func (r *memBatches) RecordManifestAttempt(ctx context.Context, id string, status domain.ManifestStatus, nextRetryAt *time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	b, ok := r.m.batches[id]
	if !ok {
		return domain.ErrNotFound
	}
	if status == domain.ManifestStatusQueued && b.ManifestStatus != domain.ManifestStatusRetry {
		return nil
	}
	b.ManifestStatus = status
	b.ManifestNextRetryAt = nextRetryAt
	b.ManifestAttempts++
	r.m.batches[id] = b
	return nil
}

func (r *memBatches) GetDueManifests(ctx context.Context, now time.Time, limit int) ([]domain.Batch, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	due := make([]domain.Batch, 0)
	for _, b := range r.m.batches {
		if b.ManifestStatus == domain.ManifestStatusRetry && b.ManifestNextRetryAt != nil && !b.ManifestNextRetryAt.After(now) {
			due = append(due, b)
		}
	}
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

type memScans struct{ m *memStore }

func (r *memScans) Create(ctx context.Context, s *domain.Scan) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	for _, existing := range r.m.scans {
		if existing.BatchID == s.BatchID && existing.CanonicalCode == s.CanonicalCode {
			return fmt.Errorf("%w: code already scanned in this batch", domain.ErrConflict)
		}
	}
	r.m.scans[s.ID] = *s
	r.m.nextSeq++
	r.m.seq[s.ID] = r.m.nextSeq
	return nil
}

func (r *memScans) GetByID(ctx context.Context, id string) (*domain.Scan, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	s, ok := r.m.scans[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &s, nil
}

func (r *memScans) FindByCode(ctx context.Context, batchID, canonicalCode string) (*domain.Scan, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	for _, s := range r.m.scans {
		if s.BatchID == batchID && s.CanonicalCode == canonicalCode {
			return &s, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memScans) Update(ctx context.Context, s *domain.Scan) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if _, ok := r.m.scans[s.ID]; !ok {
		return domain.ErrNotFound
	}
	for _, existing := range r.m.scans {
		if existing.ID != s.ID && existing.BatchID == s.BatchID && existing.CanonicalCode == s.CanonicalCode {
			return fmt.Errorf("%w: code already scanned in this batch", domain.ErrConflict)
		}
	}
	r.m.scans[s.ID] = *s
	return nil
}

func (r *memScans) Delete(ctx context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if _, ok := r.m.scans[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.m.scans, id)
	return nil
}

func (r *memScans) DeleteByBatch(ctx context.Context, batchID string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	for id, s := range r.m.scans {
		if s.BatchID == batchID {
			delete(r.m.scans, id)
		}
	}
	return nil
}

func (r *memScans) ListByBatch(ctx context.Context, batchID string) ([]domain.Scan, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	scans := make([]domain.Scan, 0)
	for _, s := range r.m.scans {
		if s.BatchID == batchID {
			scans = append(scans, s)
		}
	}
	sort.Slice(scans, func(i, j int) bool {
		return r.m.seq[scans[i].ID] < r.m.seq[scans[j].ID]
	})
	return scans, nil
}

func (r *memScans) Latest(ctx context.Context, batchID string) (*domain.Scan, error) {
	scans, _ := r.ListByBatch(ctx, batchID)
	if len(scans) == 0 {
		return nil, nil
	}
	last := scans[len(scans)-1]
	return &last, nil
}

func (r *memScans) CountAggregates(ctx context.Context, batchID string) (domain.Metrics, error) {
	scans, _ := r.ListByBatch(ctx, batchID)
	return domain.MetricsFromScans(scans), nil
}

func (r *memScans) AggregatesByBatch(ctx context.Context, batchIDs []string) (map[string]domain.Metrics, error) {
	result := make(map[string]domain.Metrics, len(batchIDs))
	for _, id := range batchIDs {
		scans, _ := r.ListByBatch(ctx, id)
		if len(scans) > 0 {
			result[id] = domain.MetricsFromScans(scans)
		}
	}
	return result, nil
}

type fakeBatchRepo struct {
	repository.BatchRepository

	getByIDFn               func(ctx context.Context, id string) (*domain.Batch, error)
	recordManifestAttemptFn func(ctx context.Context, id string, status domain.ManifestStatus, nextRetryAt *time.Time) error
	setManifestStatusFn     func(ctx context.Context, id string, status domain.ManifestStatus, nextRetryAt *time.Time) error
	getDueManifestsFn       func(ctx context.Context, now time.Time, limit int) ([]domain.Batch, error)
}

func (f *fakeBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeBatchRepo) RecordManifestAttempt(ctx context.Context, id string, status domain.ManifestStatus, nextRetryAt *time.Time) error {
	if f.recordManifestAttemptFn != nil {
		return f.recordManifestAttemptFn(ctx, id, status, nextRetryAt)
	}
	return nil
}

func (f *fakeBatchRepo) SetManifestStatus(ctx context.Context, id string, status domain.ManifestStatus, nextRetryAt *time.Time) error {
	if f.setManifestStatusFn != nil {
		return f.setManifestStatusFn(ctx, id, status, nextRetryAt)
	}
	return nil
}

func (f *fakeBatchRepo) GetDueManifests(ctx context.Context, now time.Time, limit int) ([]domain.Batch, error) {
	if f.getDueManifestsFn != nil {
		return f.getDueManifestsFn(ctx, now, limit)
	}
	return nil, nil
}

type fakeScanRepo struct {
	repository.ScanRepository

	listByBatchFn func(ctx context.Context, batchID string) ([]domain.Scan, error)
}

func (f *fakeScanRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.Scan, error) {
	if f.listByBatchFn != nil {
		return f.listByBatchFn(ctx, batchID)
	}
	return nil, nil
}

type fakeAttemptRepo struct {
	createFn func(ctx context.Context, a *domain.ManifestAttempt) error
}

func (f *fakeAttemptRepo) Create(ctx context.Context, a *domain.ManifestAttempt) error {
	if f.createFn != nil {
		return f.createFn(ctx, a)
	}
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []queue.ClosureMessage
	publishFn func(ctx context.Context, queueName string, msg queue.ClosureMessage) error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.ClosureMessage) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, queueName, msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.published = append(f.published, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) messages() []queue.ClosureMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.ClosureMessage(nil), f.published...)
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queue string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

type fakeMailer struct {
	sendFn func(ctx context.Context, msg provider.Mail) (*provider.SendResult, error)
}

func (f *fakeMailer) Send(ctx context.Context, msg provider.Mail) (*provider.SendResult, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, msg)
	}
	return &provider.SendResult{StatusCode: 202}, nil
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, key string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, key string) (bool, error) { return true, nil }

func (f *fakeRateLimiter) Wait(ctx context.Context, key string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, key)
	}
	return nil
}

type fakeLocker struct {
	acquireFn func(ctx context.Context, key string) (func(context.Context) error, error)
}

func (f *fakeLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	if f.acquireFn != nil {
		return f.acquireFn(ctx, key)
	}
	return func(context.Context) error { return nil }, nil
}

var (
	_ ratelimit.RateLimiter = (*fakeRateLimiter)(nil)
	_ ratelimit.Locker      = (*fakeLocker)(nil)
	_ provider.Mailer       = (*fakeMailer)(nil)
	_ queue.Publisher       = (*fakePublisher)(nil)
	_ queue.Consumer        = (*fakeConsumer)(nil)
)
