package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/despacho-tracker/internal/classifier"
	"github.com/kursadbilgin/despacho-tracker/internal/domain"
	"github.com/kursadbilgin/despacho-tracker/internal/manifest"
	"github.com/kursadbilgin/despacho-tracker/internal/observability"
	"github.com/kursadbilgin/despacho-tracker/internal/queue"
	"github.com/kursadbilgin/despacho-tracker/internal/repository"
	"go.uber.org/zap"
)

// publishGrace is how long a freshly closed batch waits before the retry scanner may
// republish it, covering the window between commit and the first publish.
const publishGrace = time.Minute

// DispatchService runs the batch lifecycle: open, scan, correct, delete, close.
// Every mutation happens inside one transaction that first takes the open-batch lock.
type DispatchService struct {
	tx        repository.Transactor
	batches   repository.BatchRepository
	scans     repository.ScanRepository
	publisher queue.Publisher
	location  *time.Location
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	newID     func() string
}

// ScanResult is the response to a scan submission. A duplicate carries the id of the
// scan that already holds the code; nothing is written for it.
type ScanResult struct {
	Scan        domain.Scan
	DuplicateOf string
	Metrics     domain.Metrics
}

// ScanChange is the response to a scan deletion or correction.
type ScanChange struct {
	Scan     *domain.Scan
	Metrics  domain.Metrics
	LastScan *domain.Scan
}

// BatchView is a batch with its derived counters and, when loaded, its scans.
type BatchView struct {
	Batch    domain.Batch
	Scans    []domain.Scan
	Metrics  domain.Metrics
	LastScan *domain.Scan
}

type HistoryPage struct {
	Items    []BatchView
	Total    int64
	Page     int
	PageSize int
}

// Export is a rendered manifest workbook.
type Export struct {
	FileName    string
	ContentType string
	Data        []byte
}

func NewDispatchService(
	tx repository.Transactor,
	batches repository.BatchRepository,
	scans repository.ScanRepository,
	publisher queue.Publisher,
	location *time.Location,
	logger *zap.Logger,
) (*DispatchService, error) {
	if tx == nil {
		return nil, fmt.Errorf("transactor is required")
	}
	if batches == nil || scans == nil {
		return nil, fmt.Errorf("batch and scan repositories are required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DispatchService{
		tx:        tx,
		batches:   batches,
		scans:     scans,
		publisher: publisher,
		location:  location,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

func (s *DispatchService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// OpenBatch starts a new batch. It fails with ErrConflict while any batch is open,
// whatever its carrier.
func (s *DispatchService) OpenBatch(ctx context.Context, carrier domain.CarrierKind, meta domain.BatchMeta) (*domain.Batch, error) {
	if !carrier.IsValid() {
		return nil, fmt.Errorf("%w: invalid carrier %q", domain.ErrValidation, carrier)
	}
	meta = meta.Normalize()

	var opened domain.Batch
	err := s.tx.WithinTx(ctx, func(ctx context.Context, st repository.Stores) error {
		current, err := st.Batches.LockOpen(ctx)
		if err == nil {
			return fmt.Errorf("%w: batch #%d (%s) is still open", domain.ErrConflict, current.Sequence, current.Carrier)
		}
		if !errors.Is(err, domain.ErrNoOpenBatch) {
			return err
		}

		now := s.now()
		businessDate := s.businessDate(now)
		seq, err := st.Batches.MaxSequence(ctx, businessDate, carrier)
		if err != nil {
			return fmt.Errorf("failed to compute batch sequence: %w", err)
		}

		opened = domain.Batch{
			ID:             s.newID(),
			BusinessDate:   businessDate,
			Sequence:       seq + 1,
			Carrier:        carrier,
			Transporter:    meta.Transporter,
			VehiclePlate:   meta.VehiclePlate,
			OpenedAt:       now.UTC(),
			ManifestStatus: domain.ManifestStatusNone,
		}
		return st.Batches.Create(ctx, &opened)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncBatchOpened(carrier.String())
	s.log(ctx).Info("batch opened",
		zap.String("batchId", opened.ID),
		zap.String("carrier", carrier.String()),
		zap.Int("sequence", opened.Sequence),
	)
	return &opened, nil
}

// SubmitScan classifies raw against the open batch and records it unless its canonical
// code is already present. Concurrent submissions are serialized on the open-batch lock.
func (s *DispatchService) SubmitScan(ctx context.Context, raw string) (*ScanResult, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: code is required", domain.ErrValidation)
	}

	var result ScanResult
	var batch *domain.Batch
	err := s.tx.WithinTx(ctx, func(ctx context.Context, st repository.Stores) error {
		var err error
		batch, err = st.Batches.LockOpen(ctx)
		if err != nil {
			return err
		}

		verdict, err := classifier.Classify(raw, batch.Carrier)
		if err != nil {
			return err
		}
		if verdict.RejectedAsForeignCarrier {
			return &domain.ForeignCarrierError{BatchCarrier: batch.Carrier, Detected: verdict.Category}
		}

		scan := domain.Scan{
			BatchID:       batch.ID,
			RawInput:      raw,
			CanonicalCode: verdict.CanonicalCode,
			Category:      verdict.Category,
			Outcome:       verdict.Outcome,
			Rule:          verdict.Rule,
			RuleSet:       classifier.RuleSetVersion,
			ScannedAt:     s.now().UTC(),
		}

		existing, err := st.Scans.FindByCode(ctx, batch.ID, scan.CanonicalCode)
		switch {
		case err == nil:
			scan.Outcome = domain.OutcomeDuplicate
			result.DuplicateOf = existing.ID
		case errors.Is(err, domain.ErrNotFound):
			scan.ID = s.newID()
			if err := st.Scans.Create(ctx, &scan); err != nil {
				return err
			}
		default:
			return err
		}
		result.Scan = scan

		result.Metrics, err = st.Scans.CountAggregates(ctx, batch.ID)
		return err
	})
	if err != nil {
		s.rejected(ctx, batch, err)
		return nil, err
	}

	s.metrics.IncScan(batch.Carrier.String(), result.Scan.Category.String(), result.Scan.Outcome.String())
	s.log(ctx).Info("scan recorded",
		zap.String("batchId", batch.ID),
		zap.String("code", result.Scan.CanonicalCode),
		zap.String("category", result.Scan.Category.String()),
		zap.String("outcome", result.Scan.Outcome.String()),
		zap.String("rule", result.Scan.Rule),
		zap.String("ruleSet", result.Scan.RuleSet),
	)
	return &result, nil
}

// DeleteScan removes a scan of the open batch and returns the recomputed counters.
func (s *DispatchService) DeleteScan(ctx context.Context, scanID string) (*ScanChange, error) {
	var change ScanChange
	err := s.tx.WithinTx(ctx, func(ctx context.Context, st repository.Stores) error {
		batch, scan, err := s.lockScanForUpdate(ctx, st, scanID)
		if err != nil {
			return err
		}

		if err := st.Scans.Delete(ctx, scan.ID); err != nil {
			return err
		}
		return s.fillChange(ctx, st, batch.ID, &change)
	})
	if err != nil {
		return nil, err
	}

	s.log(ctx).Info("scan deleted", zap.String("scanId", scanID))
	return &change, nil
}

// CorrectScanCategory re-derives the canonical code and outcome of a scan from its raw
// input under the rules of category, which must be FLEX or ETIQUETA.
func (s *DispatchService) CorrectScanCategory(ctx context.Context, scanID string, category domain.Category) (*ScanChange, error) {
	if category != domain.CategoryFlex && category != domain.CategoryEtiqueta {
		return nil, fmt.Errorf("%w: scans can only be corrected to FLEX or ETIQUETA", domain.ErrValidation)
	}

	var change ScanChange
	err := s.tx.WithinTx(ctx, func(ctx context.Context, st repository.Stores) error {
		batch, scan, err := s.lockScanForUpdate(ctx, st, scanID)
		if err != nil {
			return err
		}
		if batch.Carrier != domain.CarrierFlex {
			return fmt.Errorf("%w: only scans of a Flex batch can be corrected", domain.ErrValidation)
		}

		verdict, err := classifier.Rederive(scan.RawInput, category)
		if err != nil {
			return err
		}

		other, err := st.Scans.FindByCode(ctx, batch.ID, verdict.CanonicalCode)
		switch {
		case err == nil && other.ID != scan.ID:
			return fmt.Errorf("%w: code %s was already scanned in this batch", domain.ErrConflict, verdict.CanonicalCode)
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return err
		}

		scan.CanonicalCode = verdict.CanonicalCode
		scan.Category = verdict.Category
		scan.Outcome = verdict.Outcome
		scan.Rule = verdict.Rule
		scan.RuleSet = classifier.RuleSetVersion
		if err := st.Scans.Update(ctx, scan); err != nil {
			return err
		}

		change.Scan = scan
		return s.fillChange(ctx, st, batch.ID, &change)
	})
	if err != nil {
		return nil, err
	}

	s.log(ctx).Info("scan corrected",
		zap.String("scanId", scanID),
		zap.String("category", change.Scan.Category.String()),
		zap.String("outcome", change.Scan.Outcome.String()),
	)
	return &change, nil
}

// CloseBatch stamps the open batch as closed and hands its manifest to the delivery queue.
// An empty batch cannot be closed.
func (s *DispatchService) CloseBatch(ctx context.Context) (*domain.ClosureSummary, error) {
	var summary domain.ClosureSummary
	err := s.tx.WithinTx(ctx, func(ctx context.Context, st repository.Stores) error {
		batch, err := st.Batches.LockOpen(ctx)
		if err != nil {
			return err
		}

		scans, err := st.Scans.ListByBatch(ctx, batch.ID)
		if err != nil {
			return err
		}
		if len(scans) == 0 {
			return fmt.Errorf("%w: scan at least one package before closing", domain.ErrEmptyBatch)
		}

		closedAt := s.now().UTC()
		if err := st.Batches.MarkClosed(ctx, batch.ID, closedAt); err != nil {
			return err
		}

		// Parked for the retry scanner until the publish below confirms the hand-off.
		retryAt := closedAt.Add(publishGrace)
		if err := st.Batches.SetManifestStatus(ctx, batch.ID, domain.ManifestStatusRetry, &retryAt); err != nil {
			return err
		}

		batch.ClosedAt = &closedAt
		batch.ManifestStatus = domain.ManifestStatusRetry
		batch.ManifestNextRetryAt = &retryAt
		summary = domain.SummarizeClosure(*batch, scans)
		return nil
	})
	if err != nil {
		return nil, err
	}

	b := &summary.Batch
	s.metrics.IncBatchClosed(b.Carrier.String())
	s.log(ctx).Info("batch closed",
		zap.String("batchId", b.ID),
		zap.Int("sequence", b.Sequence),
		zap.Int("total", summary.Metrics.Total),
		zap.Duration("duration", summary.Duration),
	)

	s.enqueueManifest(ctx, b)
	return &summary, nil
}

// CurrentBatch returns the open batch with its scans, or nil when none is open.
func (s *DispatchService) CurrentBatch(ctx context.Context) (*BatchView, error) {
	batch, err := s.batches.GetOpen(ctx)
	if errors.Is(err, domain.ErrNoOpenBatch) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.view(ctx, batch)
}

// CancelBatch discards the open batch and every scan recorded in it.
func (s *DispatchService) CancelBatch(ctx context.Context) (*domain.Batch, error) {
	var cancelled *domain.Batch
	err := s.tx.WithinTx(ctx, func(ctx context.Context, st repository.Stores) error {
		batch, err := st.Batches.LockOpen(ctx)
		if err != nil {
			return err
		}
		if err := st.Scans.DeleteByBatch(ctx, batch.ID); err != nil {
			return err
		}
		if err := st.Batches.Delete(ctx, batch.ID); err != nil {
			return err
		}
		cancelled = batch
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log(ctx).Warn("batch cancelled",
		zap.String("batchId", cancelled.ID),
		zap.String("carrier", cancelled.Carrier.String()),
	)
	return cancelled, nil
}

// ListHistory pages through closed batches, newest first.
func (s *DispatchService) ListHistory(ctx context.Context, page, pageSize int) (*HistoryPage, error) {
	params := repository.HistoryParams{Page: page, PageSize: pageSize}
	batches, total, err := s.batches.ListClosed(ctx, params)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(batches))
	for i := range batches {
		ids = append(ids, batches[i].ID)
	}
	metrics, err := s.scans.AggregatesByBatch(ctx, ids)
	if err != nil {
		return nil, err
	}

	items := make([]BatchView, 0, len(batches))
	for i := range batches {
		m, ok := metrics[batches[i].ID]
		if !ok {
			m = domain.NewMetrics()
		}
		items = append(items, BatchView{Batch: batches[i], Metrics: m})
	}

	return &HistoryPage{
		Items:    items,
		Total:    total,
		Page:     max(page, 1),
		PageSize: pageSizeOrDefault(pageSize),
	}, nil
}

func (s *DispatchService) BatchDetail(ctx context.Context, id string) (*BatchView, error) {
	batch, err := s.batches.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, batch)
}

// ExportManifest renders the scans and totals of a batch as an XLSX workbook.
func (s *DispatchService) ExportManifest(ctx context.Context, id string) (*Export, error) {
	batch, err := s.batches.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	scans, err := s.scans.ListByBatch(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	data, err := manifest.ExportXLSX(domain.SummarizeClosure(*batch, scans), s.location)
	if err != nil {
		return nil, fmt.Errorf("failed to export batch %s: %w", batch.ID, err)
	}

	return &Export{
		FileName:    manifest.FileName(*batch),
		ContentType: manifest.ContentTypeXLSX,
		Data:        data,
	}, nil
}

// enqueueManifest publishes the closure message. On failure the batch stays parked for the
// retry scanner with an immediate due time.
func (s *DispatchService) enqueueManifest(ctx context.Context, b *domain.Batch) {
	correlationID, _ := observability.CorrelationIDFromContext(ctx)
	msg := queue.ClosureMessage{BatchID: b.ID, CorrelationID: correlationID}

	if err := s.publisher.Publish(ctx, queue.ManifestQueue, msg); err != nil {
		s.log(ctx).Error("failed to publish batch closure",
			zap.String("batchId", b.ID),
			zap.Error(err),
		)
		retryAt := s.now().UTC()
		if updateErr := s.batches.SetManifestStatus(ctx, b.ID, domain.ManifestStatusRetry, &retryAt); updateErr != nil {
			s.log(ctx).Error("failed to schedule manifest retry after publish error",
				zap.String("batchId", b.ID),
				zap.Error(updateErr),
			)
			return
		}
		b.ManifestNextRetryAt = &retryAt
		s.metrics.IncRetryScheduled(b.Carrier.String())
		return
	}

	if err := s.batches.SetManifestStatus(ctx, b.ID, domain.ManifestStatusQueued, nil); err != nil {
		s.log(ctx).Error("failed to mark manifest as queued",
			zap.String("batchId", b.ID),
			zap.Error(err),
		)
		return
	}
	b.ManifestStatus = domain.ManifestStatusQueued
	b.ManifestNextRetryAt = nil
}

// lockScanForUpdate takes the open-batch lock and loads a scan that belongs to it. Scans of
// closed batches report ErrSessionClosed.
func (s *DispatchService) lockScanForUpdate(ctx context.Context, st repository.Stores, scanID string) (*domain.Batch, *domain.Scan, error) {
	if strings.TrimSpace(scanID) == "" {
		return nil, nil, fmt.Errorf("%w: scan id is required", domain.ErrValidation)
	}

	batch, lockErr := st.Batches.LockOpen(ctx)
	if lockErr != nil && !errors.Is(lockErr, domain.ErrNoOpenBatch) {
		return nil, nil, lockErr
	}

	scan, err := st.Scans.GetByID(ctx, scanID)
	if err != nil {
		return nil, nil, err
	}
	if lockErr != nil || scan.BatchID != batch.ID {
		return nil, nil, fmt.Errorf("%w: scan %s belongs to a closed batch", domain.ErrSessionClosed, scanID)
	}
	return batch, scan, nil
}

func (s *DispatchService) fillChange(ctx context.Context, st repository.Stores, batchID string, change *ScanChange) error {
	var err error
	if change.Metrics, err = st.Scans.CountAggregates(ctx, batchID); err != nil {
		return err
	}
	change.LastScan, err = st.Scans.Latest(ctx, batchID)
	return err
}

func (s *DispatchService) view(ctx context.Context, batch *domain.Batch) (*BatchView, error) {
	scans, err := s.scans.ListByBatch(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	v := &BatchView{
		Batch:   *batch,
		Scans:   scans,
		Metrics: domain.MetricsFromScans(scans),
	}
	if n := len(scans); n > 0 {
		last := scans[n-1]
		v.LastScan = &last
	}
	return v, nil
}

func (s *DispatchService) rejected(ctx context.Context, batch *domain.Batch, err error) {
	var reason string
	switch {
	case errors.Is(err, domain.ErrForeignCarrier):
		reason = "foreign_carrier"
	case errors.Is(err, domain.ErrNoOpenBatch):
		reason = "no_open_batch"
	case errors.Is(err, domain.ErrValidation):
		reason = "validation"
	default:
		return
	}

	carrier := ""
	if batch != nil {
		carrier = batch.Carrier.String()
	}
	s.metrics.IncScanRejected(carrier, reason)
	s.log(ctx).Warn("scan rejected", zap.String("reason", reason), zap.Error(err))
}

// businessDate is the calendar day of t in the business timezone, as a UTC midnight.
func (s *DispatchService) businessDate(t time.Time) time.Time {
	y, m, d := t.In(s.location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *DispatchService) log(ctx context.Context) *zap.Logger {
	return observability.WithContextLogger(s.logger, ctx)
}

func pageSizeOrDefault(pageSize int) int {
	if pageSize < 1 {
		return 20
	}
	return min(pageSize, 100)
}
