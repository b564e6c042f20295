package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClosureSummary is the manifest handed to manifest delivery on close.
type ClosureSummary struct {
	Batch       Batch
	Scans       []Scan
	Metrics     Metrics
	FirstScanAt time.Time
	LastScanAt  time.Time
	Duration    time.Duration
	// Throughput is scans per minute; nil when the duration is zero.
	Throughput *decimal.Decimal
}

// SummarizeClosure derives the closing figures of a batch from its scans, which must be
// ordered by scan time. Duration is measured in whole seconds.
func SummarizeClosure(batch Batch, scans []Scan) ClosureSummary {
	summary := ClosureSummary{
		Batch:   batch,
		Scans:   scans,
		Metrics: MetricsFromScans(scans),
	}
	if len(scans) == 0 {
		return summary
	}

	first, last := scans[0].ScannedAt, scans[0].ScannedAt
	for i := range scans {
		if scans[i].ScannedAt.Before(first) {
			first = scans[i].ScannedAt
		}
		if scans[i].ScannedAt.After(last) {
			last = scans[i].ScannedAt
		}
	}

	summary.FirstScanAt = first
	summary.LastScanAt = last
	summary.Duration = max(last.Sub(first).Truncate(time.Second), 0)

	if seconds := int64(summary.Duration / time.Second); seconds > 0 {
		perMinute := decimal.NewFromInt(int64(summary.Metrics.Total) * 60).Div(decimal.NewFromInt(seconds))
		summary.Throughput = &perMinute
	}

	return summary
}
