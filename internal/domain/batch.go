package domain

import (
	"fmt"
	"strings"
	"time"
)

// CarrierKind is the carrier run a batch belongs to.
type CarrierKind string

const (
	CarrierFlex    CarrierKind = "FLEX"
	CarrierColecta CarrierKind = "COLECTA"
)

func (c CarrierKind) String() string { return string(c) }

func (c CarrierKind) IsValid() bool {
	switch c {
	case CarrierFlex, CarrierColecta:
		return true
	}
	return false
}

// Label is the operator-facing carrier name used in manifests.
func (c CarrierKind) Label() string {
	if c == CarrierColecta {
		return "Colecta"
	}
	return "Flex"
}

func ParseCarrierKindFromString(s string) (CarrierKind, error) {
	c := CarrierKind(strings.ToUpper(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("%w: invalid carrier %q", ErrValidation, s)
	}
	return c, nil
}

// ManifestStatus tracks delivery of the closing manifest.
type ManifestStatus string

const (
	ManifestStatusNone   ManifestStatus = "NONE"
	ManifestStatusQueued ManifestStatus = "QUEUED"
	ManifestStatusRetry  ManifestStatus = "RETRY"
	ManifestStatusSent   ManifestStatus = "SENT"
	ManifestStatusFailed ManifestStatus = "FAILED"
)

func (s ManifestStatus) String() string { return string(s) }

func (s ManifestStatus) IsTerminal() bool {
	return s == ManifestStatusSent || s == ManifestStatusFailed
}

// Batch is one dispatch session ("despacho") grouping scans for a single carrier run.
type Batch struct {
	ID                  string
	BusinessDate        time.Time
	Sequence            int
	Carrier             CarrierKind
	Transporter         string
	VehiclePlate        string
	OpenedAt            time.Time
	ClosedAt            *time.Time
	ManifestStatus      ManifestStatus
	ManifestAttempts    int
	ManifestNextRetryAt *time.Time
}

func (b *Batch) IsOpen() bool {
	return b != nil && b.ClosedAt == nil
}

// BatchMeta is the optional carrier metadata supplied when opening a batch.
type BatchMeta struct {
	Transporter  string
	VehiclePlate string
}

func (m BatchMeta) Normalize() BatchMeta {
	return BatchMeta{
		Transporter:  strings.TrimSpace(m.Transporter),
		VehiclePlate: strings.ToUpper(strings.TrimSpace(m.VehiclePlate)),
	}
}
