package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("validation error")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrNoOpenBatch    = errors.New("no open batch")
	ErrSessionClosed  = errors.New("batch is closed")
	ErrEmptyBatch     = errors.New("batch has no scans")
	ErrForeignCarrier = errors.New("scan belongs to another carrier")
)

// ForeignCarrierError reports a scan whose shape matches a carrier other than the open batch's.
type ForeignCarrierError struct {
	BatchCarrier CarrierKind
	Detected     Category
}

func (e *ForeignCarrierError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: code looks like %s, batch is %s",
		ErrForeignCarrier.Error(), e.Detected, e.BatchCarrier)
}

func (e *ForeignCarrierError) Is(target error) bool {
	return target == ErrForeignCarrier
}
