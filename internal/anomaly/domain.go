package anomaly

import (
	"errors"
	"time"
)

// FindingType enumerates the detector families.
type FindingType string

const (
	FindingNegativeStock FindingType = "negative_stock"
	FindingMarginOutlier FindingType = "margin_outlier"
	FindingShrinkage     FindingType = "shrinkage"
)

// FindingStatus is the triage lifecycle of a finding.
type FindingStatus string

const (
	StatusOpen         FindingStatus = "OPEN"
	StatusAcknowledged FindingStatus = "ACKNOWLEDGED"
	StatusResolved     FindingStatus = "RESOLVED"
)

// Severity bands a finding for alert routing.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// escalate bumps a severity one band. HIGH stays HIGH.
func escalate(s Severity) Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	}
	return SeverityHigh
}

// Finding is an append-only anomaly record. Detectors never mutate ledger
// state; they only emit findings, and resolution is a status move plus note,
// never a delete.
type Finding struct {
	ID       string
	Type     FindingType
	SKU      string
	Location string
	// RefID distinguishes findings of the same type for the same pair:
	// the posting id for margin outliers, the period for shrinkage, empty
	// for negative stock.
	RefID          string
	Severity       Severity
	DetectedAt     time.Time
	Evidence       map[string]string
	Status         FindingStatus
	ResolutionNote string
}

// Key identifies the condition a finding reports, used to avoid re-opening
// an already-open finding on every scan cycle.
func (f Finding) Key() string {
	return string(f.Type) + "\x00" + f.SKU + "\x00" + f.Location + "\x00" + f.RefID
}

var (
	// ErrFindingNotFound indicates an unknown finding id.
	ErrFindingNotFound = errors.New("anomaly: finding not found")
	// ErrInvalidFindingTransition indicates a status move not allowed by the
	// lifecycle.
	ErrInvalidFindingTransition = errors.New("anomaly: finding status transition invalid")
)

// ValidateFindingTransition checks lifecycle moves: open findings may be
// acknowledged or resolved, acknowledged findings resolved; resolved is
// terminal.
func ValidateFindingTransition(current, target FindingStatus) error {
	if current == target {
		return nil
	}
	switch current {
	case StatusOpen:
		if target == StatusAcknowledged || target == StatusResolved {
			return nil
		}
	case StatusAcknowledged:
		if target == StatusResolved {
			return nil
		}
	}
	return ErrInvalidFindingTransition
}
