package models

import (
	"fmt"
	"time"
)

// RequestState is the lifecycle state of a SAT bulk-download request
type RequestState string

const (
	RequestStateRequested RequestState = "REQUESTED"
	RequestStateVerifying RequestState = "VERIFYING"
	RequestStateReady     RequestState = "READY"
	RequestStateRejected  RequestState = "REJECTED"
	RequestStateExpired   RequestState = "EXPIRED"
	RequestStateError     RequestState = "ERROR"
)

// IsTerminal reports whether no further polling can change the state
func (s RequestState) IsTerminal() bool {
	switch s {
	case RequestStateReady, RequestStateRejected, RequestStateExpired, RequestStateError:
		return true
	}
	return false
}

var requestTransitions = map[RequestState][]RequestState{
	RequestStateRequested: {RequestStateVerifying, RequestStateRejected, RequestStateError},
	RequestStateVerifying: {RequestStateVerifying, RequestStateReady, RequestStateRejected, RequestStateExpired, RequestStateError},
}

// RequestType selects full CFDI XML or metadata-only packages
type RequestType string

const (
	RequestTypeCFDI     RequestType = "CFDI"
	RequestTypeMetadata RequestType = "Metadata"
)

// DownloadDirection selects invoices issued by or received by the requester
type DownloadDirection string

const (
	DirectionIssued   DownloadDirection = "issued"
	DirectionReceived DownloadDirection = "received"
)

// PackageState tracks a single downloadable package
type PackageState string

const (
	PackagePending    PackageState = "PENDING"
	PackageDownloaded PackageState = "DOWNLOADED"
)

// Package is one ZIP produced by SAT for a ready request
type Package struct {
	ID    string       `json:"id"`
	State PackageState `json:"state"`
	Size  int          `json:"size,omitempty"`
}

// DateRange is an inclusive period of invoice issue dates
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks ordering and that the range does not end after now.
func (r DateRange) Validate(now time.Time) error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("date range requires both start and end")
	}
	if !r.Start.Before(r.End) {
		return fmt.Errorf("start %s must be before end %s", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	if r.End.After(now) {
		return fmt.Errorf("end %s is in the future", r.End.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether t falls within the range, inclusive.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// DownloadRequest is one SAT bulk-download conversation. It is owned by a
// single client and never shared across requests.
type DownloadRequest struct {
	ID           string            `json:"id"`
	RequesterRFC string            `json:"requester_rfc"`
	Range        DateRange         `json:"range"`
	Type         RequestType       `json:"type"`
	Direction    DownloadDirection `json:"direction"`
	State        RequestState      `json:"state"`
	StatusCode   string            `json:"status_code,omitempty"`
	Message      string            `json:"message,omitempty"`
	InvoiceCount int               `json:"invoice_count"`
	Packages     []Package         `json:"packages,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Transition moves the request to a new state, refusing illegal edges and any
// exit from a terminal state.
func (r *DownloadRequest) Transition(to RequestState) error {
	if r.State == "" {
		r.State = RequestStateRequested
	}
	for _, allowed := range requestTransitions[r.State] {
		if allowed == to {
			r.State = to
			r.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("request %s: illegal transition %s -> %s", r.ID, r.State, to)
}

// MarkDownloaded flags a package as downloaded. Only ready requests have
// downloadable packages.
func (r *DownloadRequest) MarkDownloaded(packageID string) error {
	if r.State != RequestStateReady {
		return fmt.Errorf("request %s is %s, packages are not downloadable", r.ID, r.State)
	}
	for i := range r.Packages {
		if r.Packages[i].ID == packageID {
			r.Packages[i].State = PackageDownloaded
			return nil
		}
	}
	return fmt.Errorf("request %s has no package %s", r.ID, packageID)
}

// PendingPackages returns the IDs of packages not yet downloaded
func (r *DownloadRequest) PendingPackages() []string {
	var ids []string
	for _, p := range r.Packages {
		if p.State != PackageDownloaded {
			ids = append(ids, p.ID)
		}
	}
	return ids
}
