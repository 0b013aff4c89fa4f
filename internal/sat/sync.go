package sat

import (
	"context"

	"github.com/sourcegraph/conc/pool"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

// SyncResult is a completed download conversation
type SyncResult struct {
	Request  *models.DownloadRequest `json:"request"`
	Invoices []*models.Invoice       `json:"invoices"`
	Skips    []errors.ParseSkip      `json:"skips,omitempty"`
}

// Syncer runs the whole protocol: request, wait, download every package
// and decode the invoices.
type Syncer struct {
	service       Service
	poller        *Poller
	maxConcurrent int
	logger        logger.Logger
}

// NewSyncer creates a Syncer. A nil config uses the defaults.
func NewSyncer(service Service, config *Config) *Syncer {
	if config == nil {
		config = DefaultConfig()
	}
	return &Syncer{
		service:       service,
		poller:        NewPoller(service, config),
		maxConcurrent: config.MaxConcurrentDownloads,
		logger:        logger.GetGlobalLogger().WithComponent("sat_sync"),
	}
}

// Run downloads the invoices matching q. Packages are fetched concurrently;
// invoices are returned in package order with duplicates removed.
func (s *Syncer) Run(ctx context.Context, q Query) (*SyncResult, error) {
	req, err := s.service.RequestDownload(ctx, q)
	if err != nil {
		return nil, err
	}

	status, err := s.poller.Wait(ctx, req.ID)
	if err != nil {
		return &SyncResult{Request: req}, err
	}
	if err := status.Apply(req); err != nil {
		return &SyncResult{Request: req}, errors.InternalError("apply request status", err)
	}

	ids := req.PendingPackages()
	contents := make([]*PackageContents, len(ids))
	progress := logger.NewProgressTracker("sat_download", int64(len(ids)), s.logger)

	p := pool.New().WithMaxGoroutines(s.maxConcurrent).WithContext(ctx).WithCancelOnError()
	for i, id := range ids {
		i, id := i, id
		p.Go(func(ctx context.Context) error {
			data, err := s.service.DownloadPackage(ctx, id)
			if err != nil {
				return err
			}
			decoded, err := DecodePackage(id, data)
			if err != nil {
				return err
			}
			contents[i] = decoded
			progress.Add(1)
			return nil
		})
	}
	err = p.Wait()
	progress.Complete(err)
	if err != nil {
		return &SyncResult{Request: req}, err
	}

	result := &SyncResult{Request: req}
	seen := make(map[string]bool)
	for i, c := range contents {
		if err := req.MarkDownloaded(ids[i]); err != nil {
			return result, errors.InternalError("mark package downloaded", err)
		}
		for _, inv := range c.Invoices {
			if !seen[inv.UUID] {
				seen[inv.UUID] = true
				result.Invoices = append(result.Invoices, inv)
			}
		}
		result.Skips = append(result.Skips, c.Skips...)
	}

	s.logger.WithFields(logger.Fields{
		"request_id": req.ID,
		"packages":   len(ids),
		"invoices":   len(result.Invoices),
		"skipped":    len(result.Skips),
	}).Info("SAT sync completed")
	return result, nil
}
