package sat

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

var errStillProcessing = stderrors.New("sat: request still processing")

// Poller waits for a download request to leave VERIFYING. It backs off
// exponentially between checks, capped at PollMaxInterval, and gives up after
// PollTimeout. Terminal answers are never retried.
type Poller struct {
	service Service
	config  *Config
	logger  logger.Logger
}

// NewPoller creates a Poller. A nil config uses the defaults.
func NewPoller(service Service, config *Config) *Poller {
	if config == nil {
		config = DefaultConfig()
	}
	return &Poller{
		service: service,
		config:  config,
		logger:  logger.GetGlobalLogger().WithComponent("sat_poller"),
	}
}

func (p *Poller) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.PollInitialInterval
	b.MaxInterval = p.config.PollMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Wait polls until the request is READY. REJECTED, EXPIRED and ERROR come
// back as authority errors carrying SAT's code. Cancellation is checked
// between attempts.
func (p *Poller) Wait(ctx context.Context, requestID string) (*StatusResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.PollTimeout)
	defer cancel()

	log := p.logger.WithField("request_id", requestID)
	var result *StatusResult
	attempts := 0

	operation := func() error {
		attempts++
		status, err := p.service.CheckStatus(ctx, requestID)
		if err != nil {
			if errors.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		switch status.State {
		case models.RequestStateReady:
			result = status
			return nil
		case models.RequestStateRejected, models.RequestStateError:
			return backoff.Permanent(errors.AuthorityError(errors.CodeAuthorityRejected, "verify request", status.StatusCode, status.Message, nil).
				WithContext("request_id", requestID))
		case models.RequestStateExpired:
			return backoff.Permanent(errors.AuthorityError(errors.CodeAuthorityExpired, "verify request", status.StatusCode, status.Message, nil).
				WithContext("request_id", requestID))
		}
		return errStillProcessing
	}

	notify := func(err error, next time.Duration) {
		log.WithFields(logger.Fields{"attempt": attempts, "next_check": next.String()}).Debugf("Request not ready: %v", err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(p.newBackOff(), ctx), notify)
	if err != nil {
		if ctx.Err() != nil && result == nil && !stderrors.Is(err, context.Canceled) {
			return nil, errors.Wrap(ctx.Err(), errors.CategoryNetwork, errors.CodeTransientNetwork,
				"timed out waiting for SAT request "+requestID).
				WithSuggestion("check the request later with 'sat status'")
		}
		log.WithError(err).Error("Download request did not become ready")
		return nil, err
	}

	log.WithFields(logger.Fields{"attempts": attempts, "packages": len(result.PackageIDs)}).Info("Download request ready")
	return result, nil
}
