package sat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/pkg/errors"
)

// scriptedService answers CheckStatus from a fixed script; the last entry
// repeats.
type scriptedService struct {
	mu     sync.Mutex
	script []func() (*StatusResult, error)
	calls  int
}

func (s *scriptedService) RequestDownload(ctx context.Context, q Query) (*models.DownloadRequest, error) {
	return nil, fmt.Errorf("not scripted")
}

func (s *scriptedService) CheckStatus(ctx context.Context, requestID string) (*StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	s.calls++
	return s.script[i]()
}

func (s *scriptedService) DownloadPackage(ctx context.Context, packageID string) ([]byte, error) {
	return nil, fmt.Errorf("not scripted")
}

func (s *scriptedService) VerifyInvoice(ctx context.Context, q VerifyQuery) (*VerificationResult, error) {
	return nil, fmt.Errorf("not scripted")
}

func state(st models.RequestState, code string) func() (*StatusResult, error) {
	return func() (*StatusResult, error) {
		res := &StatusResult{RequestID: "req", State: st, StatusCode: code}
		if st == models.RequestStateReady {
			res.PackageIDs = []string{"REQ_01"}
		}
		return res, nil
	}
}

func failure(err error) func() (*StatusResult, error) {
	return func() (*StatusResult, error) { return nil, err }
}

func TestPoller_Wait(t *testing.T) {
	transient := errors.NetworkError("https://sat.test", fmt.Errorf("connection reset"))
	rejected := errors.AuthorityError(errors.CodeAuthorityRejected, "verify request", "5004", "No se encontró la solicitud", nil)

	tests := []struct {
		name      string
		script    []func() (*StatusResult, error)
		wantCode  errors.ErrorCode
		wantCalls int
	}{
		{
			name:      "ready after verifying",
			script:    []func() (*StatusResult, error){state(models.RequestStateVerifying, "5000"), state(models.RequestStateVerifying, "5000"), state(models.RequestStateReady, "5000")},
			wantCalls: 3,
		},
		{
			name:      "transient errors are retried",
			script:    []func() (*StatusResult, error){failure(transient), failure(transient), state(models.RequestStateReady, "5000")},
			wantCalls: 3,
		},
		{
			name:      "rejected state is terminal",
			script:    []func() (*StatusResult, error){state(models.RequestStateRejected, "5005")},
			wantCode:  errors.CodeAuthorityRejected,
			wantCalls: 1,
		},
		{
			name:      "error state is terminal",
			script:    []func() (*StatusResult, error){state(models.RequestStateVerifying, "5000"), state(models.RequestStateError, "404")},
			wantCode:  errors.CodeAuthorityRejected,
			wantCalls: 2,
		},
		{
			name:      "expired state is terminal",
			script:    []func() (*StatusResult, error){state(models.RequestStateExpired, "5011")},
			wantCode:  errors.CodeAuthorityExpired,
			wantCalls: 1,
		},
		{
			name:      "authority errors are not retried",
			script:    []func() (*StatusResult, error){failure(rejected)},
			wantCode:  errors.CodeAuthorityRejected,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &scriptedService{script: tt.script}
			p := NewPoller(svc, testConfig("http://sat.test"))

			res, err := p.Wait(context.Background(), "req")
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Wait() error = %v", err)
				}
				if res.State != models.RequestStateReady || len(res.PackageIDs) != 1 {
					t.Errorf("Wait() = %+v", res)
				}
			} else if !errors.HasCode(err, tt.wantCode) {
				t.Fatalf("Wait() error = %v, want %s", err, tt.wantCode)
			}
			if svc.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", svc.calls, tt.wantCalls)
			}
		})
	}
}

func TestPoller_Timeout(t *testing.T) {
	svc := &scriptedService{script: []func() (*StatusResult, error){state(models.RequestStateVerifying, "5000")}}
	cfg := testConfig("http://sat.test")
	cfg.PollTimeout = 30 * time.Millisecond

	_, err := NewPoller(svc, cfg).Wait(context.Background(), "req")
	if !errors.HasCode(err, errors.CodeTransientNetwork) {
		t.Fatalf("Wait() error = %v, want transient_network", err)
	}
	if svc.calls < 2 {
		t.Errorf("calls = %d, want repeated polling", svc.calls)
	}
}

func TestPoller_Cancelled(t *testing.T) {
	svc := &scriptedService{script: []func() (*StatusResult, error){state(models.RequestStateVerifying, "5000")}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewPoller(svc, testConfig("http://sat.test")).Wait(ctx, "req")
	if err == nil {
		t.Fatalf("Wait() on a cancelled context succeeded")
	}
	if errors.HasCode(err, errors.CodeTransientNetwork) {
		t.Errorf("cancellation reported as timeout: %v", err)
	}
}
