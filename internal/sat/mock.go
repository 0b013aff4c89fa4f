package sat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/pkg/errors"
)

// mockNamespace seeds the deterministic ids handed out by MockClient
var mockNamespace = uuid.MustParse("6f1f3c2e-6b7c-4c1a-9a55-2f8c0d3e4b10")

// MockClient is a deterministic in-memory Service. Requests are accepted
// immediately as VERIFYING and become READY on the first status check.
// Identical queries always yield identical request ids, package ids and
// package bytes.
type MockClient struct {
	// Invoices served by every request. Empty means synthetic invoices
	// derived from the query.
	Invoices []*models.Invoice
	// PackageSize is the number of invoices per package (default 100).
	PackageSize int
	// RejectCode makes RequestDownload fail with that SAT code.
	RejectCode string
	// ExpireRequests makes status checks report EXPIRED instead of READY.
	ExpireRequests bool

	mu       sync.Mutex
	requests map[string]*mockRequest
	packages map[string][]byte
	calls    map[string]int
}

type mockRequest struct {
	query    Query
	packages []string
	count    int
}

// NewMockClient creates a MockClient serving invoices
func NewMockClient(invoices ...*models.Invoice) *MockClient {
	return &MockClient{Invoices: invoices}
}

func (m *MockClient) init() {
	if m.requests == nil {
		m.requests = make(map[string]*mockRequest)
		m.packages = make(map[string][]byte)
		m.calls = make(map[string]int)
	}
}

// Calls returns how many times an operation was invoked
func (m *MockClient) Calls(operation string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[operation]
}

// RequestDownload validates the query like SAT and registers the request.
func (m *MockClient) RequestDownload(ctx context.Context, q Query) (*models.DownloadRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.normalize("XAXX010101000")
	if err := q.Range.Validate(time.Now()); err != nil {
		return nil, errors.AuthorityError(errors.CodeInvalidDateRange, "request download", "", err.Error(), nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.calls["request"]++

	if m.RejectCode != "" {
		return nil, errors.AuthorityError(classifyStatus(m.RejectCode), "request download", m.RejectCode, "mock rejection", nil)
	}

	key := fmt.Sprintf("%s|%s|%s|%s|%s|%s", q.RequesterRFC, q.Range.Start.Format(requestDateLayout),
		q.Range.End.Format(requestDateLayout), q.Type, q.Direction, q.CounterpartRFC)
	id := uuid.NewSHA1(mockNamespace, []byte(key)).String()

	if _, ok := m.requests[id]; !ok {
		invoices := m.Invoices
		if len(invoices) == 0 {
			invoices = syntheticInvoices(q)
		}
		size := m.PackageSize
		if size <= 0 {
			size = 100
		}
		req := &mockRequest{query: q, count: len(invoices)}
		for start, n := 0, 1; start < len(invoices) || n == 1; start, n = start+size, n+1 {
			end := start + size
			if end > len(invoices) {
				end = len(invoices)
			}
			pkgID := fmt.Sprintf("%s_%02d", strings.ToUpper(id), n)
			data, err := BuildPackage(pkgID, invoices[start:end], q.Type)
			if err != nil {
				return nil, errors.InternalError("build mock package", err)
			}
			req.packages = append(req.packages, pkgID)
			m.packages[pkgID] = data
		}
		m.requests[id] = req
	}

	now := time.Now()
	return &models.DownloadRequest{
		ID:           id,
		RequesterRFC: q.RequesterRFC,
		Range:        q.Range,
		Type:         q.Type,
		Direction:    q.Direction,
		State:        models.RequestStateVerifying,
		StatusCode:   CodeAccepted,
		Message:      "Solicitud Aceptada",
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// CheckStatus reports READY with the request's packages.
func (m *MockClient) CheckStatus(ctx context.Context, requestID string) (*StatusResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.calls["status"]++

	req, ok := m.requests[requestID]
	if !ok {
		return nil, errors.AuthorityError(errors.CodeAuthorityRejected, "verify request", "5004", "No se encontró la solicitud", nil).
			WithContext("request_id", requestID)
	}
	if m.ExpireRequests {
		return &StatusResult{RequestID: requestID, State: models.RequestStateExpired, StatusCode: "5011", Message: "Solicitud vencida"}, nil
	}
	return &StatusResult{
		RequestID:    requestID,
		State:        models.RequestStateReady,
		StatusCode:   CodeAccepted,
		Message:      "Solicitud Aceptada",
		InvoiceCount: req.count,
		PackageIDs:   append([]string(nil), req.packages...),
	}, nil
}

// DownloadPackage returns the ZIP built for the package.
func (m *MockClient) DownloadPackage(ctx context.Context, packageID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.calls["download"]++

	data, ok := m.packages[packageID]
	if !ok {
		return nil, errors.AuthorityError(errors.CodeAuthorityRejected, "download package", "5007", "No existe el paquete solicitado", nil).
			WithContext("package_id", packageID)
	}
	return append([]byte(nil), data...), nil
}

// VerifyInvoice answers from the configured invoices; anything else is
// unknown to the mock authority.
func (m *MockClient) VerifyInvoice(ctx context.Context, q VerifyQuery) (*VerificationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.calls["verify"]++

	id := models.NormalizeUUID(q.UUID)
	for _, inv := range m.Invoices {
		if inv.UUID == id {
			status := models.InvoiceStatusActive
			if inv.IsCancelled() {
				status = models.InvoiceStatusCancelled
			}
			return &VerificationResult{UUID: id, Status: status, StatusCode: "S - Comprobante obtenido satisfactoriamente."}, nil
		}
	}
	return &VerificationResult{UUID: id, Status: models.InvoiceStatusUnknown, StatusCode: "N - 602: Comprobante no encontrado."}, nil
}

// syntheticInvoices derives three invoices from the query so the mock is
// useful without fixtures.
func syntheticInvoices(q Query) []*models.Invoice {
	counterpart := q.CounterpartRFC
	if counterpart == "" {
		counterpart = "EKU9003173C9"
	}
	issuer, receiver := counterpart, q.RequesterRFC
	if q.Direction == models.DirectionIssued {
		issuer, receiver = q.RequesterRFC, counterpart
	}

	invoices := make([]*models.Invoice, 3)
	for i := range invoices {
		id := strings.ToUpper(uuid.NewSHA1(mockNamespace, []byte(fmt.Sprintf("%s|%s|%d", q.RequesterRFC, q.Range.Start.Format(requestDateLayout), i))).String())
		invoices[i] = &models.Invoice{
			ID:            id,
			UUID:          id,
			IssuerRFC:     issuer,
			IssuerName:    "ESCUELA KEMPER URGATE",
			ReceiverRFC:   receiver,
			Total:         decimal.NewFromInt(int64(100 * (i + 1))).Add(decimal.New(16, -2)),
			Currency:      "MXN",
			IssueDate:     q.Range.Start.Add(time.Duration(i) * 24 * time.Hour).Truncate(time.Second),
			Status:        models.InvoiceStatusActive,
			Type:          models.InvoiceTypeIngreso,
			PaymentMethod: models.PaymentMethodPUE,
		}
	}
	return invoices
}
