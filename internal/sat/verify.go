package sat

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

// VerifyQuery identifies a CFDI for the public status service
type VerifyQuery struct {
	UUID        string          `json:"uuid"`
	IssuerRFC   string          `json:"issuer_rfc"`
	ReceiverRFC string          `json:"receiver_rfc"`
	Total       decimal.Decimal `json:"total"`
}

// VerifyQueryFor builds the query for an invoice
func VerifyQueryFor(inv *models.Invoice) VerifyQuery {
	return VerifyQuery{UUID: inv.UUID, IssuerRFC: inv.IssuerRFC, ReceiverRFC: inv.ReceiverRFC, Total: inv.Total}
}

func (q VerifyQuery) expression() string {
	return "?re=" + q.IssuerRFC + "&rr=" + q.ReceiverRFC + "&tt=" + q.Total.StringFixed(6) + "&id=" + models.NormalizeUUID(q.UUID)
}

// VerificationResult is SAT's answer about one CFDI. A CFDI SAT does not
// know is reported with status unknown, not as an error.
type VerificationResult struct {
	UUID               string               `json:"uuid"`
	Status             models.InvoiceStatus `json:"status"`
	StatusCode         string               `json:"status_code"`
	Cancellable        string               `json:"cancellable,omitempty"`
	CancellationStatus string               `json:"cancellation_status,omitempty"`
	EFOS               string               `json:"efos,omitempty"`
}

// Apply refreshes the invoice status. Status is the only field re-verification changes.
func (r *VerificationResult) Apply(inv *models.Invoice, at time.Time) bool {
	if r.Status == models.InvoiceStatusUnknown || r.Status == inv.Status {
		return false
	}
	inv.Status = r.Status
	if r.Status == models.InvoiceStatusCancelled && inv.CancelledAt == nil {
		inv.CancelledAt = &at
	}
	return true
}

// VerifyInvoice asks the public CFDI status service for the current status.
// The service needs no token.
func (c *Client) VerifyInvoice(ctx context.Context, q VerifyQuery) (*VerificationResult, error) {
	body := envelope("", `<tem:Consulta xmlns:tem="`+nsTempuri+`"><tem:expresionImpresa><![CDATA[`+q.expression()+`]]></tem:expresionImpresa></tem:Consulta>`)

	data, err := c.post(ctx, soapCall{
		operation: "verify invoice",
		endpoint:  c.config.Endpoints.Status,
		action:    actionConsulta,
		payload:   body,
		faultCode: errors.CodeAuthorityRejected,
	})
	if err != nil {
		return nil, err
	}
	env, err := parseEnvelope("verify invoice", data)
	if err != nil {
		return nil, err
	}
	res := env.Body.Consulta
	if res == nil {
		return nil, errors.ParseError(errors.CodeInvalidFormat, "SAT verify invoice response", nil)
	}

	out := &VerificationResult{
		UUID:               models.NormalizeUUID(q.UUID),
		Status:             models.ParseInvoiceStatus(res.Estado),
		StatusCode:         strings.TrimSpace(res.CodigoEstatus),
		Cancellable:        res.EsCancelable,
		CancellationStatus: res.EstatusCancelacion,
		EFOS:               res.ValidacionEFOS,
	}
	c.logger.WithFields(logger.Fields{"uuid": out.UUID, "status": out.Status, "code": out.StatusCode}).Debug("Verified CFDI status")
	return out, nil
}
