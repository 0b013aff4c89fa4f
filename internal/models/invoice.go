package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus is the SAT validity status of a CFDI
type InvoiceStatus string

const (
	InvoiceStatusActive    InvoiceStatus = "vigente"
	InvoiceStatusCancelled InvoiceStatus = "cancelado"
	InvoiceStatusUnknown   InvoiceStatus = "unknown"
)

// ParseInvoiceStatus maps SAT wording ("Vigente", "Cancelado", "1", "0") to a status.
func ParseInvoiceStatus(s string) InvoiceStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vigente", "1":
		return InvoiceStatusActive
	case "cancelado", "0":
		return InvoiceStatusCancelled
	default:
		return InvoiceStatusUnknown
	}
}

// InvoiceType is the CFDI TipoDeComprobante
type InvoiceType string

const (
	InvoiceTypeIngreso  InvoiceType = "I"
	InvoiceTypeEgreso   InvoiceType = "E"
	InvoiceTypeTraslado InvoiceType = "T"
	InvoiceTypeNomina   InvoiceType = "N"
	InvoiceTypePago     InvoiceType = "P"
)

// PaymentMethod values referenced by reporting
const (
	PaymentMethodPUE = "PUE"
	PaymentMethodPPD = "PPD"
)

// Invoice is a canonical CFDI. UUID is immutable; Status is refreshed by
// re-verification against SAT.
type Invoice struct {
	ID            string          `json:"id"`
	UUID          string          `json:"uuid"`
	IssuerRFC     string          `json:"issuer_rfc"`
	IssuerName    string          `json:"issuer_name"`
	ReceiverRFC   string          `json:"receiver_rfc"`
	ReceiverName  string          `json:"receiver_name,omitempty"`
	Total         decimal.Decimal `json:"total"`
	Currency      string          `json:"currency,omitempty"`
	IssueDate     time.Time       `json:"issue_date"`
	Status        InvoiceStatus   `json:"status"`
	Type          InvoiceType     `json:"tipo_comprobante"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
}

// NormalizeUUID uppercases and trims a CFDI folio fiscal
func NormalizeUUID(uuid string) string {
	return strings.ToUpper(strings.TrimSpace(uuid))
}

// IsCancelled reports whether SAT marks the invoice as cancelled
func (inv *Invoice) IsCancelled() bool {
	return inv.Status == InvoiceStatusCancelled
}

// CounterpartyName returns the name of the party that is not ownRFC. With an
// empty ownRFC the issuer is assumed to be the counterparty.
func (inv *Invoice) CounterpartyName(ownRFC string) string {
	if ownRFC != "" && strings.EqualFold(inv.IssuerRFC, ownRFC) && inv.ReceiverName != "" {
		return inv.ReceiverName
	}
	return inv.IssuerName
}

// IssuedBy reports whether rfc is the invoice issuer
func (inv *Invoice) IssuedBy(rfc string) bool {
	return rfc != "" && strings.EqualFold(inv.IssuerRFC, rfc)
}

// Validate performs basic validation on the Invoice
func (inv *Invoice) Validate() error {
	if strings.TrimSpace(inv.ID) == "" {
		return fmt.Errorf("invoice ID cannot be empty")
	}
	if strings.TrimSpace(inv.UUID) == "" {
		return fmt.Errorf("invoice %s: UUID cannot be empty", inv.ID)
	}
	if inv.Total.IsNegative() {
		return fmt.Errorf("invoice %s: total cannot be negative", inv.ID)
	}
	if inv.IssueDate.IsZero() {
		return fmt.Errorf("invoice %s: issue date cannot be zero", inv.ID)
	}
	return nil
}

// String returns a string representation of the Invoice
func (inv *Invoice) String() string {
	return fmt.Sprintf("Invoice{ID: %s, UUID: %s, Issuer: %q, Total: %s, Date: %s}",
		inv.ID, inv.UUID, inv.IssuerName, inv.Total.String(), inv.IssueDate.Format("2006-01-02"))
}
