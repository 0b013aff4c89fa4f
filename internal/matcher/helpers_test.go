package matcher

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.SetGlobalLogger(logger.Discard())
	os.Exit(m.Run())
}

func jan(d int) time.Time {
	return time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTx(id, amount string, d int, description string) *models.Transaction {
	return &models.Transaction{
		ID:          id,
		Date:        jan(d),
		Description: description,
		Amount:      dec(amount),
	}
}

func newInvoice(id, total string, d int) *models.Invoice {
	return &models.Invoice{
		ID:          id,
		UUID:        id,
		IssuerRFC:   "PRO010101AAA",
		IssuerName:  "PROVEEDOR GENERAL",
		ReceiverRFC: "CLI010101BBB",
		Total:       dec(total),
		IssueDate:   jan(d),
		Status:      models.InvoiceStatusActive,
	}
}

func matchFor(result *MatchResult, txID string) *models.Match {
	for _, m := range result.Matches {
		if m.TransactionID == txID {
			return m
		}
	}
	return nil
}
