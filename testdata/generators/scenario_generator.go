// Command scenario_generator writes a synthetic bank statement and a SAT
// package with the invoices that justify its movements, for exercising the
// reconcile command end to end.
//
//	go run ./testdata/generators -month 2025-01 -count 40 -output-dir generated
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/internal/sat"
)

var monthAbbrev = [...]string{"ENE", "FEB", "MAR", "ABR", "MAY", "JUN", "JUL", "AGO", "SEP", "OCT", "NOV", "DIC"}

// vendor is a counterparty whose statement description differs from its
// registered name the way card processors and SPEI concepts do
type vendor struct {
	Name        string
	RFC         string
	Description string
}

var vendors = []vendor{
	{"ODOO TECHNOLOGIES SA DE CV", "OTE150101AB1", "STRIPE *ODOO TECHNOLOG MX"},
	{"COMISION FEDERAL DE ELECTRICIDAD", "CFE370814QI0", "PAGO SERVICIO CFE"},
	{"TELEFONOS DE MEXICO SAB DE CV", "TME840315KT6", "DOMICILIACION TELMEX"},
	{"AMAZON WEB SERVICES MEXICO S DE RL", "AWS150220AB4", "VISA AMAZON WEB SERVICES"},
	{"GOOGLE OPERACIONES DE MEXICO", "GOM0809114P5", "GOOGLE *WORKSPACE MX"},
	{"PAPELERIA LOZANO HERMANOS SA DE CV", "PLH9207011X2", "SPEI ENVIADO PAPELERIA LOZANO"},
	{"SERVICIOS CONTABLES DEL NORTE SC", "SCN101112RT7", "TRANSFERENCIA SERV CONTABLES NORTE"},
}

// Scenario controls how far invoices drift from their movements
type Scenario struct {
	Month      time.Time
	Count      int
	MatchRatio float64
	OwnRFC     string
	Seed       int64
	rng        *rand.Rand
}

type movement struct {
	Date        time.Time
	Reference   string
	Description string
	Amount      decimal.Decimal
	Vendor      *vendor
}

func main() {
	var (
		outputDir  = flag.String("output-dir", "generated", "Output directory")
		month      = flag.String("month", "2025-01", "Statement month (YYYY-MM)")
		count      = flag.Int("count", 40, "Number of movements")
		matchRatio = flag.Float64("match-ratio", 0.8, "Share of debits that get an invoice (0.0-1.0)")
		ownRFC     = flag.String("rfc", "XAXX010101000", "RFC of the account holder (invoice receiver)")
		metadata   = flag.Bool("metadata", false, "Write a Metadata package instead of CFDI XML")
		seed       = flag.Int64("seed", time.Now().UnixNano(), "Random seed for reproducible generation")
	)
	flag.Parse()

	start, err := time.Parse("2006-01", *month)
	if err != nil {
		log.Fatalf("Invalid month: %v", err)
	}
	if *matchRatio < 0 || *matchRatio > 1 {
		log.Fatalf("match-ratio must be between 0 and 1")
	}

	s := &Scenario{
		Month:      start,
		Count:      *count,
		MatchRatio: *matchRatio,
		OwnRFC:     strings.ToUpper(*ownRFC),
		Seed:       *seed,
		rng:        rand.New(rand.NewSource(*seed)),
	}

	opening := decimal.NewFromInt(int64(250000 + s.rng.Intn(250000)))
	movements := s.Movements()
	invoices := s.Invoices(movements)

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	statementPath := filepath.Join(*outputDir, fmt.Sprintf("estado_cuenta_%s.txt", start.Format("2006_01")))
	if err := os.WriteFile(statementPath, []byte(s.Statement(opening, movements)), 0o644); err != nil {
		log.Fatalf("Failed to write statement: %v", err)
	}

	requestType := models.RequestTypeCFDI
	if *metadata {
		requestType = models.RequestTypeMetadata
	}
	packageID := strings.ToUpper(uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s|%d", *month, *seed))).String()) + "_01"
	data, err := sat.BuildPackage(packageID, invoices, requestType)
	if err != nil {
		log.Fatalf("Failed to build package: %v", err)
	}
	packagePath := filepath.Join(*outputDir, packageID+".zip")
	if err := os.WriteFile(packagePath, data, 0o644); err != nil {
		log.Fatalf("Failed to write package: %v", err)
	}

	fmt.Printf("Generated %d movements in %s\n", len(movements), statementPath)
	fmt.Printf("Generated %d invoices in %s\n", len(invoices), packagePath)
	fmt.Printf("Seed used: %d\n", *seed)
}

// Movements returns the statement movements in date order. Credits are
// customer deposits; debits are payments to vendors.
func (s *Scenario) Movements() []movement {
	days := daysIn(s.Month)
	out := make([]movement, 0, s.Count)
	for i := 0; i < s.Count; i++ {
		day := 1 + i*days/max(s.Count, 1)
		date := time.Date(s.Month.Year(), s.Month.Month(), day, 0, 0, 0, 0, time.UTC)
		cents := int64(5000 + s.rng.Intn(2000000))
		amount := decimal.New(cents, -2)

		m := movement{Date: date}
		if s.rng.Float64() < 0.25 {
			m.Description = "SPEI RECIBIDO CLIENTE " + strings.ToUpper(randomWord(s.rng))
			m.Amount = amount
		} else {
			v := &vendors[s.rng.Intn(len(vendors))]
			m.Vendor = v
			m.Description = v.Description
			m.Amount = amount.Neg()
		}
		if s.rng.Float64() < 0.5 {
			m.Reference = fmt.Sprintf("%010d", s.rng.Int63n(1e10))
		}
		out = append(out, m)
	}
	return out
}

// Invoices returns received invoices for a share of the debits. Most are
// exact; the rest drift within the looser tiers so every tier is exercised.
func (s *Scenario) Invoices(movements []movement) []*models.Invoice {
	var out []*models.Invoice
	for i, m := range movements {
		if m.Vendor == nil || s.rng.Float64() >= s.MatchRatio {
			continue
		}
		total := m.Amount.Abs()
		shift := 0
		switch r := s.rng.Float64(); {
		case r < 0.6:
			shift = s.rng.Intn(2)
		case r < 0.8:
			total = total.Add(decimal.New(int64(s.rng.Intn(200)), -2))
			shift = 2
		case r < 0.9:
			total = total.Sub(decimal.New(int64(300+s.rng.Intn(200)), -2))
			shift = 3
		default:
			total = total.Add(decimal.New(int64(600+s.rng.Intn(400)), -2))
			shift = 5
		}

		id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%d|%d", s.Seed, i))).String()
		out = append(out, &models.Invoice{
			ID:            "cfdi-" + id[:8],
			UUID:          models.NormalizeUUID(id),
			IssuerRFC:     m.Vendor.RFC,
			IssuerName:    m.Vendor.Name,
			ReceiverRFC:   s.OwnRFC,
			ReceiverName:  "EMPRESA DEMO SA DE CV",
			Total:         total,
			Currency:      "MXN",
			IssueDate:     m.Date.AddDate(0, 0, -shift).Add(12 * time.Hour),
			Status:        models.InvoiceStatusActive,
			Type:          models.InvoiceTypeIngreso,
			PaymentMethod: models.PaymentMethodPUE,
		})
	}
	return out
}

// Statement renders the movements in the layout of a Mexican bank export,
// with a header, page markers and wrapped descriptions.
func (s *Scenario) Statement(opening decimal.Decimal, movements []movement) string {
	var b strings.Builder
	mon := monthAbbrev[s.Month.Month()-1]
	last := s.Month.AddDate(0, 1, -1)

	b.WriteString("ESTADO DE CUENTA\n")
	fmt.Fprintf(&b, "PERIODO DEL %s AL %s\n", s.Month.Format("02/01/2006"), last.Format("02/01/2006"))
	b.WriteString("FECHA OPER LIQ DESCRIPCION CARGOS ABONOS SALDO\n")
	fmt.Fprintf(&b, "%s. 01 SALDO ANTERIOR %s\n", mon, formatAmount(opening))

	balance := opening
	for i, m := range movements {
		balance = balance.Add(m.Amount)
		date := fmt.Sprintf("%s. %02d", mon, m.Date.Day())
		desc := m.Description
		wrapped := ""
		if len(desc) > 20 && s.rng.Float64() < 0.3 {
			cut := strings.LastIndex(desc[:20], " ")
			if cut > 0 {
				desc, wrapped = desc[:cut], desc[cut+1:]
			}
		}
		line := date + " "
		if m.Reference != "" {
			line += m.Reference + " "
		}
		line += desc
		if wrapped != "" {
			fmt.Fprintf(&b, "%s\n%s %s %s\n", line, wrapped, formatAmount(m.Amount.Abs()), formatAmount(balance))
		} else {
			fmt.Fprintf(&b, "%s %s %s\n", line, formatAmount(m.Amount.Abs()), formatAmount(balance))
		}
		if (i+1)%15 == 0 {
			fmt.Fprintf(&b, "PAGINA %d DE %d\n", (i+1)/15, len(movements)/15+1)
		}
	}
	b.WriteString("RESUMEN DEL PERIODO\n")
	return b.String()
}

// formatAmount writes 12345.6 as 12,345.60
func formatAmount(d decimal.Decimal) string {
	sign := ""
	if d.IsNegative() {
		sign, d = "-", d.Abs()
	}
	s := d.StringFixed(2)
	intPart, frac := s[:len(s)-3], s[len(s)-3:]
	out := []byte(sign)
	for i, c := range []byte(intPart) {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	return string(out) + frac
}

func daysIn(month time.Time) int {
	return month.AddDate(0, 1, -1).Day()
}

func randomWord(rng *rand.Rand) string {
	words := []string{"acme", "lumen", "norte", "delta", "sierra", "valle", "rio"}
	return words[rng.Intn(len(words))]
}
