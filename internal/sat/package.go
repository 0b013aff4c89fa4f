package sat

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/pkg/errors"
)

const (
	cfdiDateLayout     = "2006-01-02T15:04:05"
	metadataDateLayout = "2006-01-02 15:04:05"
	metadataSeparator  = "~"
)

// PackageContents is what one decoded package yields. Rows that could not be
// read are reported as skips, never as a failure of the whole package.
type PackageContents struct {
	Invoices []*models.Invoice `json:"invoices"`
	Skips    []errors.ParseSkip `json:"skips,omitempty"`
}

type cfdiParty struct {
	Rfc    string `xml:"Rfc,attr"`
	Nombre string `xml:"Nombre,attr"`
}

type cfdiComprobante struct {
	Version           string    `xml:"Version,attr"`
	Fecha             string    `xml:"Fecha,attr"`
	Total             string    `xml:"Total,attr"`
	Moneda            string    `xml:"Moneda,attr"`
	TipoDeComprobante string    `xml:"TipoDeComprobante,attr"`
	MetodoPago        string    `xml:"MetodoPago,attr"`
	Emisor            cfdiParty `xml:"Emisor"`
	Receptor          cfdiParty `xml:"Receptor"`
	Complemento       struct {
		Timbre struct {
			UUID string `xml:"UUID,attr"`
		} `xml:"TimbreFiscalDigital"`
	} `xml:"Complemento"`
}

// DecodePackage reads a SAT package ZIP. XML entries are CFDI 3.3/4.0
// documents; .txt entries are Metadata listings, which also carry the
// cancellation status.
func DecodePackage(name string, data []byte) (*PackageContents, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.ParseError(errors.CodePackageCorrupt, name, err)
	}

	skips := errors.NewParseSkipCollector(name)
	out := &PackageContents{}
	seen := make(map[string]bool)
	add := func(inv *models.Invoice) {
		if !seen[inv.UUID] {
			seen[inv.UUID] = true
			out.Invoices = append(out.Invoices, inv)
		}
	}

	for i, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, errors.ParseError(errors.CodePackageCorrupt, name+"/"+f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, errors.ParseError(errors.CodePackageCorrupt, name+"/"+f.Name, err)
		}

		switch strings.ToLower(path.Ext(f.Name)) {
		case ".xml":
			inv, err := decodeCFDI(content)
			if err != nil {
				skips.Add(i+1, f.Name, errors.SkipNoTemplate, err.Error())
				continue
			}
			add(inv)
		case ".txt":
			for _, inv := range decodeMetadata(content, skips) {
				add(inv)
			}
		}
	}

	out.Skips = skips.Skips()
	return out, nil
}

func decodeCFDI(data []byte) (*models.Invoice, error) {
	var c cfdiComprobante
	if err := xml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid CFDI XML: %w", err)
	}
	if c.Version != "3.3" && c.Version != "4.0" {
		return nil, fmt.Errorf("unsupported CFDI version %q", c.Version)
	}
	id := models.NormalizeUUID(c.Complemento.Timbre.UUID)
	if id == "" {
		return nil, fmt.Errorf("CFDI has no TimbreFiscalDigital UUID")
	}
	total, err := decimal.NewFromString(c.Total)
	if err != nil {
		return nil, fmt.Errorf("CFDI %s: invalid Total %q", id, c.Total)
	}
	issued, err := time.Parse(cfdiDateLayout, c.Fecha)
	if err != nil {
		return nil, fmt.Errorf("CFDI %s: invalid Fecha %q", id, c.Fecha)
	}

	return &models.Invoice{
		ID:            id,
		UUID:          id,
		IssuerRFC:     strings.ToUpper(c.Emisor.Rfc),
		IssuerName:    c.Emisor.Nombre,
		ReceiverRFC:   strings.ToUpper(c.Receptor.Rfc),
		ReceiverName:  c.Receptor.Nombre,
		Total:         total,
		Currency:      c.Moneda,
		IssueDate:     issued,
		Status:        models.InvoiceStatusUnknown,
		Type:          models.InvoiceType(c.TipoDeComprobante),
		PaymentMethod: c.MetodoPago,
	}, nil
}

// decodeMetadata reads the "~" separated listing. Columns are located by
// header name since SAT has reordered them before.
func decodeMetadata(data []byte, skips *errors.ParseSkipCollector) []*models.Invoice {
	var invoices []*models.Invoice
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var cols map[string]int
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		fields := strings.Split(text, metadataSeparator)
		if cols == nil {
			cols = make(map[string]int, len(fields))
			for i, h := range fields {
				cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF")))] = i
			}
			continue
		}
		inv, err := metadataRow(fields, cols)
		if err != nil {
			skips.Add(line, text, errors.SkipInvalidAmount, err.Error())
			continue
		}
		invoices = append(invoices, inv)
	}
	return invoices
}

func metadataRow(fields []string, cols map[string]int) (*models.Invoice, error) {
	get := func(name string) string {
		if i, ok := cols[name]; ok && i < len(fields) {
			return strings.TrimSpace(fields[i])
		}
		return ""
	}

	id := models.NormalizeUUID(get("uuid"))
	if id == "" {
		return nil, fmt.Errorf("missing Uuid")
	}
	total, err := decimal.NewFromString(get("monto"))
	if err != nil {
		return nil, fmt.Errorf("invalid Monto %q", get("monto"))
	}
	issued, err := time.Parse(metadataDateLayout, get("fechaemision"))
	if err != nil {
		return nil, fmt.Errorf("invalid FechaEmision %q", get("fechaemision"))
	}

	inv := &models.Invoice{
		ID:           id,
		UUID:         id,
		IssuerRFC:    strings.ToUpper(get("rfcemisor")),
		IssuerName:   get("nombreemisor"),
		ReceiverRFC:  strings.ToUpper(get("rfcreceptor")),
		ReceiverName: get("nombrereceptor"),
		Total:        total,
		IssueDate:    issued,
		Status:       models.ParseInvoiceStatus(get("estatus")),
		Type:         models.InvoiceType(get("efectocomprobante")),
	}
	if cancelled, err := time.Parse(metadataDateLayout, get("fechacancelacion")); err == nil {
		inv.CancelledAt = &cancelled
	}
	return inv, nil
}

// BuildPackage writes invoices in the layout SAT uses: one CFDI 4.0 XML per
// invoice, or a single Metadata listing. Entry timestamps are fixed so equal
// input gives equal bytes.
func BuildPackage(packageID string, invoices []*models.Invoice, requestType models.RequestType) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	modified := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

	write := func(name string, content []byte) error {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modified})
		if err != nil {
			return err
		}
		_, err = w.Write(content)
		return err
	}

	if requestType == models.RequestTypeMetadata {
		var b strings.Builder
		b.WriteString("Uuid~RfcEmisor~NombreEmisor~RfcReceptor~NombreReceptor~RfcPac~FechaEmision~FechaCertificacionSat~Monto~EfectoComprobante~Estatus~FechaCancelacion\r\n")
		for _, inv := range invoices {
			status := "1"
			if inv.IsCancelled() {
				status = "0"
			}
			cancelled := ""
			if inv.CancelledAt != nil {
				cancelled = inv.CancelledAt.Format(metadataDateLayout)
			}
			fmt.Fprintf(&b, "%s~%s~%s~%s~%s~SAT970701NN3~%s~%s~%s~%s~%s~%s\r\n",
				inv.UUID, inv.IssuerRFC, inv.IssuerName, inv.ReceiverRFC, inv.ReceiverName,
				inv.IssueDate.Format(metadataDateLayout), inv.IssueDate.Format(metadataDateLayout),
				inv.Total.StringFixed(2), inv.Type, status, cancelled)
		}
		if err := write(packageID+".txt", []byte(b.String())); err != nil {
			return nil, err
		}
	} else {
		for _, inv := range invoices {
			if err := write(inv.UUID+".xml", cfdiXML(inv)); err != nil {
				return nil, err
			}
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func cfdiXML(inv *models.Invoice) []byte {
	currency := inv.Currency
	if currency == "" {
		currency = "MXN"
	}
	return []byte(`<?xml version="1.0" encoding="UTF-8"?>` +
		`<cfdi:Comprobante xmlns:cfdi="http://www.sat.gob.mx/cfd/4" xmlns:tfd="http://www.sat.gob.mx/TimbreFiscalDigital"` +
		` Version="4.0" Fecha="` + inv.IssueDate.Format(cfdiDateLayout) + `" Total="` + inv.Total.StringFixed(2) +
		`" Moneda="` + currency + `" TipoDeComprobante="` + string(inv.Type) + `" MetodoPago="` + escapeAttr(inv.PaymentMethod) + `">` +
		`<cfdi:Emisor Rfc="` + escapeAttr(inv.IssuerRFC) + `" Nombre="` + escapeAttr(inv.IssuerName) + `"/>` +
		`<cfdi:Receptor Rfc="` + escapeAttr(inv.ReceiverRFC) + `" Nombre="` + escapeAttr(inv.ReceiverName) + `"/>` +
		`<cfdi:Complemento><tfd:TimbreFiscalDigital Version="1.1" UUID="` + inv.UUID + `"/></cfdi:Complemento>` +
		`</cfdi:Comprobante>`)
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	return base64.StdEncoding.DecodeString(s)
}
