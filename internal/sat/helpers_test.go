package sat

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/youmark/pkcs8"

	"cfdi-reconciliation-service/internal/models"
)

const (
	testRFC        = "EKU9003173C9"
	testPassphrase = "12345678a"
)

type testMaterial struct {
	key     *rsa.PrivateKey
	certDER []byte
	keyDER  []byte
}

var (
	materialOnce sync.Once
	material     testMaterial
	materialErr  error
)

// testCredentialFiles returns a self-signed e.firma style certificate and an
// encrypted PKCS#8 key, generated once per test binary.
func testCredentialFiles(t *testing.T) testMaterial {
	t.Helper()
	materialOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			materialErr = err
			return
		}
		tmpl := &x509.Certificate{
			SerialNumber: testSerial(),
			Subject: pkix.Name{
				CommonName:   "ESCUELA KEMPER URGATE",
				Organization: []string{"ESCUELA KEMPER URGATE"},
				ExtraNames: []pkix.AttributeTypeAndValue{
					{Type: asn1.ObjectIdentifier(oidUniqueIdentifier), Value: testRFC + " / XIQB891116QE4"},
				},
			},
			NotBefore: time.Now().Add(-time.Hour),
			NotAfter:  time.Now().Add(24 * time.Hour),
		}
		certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
		if err != nil {
			materialErr = err
			return
		}
		keyDER, err := pkcs8.MarshalPrivateKey(key, []byte(testPassphrase), nil)
		if err != nil {
			materialErr = err
			return
		}
		material = testMaterial{key: key, certDER: certDER, keyDER: keyDER}
	})
	if materialErr != nil {
		t.Fatalf("failed to create test credentials: %v", materialErr)
	}
	return material
}

func testSerial() *big.Int {
	n, _ := new(big.Int).SetString("30001000000400002434", 10)
	return n
}

func testCredentials(t *testing.T) *Credentials {
	t.Helper()
	m := testCredentialFiles(t)
	creds, err := LoadCredentials(m.certDER, m.keyDER, testPassphrase)
	if err != nil {
		t.Fatalf("LoadCredentials() error = %v", err)
	}
	return creds
}

func testConfig(baseURL string) *Config {
	cfg := DefaultConfig()
	cfg.Endpoints = Endpoints{
		Authenticate: baseURL + "/Autenticacion/Autenticacion.svc",
		Request:      baseURL + "/SolicitaDescargaService.svc",
		Verify:       baseURL + "/VerificaSolicitudDescargaService.svc",
		Download:     baseURL + "/DescargaMasivaService.svc",
		Status:       baseURL + "/ConsultaCFDIService.svc",
	}
	cfg.PollInitialInterval = time.Millisecond
	cfg.PollMaxInterval = 5 * time.Millisecond
	cfg.PollTimeout = 5 * time.Second
	return cfg
}

func testInvoices() []*models.Invoice {
	return []*models.Invoice{
		{
			ID: "5FB2822E-396D-4725-8521-CDC4BDD20CCF", UUID: "5FB2822E-396D-4725-8521-CDC4BDD20CCF",
			IssuerRFC: "OTE130508JZ6", IssuerName: "ODOO TECHNOLOGIES SA DE CV",
			ReceiverRFC: testRFC, ReceiverName: "ESCUELA KEMPER URGATE",
			Total: decimal.RequireFromString("535.92"), Currency: "MXN",
			IssueDate: time.Date(2025, 1, 10, 9, 30, 0, 0, time.UTC),
			Status:    models.InvoiceStatusActive, Type: models.InvoiceTypeIngreso, PaymentMethod: models.PaymentMethodPUE,
		},
		{
			ID: "0A1B2C3D-0000-4000-8000-000000000002", UUID: "0A1B2C3D-0000-4000-8000-000000000002",
			IssuerRFC: "CFE370814QI0", IssuerName: "COMISION FEDERAL DE ELECTRICIDAD",
			ReceiverRFC: testRFC, ReceiverName: "ESCUELA KEMPER URGATE",
			Total: decimal.RequireFromString("450.50"), Currency: "MXN",
			IssueDate: time.Date(2025, 1, 4, 12, 0, 0, 0, time.UTC),
			Status:    models.InvoiceStatusCancelled, Type: models.InvoiceTypeIngreso, PaymentMethod: models.PaymentMethodPPD,
		},
	}
}

// fakeSAT emulates the SAT SOAP endpoints closely enough for the client:
// it dispatches on SOAPAction and checks the WRAP token.
type fakeSAT struct {
	mu sync.Mutex

	requestCode  string
	state        string
	invoiceCount string
	rejectTokens int
	packageData  []byte

	authCalls int
	actions   []string
	bodies    []string
}

func newFakeSAT(t *testing.T) (*fakeSAT, *httptest.Server) {
	t.Helper()
	data, err := BuildPackage("PKG_01", testInvoices(), models.RequestTypeCFDI)
	if err != nil {
		t.Fatalf("BuildPackage() error = %v", err)
	}
	f := &fakeSAT{requestCode: CodeAccepted, state: "3", invoiceCount: "2", packageData: data}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeSAT) counts() (auth int, actions []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls, append([]string(nil), f.actions...)
}

// body returns the i-th request body; negative i counts from the end.
func (f *fakeSAT) body(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 {
		i += len(f.bodies)
	}
	return f.bodies[i]
}

func soapResponse(header, body string) string {
	return `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Header>` + header + `</s:Header><s:Body>` + body + `</s:Body></s:Envelope>`
}

func (f *fakeSAT) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	body := string(raw)
	action := strings.Trim(r.Header.Get("SOAPAction"), `"`)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	f.bodies = append(f.bodies, body)

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")

	switch action {
	case actionAuthenticate:
		if !strings.Contains(body, "<SignatureValue>") || !strings.Contains(body, "BinarySecurityToken") {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, soapResponse("", `<s:Fault><faultcode>a:InvalidSecurity</faultcode><faultstring>An error occurred when verifying security for the message.</faultstring></s:Fault>`))
			return
		}
		f.authCalls++
		fmt.Fprint(w, soapResponse("", fmt.Sprintf(`<AutenticaResponse xmlns="http://DescargaMasivaTerceros.gob.mx"><AutenticaResult>tok-%d</AutenticaResult></AutenticaResponse>`, f.authCalls)))
		return
	case actionConsulta:
		fmt.Fprint(w, soapResponse("", `<ConsultaResponse xmlns="http://tempuri.org/"><ConsultaResult xmlns:a="http://schemas.datacontract.org/2004/07/Sat.Cfdi.Negocio.ConsultaCfdi.Servicio">`+
			`<a:CodigoEstatus>S - Comprobante obtenido satisfactoriamente.</a:CodigoEstatus><a:EsCancelable>Cancelable con aceptación</a:EsCancelable>`+
			`<a:Estado>Cancelado</a:Estado><a:EstatusCancelacion>Cancelado con aceptación</a:EstatusCancelacion><a:ValidacionEFOS>200</a:ValidacionEFOS></ConsultaResult></ConsultaResponse>`))
		return
	}

	if !strings.HasPrefix(r.Header.Get("Authorization"), `WRAP access_token="tok-`) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.rejectTokens > 0 {
		f.rejectTokens--
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if !strings.Contains(body, "<SignatureValue>") {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch action {
	case actionRequestIssued, actionRequestReceived:
		op := "SolicitaDescargaRecibidos"
		if action == actionRequestIssued {
			op = "SolicitaDescargaEmitidos"
		}
		id := ""
		if f.requestCode == CodeAccepted {
			id = "4E80345D-917F-40BB-A98F-4A73939343C5"
		}
		fmt.Fprint(w, soapResponse("", fmt.Sprintf(`<%sResponse xmlns="%s"><%sResult IdSolicitud="%s" CodEstatus="%s" Mensaje="Respuesta"/></%sResponse>`,
			op, nsDescarga, op, id, f.requestCode, op)))
	case actionVerify:
		ids := ""
		if f.state == "3" {
			ids = "<IdsPaquetes>PKG_01</IdsPaquetes>"
		}
		fmt.Fprint(w, soapResponse("", fmt.Sprintf(`<VerificaSolicitudDescargaResponse xmlns="%s"><VerificaSolicitudDescargaResult CodEstatus="5000" EstadoSolicitud="%s" CodigoEstadoSolicitud="5000" NumeroCFDIs="%s" Mensaje="Solicitud Aceptada">%s</VerificaSolicitudDescargaResult></VerificaSolicitudDescargaResponse>`,
			nsDescarga, f.state, f.invoiceCount, ids)))
	case actionDownload:
		fmt.Fprint(w, soapResponse(
			`<h:respuesta CodEstatus="5000" Mensaje="Solicitud Aceptada" xmlns:h="`+nsDescarga+`"/>`,
			`<RespuestaDescargaMasivaTercerosSalida xmlns="`+nsDescarga+`"><Paquete>`+base64.StdEncoding.EncodeToString(f.packageData)+`</Paquete></RespuestaDescargaMasivaTercerosSalida>`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
