package sat

import (
	"encoding/xml"
	"sort"
	"strings"

	"cfdi-reconciliation-service/pkg/errors"
)

const (
	nsSOAP     = "http://schemas.xmlsoap.org/soap/envelope/"
	nsAuth     = "http://DescargaMasivaTerceros.gob.mx"
	nsDescarga = "http://DescargaMasivaTerceros.sat.gob.mx"
	nsTempuri  = "http://tempuri.org/"

	actionAuthenticate    = "http://DescargaMasivaTerceros.gob.mx/IAutenticacion/Autentica"
	actionRequestIssued   = "http://DescargaMasivaTerceros.sat.gob.mx/ISolicitaDescargaService/SolicitaDescargaEmitidos"
	actionRequestReceived = "http://DescargaMasivaTerceros.sat.gob.mx/ISolicitaDescargaService/SolicitaDescargaRecibidos"
	actionVerify          = "http://DescargaMasivaTerceros.sat.gob.mx/IVerificaSolicitudDescargaService/VerificaSolicitudDescarga"
	actionDownload        = "http://DescargaMasivaTerceros.sat.gob.mx/IDescargaMasivaTercerosService/Descargar"
	actionConsulta        = "http://tempuri.org/IConsultaCFDIService/Consulta"

	requestDateLayout = "2006-01-02T15:04:05"
)

// SAT status codes used by the client
const (
	CodeAccepted      = "5000"
	CodeInvalidToken  = "300"
	CodeNoInformation = "5004"
)

type attr struct {
	Name  string
	Value string
}

// desElement renders a des: element in exclusive canonical form: namespace
// declaration first, then attributes sorted by name, explicit end tag.
func desElement(name string, attrs []attr, inner string) string {
	sorted := make([]attr, 0, len(attrs))
	for _, a := range attrs {
		if a.Value != "" {
			sorted = append(sorted, a)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	b.WriteString(`<des:` + name + ` xmlns:des="` + nsDescarga + `"`)
	for _, a := range sorted {
		b.WriteString(` ` + a.Name + `="` + escapeAttr(a.Value) + `"`)
	}
	b.WriteString(`>` + inner + `</des:` + name + `>`)
	return b.String()
}

// withSignature inserts signature as the last child of a rendered element.
func withSignature(element, signature string) string {
	i := strings.LastIndex(element, "</")
	return element[:i] + signature + element[i:]
}

func envelope(header, body string) string {
	return `<s:Envelope xmlns:s="` + nsSOAP + `"><s:Header>` + header + `</s:Header><s:Body>` + body + `</s:Body></s:Envelope>`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

type statusAttrs struct {
	CodEstatus string `xml:"CodEstatus,attr"`
	Mensaje    string `xml:"Mensaje,attr"`
}

type requestResult struct {
	IdSolicitud string `xml:"IdSolicitud,attr"`
	statusAttrs
}

type verifyResult struct {
	statusAttrs
	EstadoSolicitud       string   `xml:"EstadoSolicitud,attr"`
	CodigoEstadoSolicitud string   `xml:"CodigoEstadoSolicitud,attr"`
	NumeroCFDIs           string   `xml:"NumeroCFDIs,attr"`
	IdsPaquetes           []string `xml:"IdsPaquetes"`
}

type consultaResult struct {
	CodigoEstatus      string `xml:"CodigoEstatus"`
	EsCancelable       string `xml:"EsCancelable"`
	Estado             string `xml:"Estado"`
	EstatusCancelacion string `xml:"EstatusCancelacion"`
	ValidacionEFOS     string `xml:"ValidacionEFOS"`
}

// responseEnvelope covers every SAT response shape; only the fields of the
// operation that was called are populated.
type responseEnvelope struct {
	Header struct {
		Respuesta *statusAttrs `xml:"respuesta"`
	} `xml:"Header"`
	Body struct {
		Fault           *soapFault      `xml:"Fault"`
		AutenticaResult string          `xml:"AutenticaResponse>AutenticaResult"`
		RequestIssued   *requestResult  `xml:"SolicitaDescargaEmitidosResponse>SolicitaDescargaEmitidosResult"`
		RequestReceived *requestResult  `xml:"SolicitaDescargaRecibidosResponse>SolicitaDescargaRecibidosResult"`
		Verify          *verifyResult   `xml:"VerificaSolicitudDescargaResponse>VerificaSolicitudDescargaResult"`
		Paquete         string          `xml:"RespuestaDescargaMasivaTercerosSalida>Paquete"`
		Consulta        *consultaResult `xml:"ConsultaResponse>ConsultaResult"`
	} `xml:"Body"`
}

func parseEnvelope(operation string, data []byte) (*responseEnvelope, error) {
	var env responseEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, errors.ParseError(errors.CodeInvalidFormat, "SAT "+operation+" response", err)
	}
	return &env, nil
}

// classifyStatus maps a SAT CodEstatus to the error taxonomy. 30x codes are
// certificate and signature problems.
func classifyStatus(code string) errors.ErrorCode {
	switch code {
	case "300", "302", "303", "304", "305":
		return errors.CodeAuthenticationFailed
	default:
		return errors.CodeAuthorityRejected
	}
}
