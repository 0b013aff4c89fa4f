// Package sat talks to the SAT bulk CFDI download web service.
//
// A download is an asynchronous conversation: RequestDownload submits a
// signed request, CheckStatus is polled until SAT reports the request ready,
// and DownloadPackage fetches each resulting ZIP. Every call carries a short
// lived WRAP token obtained with the e.firma certificate; the Client caches
// it and renews it a minute before it expires.
//
// Authority-side failures come back as *errors.ReconcilerError values in the
// authority category with SAT's numeric code preserved verbatim.
package sat

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

const maxResponseBytes = 512 << 20

// errUnauthorized marks a rejected token; the caller re-authenticates once.
var errUnauthorized = stderrors.New("sat: token rejected")

// Service is the SAT download protocol. Client and MockClient implement it.
type Service interface {
	RequestDownload(ctx context.Context, q Query) (*models.DownloadRequest, error)
	CheckStatus(ctx context.Context, requestID string) (*StatusResult, error)
	DownloadPackage(ctx context.Context, packageID string) ([]byte, error)
	VerifyInvoice(ctx context.Context, q VerifyQuery) (*VerificationResult, error)
}

// Query selects the invoices of one download request
type Query struct {
	RequesterRFC string                   `json:"requester_rfc"`
	Range        models.DateRange         `json:"range"`
	Type         models.RequestType       `json:"type"`
	Direction    models.DownloadDirection `json:"direction"`
	// CounterpartRFC optionally narrows to one issuer (received) or receiver (issued).
	CounterpartRFC string `json:"counterpart_rfc,omitempty"`
}

func (q *Query) normalize(defaultRFC string) {
	if q.RequesterRFC == "" {
		q.RequesterRFC = defaultRFC
	}
	q.RequesterRFC = strings.ToUpper(strings.TrimSpace(q.RequesterRFC))
	q.CounterpartRFC = strings.ToUpper(strings.TrimSpace(q.CounterpartRFC))
	if q.Type == "" {
		q.Type = models.RequestTypeCFDI
	}
	if q.Direction == "" {
		q.Direction = models.DirectionReceived
	}
}

// StatusResult is one VerificaSolicitudDescarga answer
type StatusResult struct {
	RequestID    string              `json:"request_id"`
	State        models.RequestState `json:"state"`
	StatusCode   string              `json:"status_code"`
	Message      string              `json:"message"`
	InvoiceCount int                 `json:"invoice_count"`
	PackageIDs   []string            `json:"package_ids,omitempty"`
}

// Apply moves req to the reported state and records its packages.
func (s *StatusResult) Apply(req *models.DownloadRequest) error {
	if req.State != s.State || s.State == models.RequestStateVerifying {
		if err := req.Transition(s.State); err != nil {
			return err
		}
	}
	req.StatusCode = s.StatusCode
	req.Message = s.Message
	req.InvoiceCount = s.InvoiceCount
	if s.State == models.RequestStateReady && len(req.Packages) == 0 {
		for _, id := range s.PackageIDs {
			req.Packages = append(req.Packages, models.Package{ID: id, State: models.PackagePending})
		}
	}
	return nil
}

// requestStates maps EstadoSolicitud to the request lifecycle
var requestStates = map[string]models.RequestState{
	"1": models.RequestStateVerifying, // Aceptada
	"2": models.RequestStateVerifying, // EnProceso
	"3": models.RequestStateReady,     // Terminada
	"4": models.RequestStateError,
	"5": models.RequestStateRejected,
	"6": models.RequestStateExpired,
}

// Client is the SOAP implementation of Service
type Client struct {
	config *Config
	creds  *Credentials
	signer *Signer
	http   *http.Client
	tokens *tokenSource
	now    func() time.Time
	logger logger.Logger
}

// NewClient creates a Client. A nil httpClient uses one with config.Timeout.
func NewClient(config *Config, creds *Credentials, httpClient *http.Client) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "sat", nil, err)
	}
	if creds == nil {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "sat.credentials", nil, nil)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	c := &Client{
		config: config,
		creds:  creds,
		signer: NewSigner(creds),
		http:   httpClient,
		now:    time.Now,
		logger: logger.GetGlobalLogger().WithComponent("sat_client"),
	}
	c.tokens = newTokenSource(c.Authenticate, config.RenewBefore, func() time.Time { return c.now() })
	c.tokens.timeout = config.Timeout
	return c, nil
}

// RFC is the requester RFC used when a query does not name one
func (c *Client) RFC() string {
	if c.config.RFC != "" {
		return strings.ToUpper(c.config.RFC)
	}
	return c.creds.RFC()
}

// Authenticate obtains a fresh token. Callers normally never need it: every
// operation authenticates on demand.
func (c *Client) Authenticate(ctx context.Context) (TokenState, error) {
	created := c.now().UTC()
	expires := created.Add(c.config.TokenLifetime)
	header, err := c.signer.securityHeader(created, expires, "uuid-"+uuid.NewString()+"-1")
	if err != nil {
		return TokenState{}, errors.AuthorityError(errors.CodeAuthenticationFailed, "authenticate", "", "", err)
	}
	body := envelope(header, `<Autentica xmlns="`+nsAuth+`"/>`)

	data, err := c.post(ctx, soapCall{
		operation: "authenticate",
		endpoint:  c.config.Endpoints.Authenticate,
		action:    actionAuthenticate,
		payload:   body,
		faultCode: errors.CodeAuthenticationFailed,
	})
	if stderrors.Is(err, errUnauthorized) {
		return TokenState{}, errors.AuthorityError(errors.CodeAuthenticationFailed, "authenticate", "", "certificate was not accepted", err)
	}
	if err != nil {
		return TokenState{}, err
	}
	env, err := parseEnvelope("authenticate", data)
	if err != nil {
		return TokenState{}, err
	}
	token := strings.TrimSpace(env.Body.AutenticaResult)
	if token == "" {
		return TokenState{}, errors.AuthorityError(errors.CodeAuthenticationFailed, "authenticate", "", "empty token in response", nil)
	}

	c.logger.WithField("expires", expires.Format(time.RFC3339)).Debug("Authenticated with SAT")
	return TokenState{Value: token, Expiry: expires}, nil
}

// RequestDownload submits a bulk download request. On acceptance the
// returned request is already VERIFYING.
func (c *Client) RequestDownload(ctx context.Context, q Query) (*models.DownloadRequest, error) {
	q.normalize(c.RFC())
	if err := q.Range.Validate(c.now()); err != nil {
		return nil, errors.AuthorityError(errors.CodeInvalidDateRange, "request download", "", err.Error(), nil)
	}
	if q.RequesterRFC == "" {
		return nil, errors.ValidationError(errors.CodeMissingField, "requester_rfc", "", nil)
	}

	name, action := "solicitud", actionRequestIssued
	attrs := []attr{
		{"FechaInicial", q.Range.Start.Format(requestDateLayout)},
		{"FechaFinal", q.Range.End.Format(requestDateLayout)},
		{"RfcSolicitante", q.RequesterRFC},
		{"TipoSolicitud", string(q.Type)},
	}
	var inner string
	operation := "SolicitaDescargaEmitidos"
	if q.Direction == models.DirectionReceived {
		action, operation = actionRequestReceived, "SolicitaDescargaRecibidos"
		attrs = append(attrs, attr{"RfcReceptor", q.RequesterRFC}, attr{"RfcEmisor", q.CounterpartRFC})
		if q.Type == models.RequestTypeCFDI {
			// SAT only releases XML of received invoices that are still active
			attrs = append(attrs, attr{"EstadoComprobante", "Vigente"})
		}
	} else {
		attrs = append(attrs, attr{"RfcEmisor", q.RequesterRFC})
		if q.CounterpartRFC != "" {
			inner = `<des:RfcReceptores><des:RfcReceptor>` + escapeText(q.CounterpartRFC) + `</des:RfcReceptor></des:RfcReceptores>`
		}
	}

	var result *requestResult
	err := c.callAuthorized(ctx, soapCall{
		operation: "request download",
		endpoint:  c.config.Endpoints.Request,
		action:    action,
		faultCode: errors.CodeAuthorityRejected,
	}, func() (string, error) {
		return c.signedBody(operation, name, attrs, inner)
	}, func(env *responseEnvelope) error {
		result = env.Body.RequestIssued
		if result == nil {
			result = env.Body.RequestReceived
		}
		if result == nil {
			return errors.ParseError(errors.CodeInvalidFormat, "SAT request download response", fmt.Errorf("missing result element"))
		}
		if result.CodEstatus == CodeInvalidToken {
			return errUnauthorized
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.CodEstatus != CodeAccepted {
		c.logger.WithFields(logger.Fields{"code": result.CodEstatus, "message": result.Mensaje}).Warn("SAT refused download request")
		return nil, errors.AuthorityError(classifyStatus(result.CodEstatus), "request download", result.CodEstatus, result.Mensaje, nil)
	}

	now := c.now()
	req := &models.DownloadRequest{
		ID:           strings.ToLower(result.IdSolicitud),
		RequesterRFC: q.RequesterRFC,
		Range:        q.Range,
		Type:         q.Type,
		Direction:    q.Direction,
		State:        models.RequestStateRequested,
		StatusCode:   result.CodEstatus,
		Message:      result.Mensaje,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := req.Transition(models.RequestStateVerifying); err != nil {
		return nil, errors.InternalError("request download", err)
	}

	c.logger.WithFields(logger.Fields{"request_id": req.ID, "type": q.Type, "direction": q.Direction}).Info("SAT accepted download request")
	return req, nil
}

// CheckStatus polls one request. It has no side effects beyond token
// renewal and is safe to retry.
func (c *Client) CheckStatus(ctx context.Context, requestID string) (*StatusResult, error) {
	attrs := []attr{{"IdSolicitud", requestID}, {"RfcSolicitante", c.RFC()}}

	var result *verifyResult
	err := c.callAuthorized(ctx, soapCall{
		operation: "verify request",
		endpoint:  c.config.Endpoints.Verify,
		action:    actionVerify,
		faultCode: errors.CodeAuthorityRejected,
	}, func() (string, error) {
		return c.signedBody("VerificaSolicitudDescarga", "solicitud", attrs, "")
	}, func(env *responseEnvelope) error {
		result = env.Body.Verify
		if result == nil {
			return errors.ParseError(errors.CodeInvalidFormat, "SAT verify response", fmt.Errorf("missing result element"))
		}
		if result.CodEstatus == CodeInvalidToken {
			return errUnauthorized
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.CodEstatus != CodeAccepted {
		return nil, errors.AuthorityError(classifyStatus(result.CodEstatus), "verify request", result.CodEstatus, result.Mensaje, nil).
			WithContext("request_id", requestID)
	}

	state, ok := requestStates[result.EstadoSolicitud]
	if !ok {
		return nil, errors.ParseError(errors.CodeInvalidFormat, "SAT verify response",
			fmt.Errorf("unknown EstadoSolicitud %q", result.EstadoSolicitud))
	}
	count := 0
	if n := strings.TrimSpace(result.NumeroCFDIs); n != "" {
		var err error
		if count, err = strconv.Atoi(n); err != nil {
			count = 0
			c.logger.WithError(err).WithFields(logger.Fields{
				"request_id":   requestID,
				"numero_cfdis": result.NumeroCFDIs,
			}).Warn("SAT returned an unreadable invoice count")
		}
	}

	status := &StatusResult{
		RequestID:    requestID,
		State:        state,
		StatusCode:   result.CodigoEstadoSolicitud,
		Message:      result.Mensaje,
		InvoiceCount: count,
	}
	for _, id := range result.IdsPaquetes {
		if id = strings.TrimSpace(id); id != "" {
			status.PackageIDs = append(status.PackageIDs, id)
		}
	}

	fields := logger.Fields{"request_id": requestID, "state": state, "code": status.StatusCode}
	switch state {
	case models.RequestStateRejected, models.RequestStateExpired, models.RequestStateError:
		c.logger.WithFields(fields).Error("SAT download request terminated")
	default:
		c.logger.WithFields(fields).Debug("Checked SAT request status")
	}
	return status, nil
}

// DownloadPackage fetches one package and returns the decoded ZIP bytes.
func (c *Client) DownloadPackage(ctx context.Context, packageID string) ([]byte, error) {
	attrs := []attr{{"IdPaquete", packageID}, {"RfcSolicitante", c.RFC()}}

	var payload string
	err := c.callAuthorized(ctx, soapCall{
		operation: "download package",
		endpoint:  c.config.Endpoints.Download,
		action:    actionDownload,
		faultCode: errors.CodeAuthorityRejected,
	}, func() (string, error) {
		return c.signedBody("PeticionDescargaMasivaTercerosEntrada", "peticionDescarga", attrs, "")
	}, func(env *responseEnvelope) error {
		status := env.Header.Respuesta
		if status != nil && status.CodEstatus == CodeInvalidToken {
			return errUnauthorized
		}
		if status != nil && status.CodEstatus != CodeAccepted {
			return errors.AuthorityError(classifyStatus(status.CodEstatus), "download package", status.CodEstatus, status.Mensaje, nil).
				WithContext("package_id", packageID)
		}
		payload = env.Body.Paquete
		return nil
	})
	if err != nil {
		return nil, err
	}

	data, err := decodeBase64(payload)
	if err != nil || len(data) == 0 {
		return nil, errors.ParseError(errors.CodePackageCorrupt, packageID, err)
	}
	c.logger.WithFields(logger.Fields{"package_id": packageID, "bytes": len(data)}).Info("Downloaded SAT package")
	return data, nil
}

// signedBody wraps a signed des: element in the named operation envelope.
func (c *Client) signedBody(operation, name string, attrs []attr, inner string) (string, error) {
	element := desElement(name, attrs, inner)
	sig, err := c.signer.envelopedSignature(element)
	if err != nil {
		return "", errors.AuthorityError(errors.CodeAuthenticationFailed, "sign "+name, "", "", err)
	}
	return envelope("", `<des:`+operation+` xmlns:des="`+nsDescarga+`">`+withSignature(element, sig)+`</des:`+operation+`>`), nil
}

type soapCall struct {
	operation string
	endpoint  string
	action    string
	payload   string
	token     string
	faultCode errors.ErrorCode
}

// callAuthorized performs a token-bearing call. A rejected token is
// invalidated and the call repeated exactly once with a fresh one.
func (c *Client) callAuthorized(ctx context.Context, call soapCall, build func() (string, error), handle func(*responseEnvelope) error) error {
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		call.token = tok.Value
		if call.payload, err = build(); err != nil {
			return err
		}

		data, err := c.post(ctx, call)
		if err == nil {
			var env *responseEnvelope
			if env, err = parseEnvelope(call.operation, data); err == nil {
				err = handle(env)
			}
		}
		if stderrors.Is(err, errUnauthorized) {
			c.tokens.Invalidate(tok.Value)
			c.logger.WithField("operation", call.operation).Warn("SAT rejected token, re-authenticating")
			continue
		}
		return err
	}
	return errors.AuthorityError(errors.CodeAuthenticationFailed, call.operation, "", "token rejected after re-authentication", errUnauthorized)
}

func (c *Client) post(ctx context.Context, call soapCall) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, call.endpoint, strings.NewReader(call.payload))
	if err != nil {
		return nil, errors.InternalError(call.operation, err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `"`+call.action+`"`)
	if call.token != "" {
		req.Header.Set("Authorization", `WRAP access_token="`+call.token+`"`)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NetworkError(call.endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.NetworkError(call.endpoint, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errUnauthorized
	case resp.StatusCode >= 400:
		if env, perr := parseEnvelope(call.operation, data); perr == nil && env.Body.Fault != nil {
			f := env.Body.Fault
			c.logger.WithFields(logger.Fields{"operation": call.operation, "fault": f.Code}).Warn("SAT returned a SOAP fault")
			return nil, errors.AuthorityError(call.faultCode, call.operation, f.Code, f.String, nil)
		}
		if resp.StatusCode >= 500 {
			return nil, errors.NetworkError(call.endpoint, fmt.Errorf("HTTP %d", resp.StatusCode))
		}
		return nil, errors.AuthorityError(call.faultCode, call.operation, strconv.Itoa(resp.StatusCode), http.StatusText(resp.StatusCode), nil)
	}
	return data, nil
}
