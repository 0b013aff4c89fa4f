package sat

import (
	"fmt"
	"net/url"
	"time"
)

// Endpoints are the SAT web service URLs. Tests point them at a fake server.
type Endpoints struct {
	Authenticate string `json:"authenticate" mapstructure:"authenticate"`
	Request      string `json:"request" mapstructure:"request"`
	Verify       string `json:"verify" mapstructure:"verify"`
	Download     string `json:"download" mapstructure:"download"`
	Status       string `json:"status" mapstructure:"status"`
}

// DefaultEndpoints returns the production SAT endpoints
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Authenticate: "https://cfdidescargamasivasolicitud.clouda.sat.gob.mx/Autenticacion/Autenticacion.svc",
		Request:      "https://cfdidescargamasivasolicitud.clouda.sat.gob.mx/SolicitaDescargaService.svc",
		Verify:       "https://cfdidescargamasivasolicitud.clouda.sat.gob.mx/VerificaSolicitudDescargaService.svc",
		Download:     "https://cfdidescargamasiva.clouda.sat.gob.mx/DescargaMasivaService.svc",
		Status:       "https://consultaqr.facturaelectronica.sat.gob.mx/ConsultaCFDIService.svc",
	}
}

// Config holds the SAT client settings
type Config struct {
	RFC       string        `json:"rfc" mapstructure:"rfc"`
	Endpoints Endpoints     `json:"endpoints" mapstructure:"endpoints"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`

	// TokenLifetime is how long SAT honours a token; RenewBefore renews it early.
	TokenLifetime time.Duration `json:"token_lifetime" mapstructure:"token_lifetime"`
	RenewBefore   time.Duration `json:"renew_before" mapstructure:"renew_before"`

	PollInitialInterval time.Duration `json:"poll_initial_interval" mapstructure:"poll_initial_interval"`
	PollMaxInterval     time.Duration `json:"poll_max_interval" mapstructure:"poll_max_interval"`
	PollTimeout         time.Duration `json:"poll_timeout" mapstructure:"poll_timeout"`

	// MaxConcurrentDownloads bounds parallel package downloads in Sync.
	MaxConcurrentDownloads int `json:"max_concurrent_downloads" mapstructure:"max_concurrent_downloads"`
}

// DefaultConfig returns a configuration for the production service
func DefaultConfig() *Config {
	return &Config{
		Endpoints:              DefaultEndpoints(),
		Timeout:                60 * time.Second,
		TokenLifetime:          5 * time.Minute,
		RenewBefore:            time.Minute,
		PollInitialInterval:    30 * time.Second,
		PollMaxInterval:        5 * time.Minute,
		PollTimeout:            2 * time.Hour,
		MaxConcurrentDownloads: 4,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"authenticate": c.Endpoints.Authenticate,
		"request":      c.Endpoints.Request,
		"verify":       c.Endpoints.Verify,
		"download":     c.Endpoints.Download,
		"status":       c.Endpoints.Status,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("endpoint %s is not an absolute URL: %q", name, raw)
		}
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.TokenLifetime <= 0 || c.RenewBefore < 0 || c.RenewBefore >= c.TokenLifetime {
		return fmt.Errorf("renew_before (%v) must be within token_lifetime (%v)", c.RenewBefore, c.TokenLifetime)
	}
	if c.PollInitialInterval <= 0 || c.PollMaxInterval < c.PollInitialInterval {
		return fmt.Errorf("poll intervals must satisfy 0 < initial (%v) <= max (%v)", c.PollInitialInterval, c.PollMaxInterval)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be positive")
	}
	if c.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("max concurrent downloads must be at least 1")
	}
	return nil
}
