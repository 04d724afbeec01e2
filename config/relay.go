package config

import (
	"time"

	"github.com/allgood/pigeonhole/helpers"
)

// RelayConfig defines the outbound SMTP relay used for redirect and vacation
// messages.
type RelayConfig struct {
	Type            string `toml:"type"`              // "smtp"; empty disables the relay
	SMTPHost        string `toml:"smtp_host"`         // host:port
	SMTPTLS         bool   `toml:"smtp_tls"`          // Implicit TLS
	SMTPTLSVerify   bool   `toml:"smtp_tls_verify"`   // Verify server certificates
	SMTPUseStartTLS bool   `toml:"smtp_use_starttls"` // Upgrade with STARTTLS
	Hostname        string `toml:"hostname"`          // HELO name and Message-ID domain
	Timeout         string `toml:"timeout"`
}

// IsConfigured returns true if the relay is configured
func (r *RelayConfig) IsConfigured() bool {
	return r.Type != ""
}

// IsSMTP returns true if this is an SMTP relay
func (r *RelayConfig) IsSMTP() bool {
	return r.Type == "smtp"
}

// GetTimeout parses the dial and command timeout
func (r *RelayConfig) GetTimeout() (time.Duration, error) {
	if r.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(r.Timeout)
}
