// Package tlsconfig builds client TLS settings for network sinks.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/mbiondo/logfanout/core"
)

// Config represents client TLS options of a sink
type Config struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// Server certificate validation
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"` // development only
	CACert             string `yaml:"ca_cert,omitempty"`              // Path to CA certificate file
	CACertData         string `yaml:"ca_cert_data,omitempty"`         // PEM encoded CA certificate
	ServerName         string `yaml:"server_name,omitempty"`          // SNI override

	// Client certificate (mTLS)
	ClientCert     string `yaml:"client_cert,omitempty"`
	ClientCertData string `yaml:"client_cert_data,omitempty"`
	ClientKey      string `yaml:"client_key,omitempty"`
	ClientKeyData  string `yaml:"client_key_data,omitempty"`

	MinVersion string `yaml:"min_version,omitempty"` // "1.0" .. "1.3", default "1.2"
	MaxVersion string `yaml:"max_version,omitempty"`
}

var versions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// Validate validates the TLS configuration
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	err := validation.ValidateStruct(&c,
		validation.Field(&c.CACertData, validation.When(c.CACert != "", validation.Empty.Error("cannot be set together with ca_cert"))),
		validation.Field(&c.ClientCertData, validation.When(c.ClientCert != "", validation.Empty.Error("cannot be set together with client_cert"))),
		validation.Field(&c.ClientKeyData, validation.When(c.ClientKey != "", validation.Empty.Error("cannot be set together with client_key"))),
		validation.Field(&c.MinVersion, validation.By(checkVersion)),
		validation.Field(&c.MaxVersion, validation.By(checkVersion)),
	)
	if err != nil {
		return err
	}

	hasCert := c.ClientCert != "" || c.ClientCertData != ""
	hasKey := c.ClientKey != "" || c.ClientKeyData != ""
	if hasCert != hasKey {
		return errors.New("both client certificate and key must be provided for mTLS")
	}
	return nil
}

func checkVersion(value any) error {
	v, _ := value.(string)
	if v == "" {
		return nil
	}
	if _, ok := versions[v]; !ok {
		return fmt.Errorf("unknown TLS version %s (supported: 1.0, 1.1, 1.2, 1.3)", v)
	}
	return nil
}

// NewTLSConfig creates a *tls.Config, or nil when TLS is disabled
func (c Config) NewTLSConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	if c.InsecureSkipVerify {
		core.Logger().Warn("TLS certificate verification is disabled; use only in development")
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.InsecureSkipVerify, // #nosec G402 - intentionally configurable for development
		ServerName:         c.ServerName,
		MinVersion:         tls.VersionTLS12,
	}
	if c.MinVersion != "" {
		tlsConfig.MinVersion = versions[c.MinVersion]
	}
	if c.MaxVersion != "" {
		tlsConfig.MaxVersion = versions[c.MaxVersion]
	}

	if c.CACert != "" || c.CACertData != "" {
		caData, err := loadPEM(c.CACert, c.CACertData)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	if c.ClientCert != "" || c.ClientCertData != "" {
		certData, err := loadPEM(c.ClientCert, c.ClientCertData)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		keyData, err := loadPEM(c.ClientKey, c.ClientKeyData)
		if err != nil {
			return nil, fmt.Errorf("failed to load client key: %w", err)
		}
		cert, err := tls.X509KeyPair(certData, keyData)
		if err != nil {
			return nil, fmt.Errorf("failed to load key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// loadPEM reads path when set, otherwise returns the inline data
func loadPEM(path, data string) ([]byte, error) {
	if path != "" {
		content, err := os.ReadFile(path) // #nosec G304 - path from operator config
		if err != nil {
			return nil, err
		}
		return content, nil
	}
	return []byte(data), nil
}
