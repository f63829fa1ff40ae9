// Package internaltls builds the mutual TLS configurations used between
// routers and shard nodes.
package internaltls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// Files names the PEM files of one side of a connection.
type Files struct {
	CACert string `yaml:"ca_cert"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
}

// Enabled reports whether any file is configured.
func (f Files) Enabled() bool {
	return f.CACert != "" || f.Cert != "" || f.Key != ""
}

// InDir returns the file names GenerateCertificates writes for role
// ("server" or "client") in dir.
func InDir(dir, role string) Files {
	return Files{
		CACert: filepath.Join(dir, "ca.crt"),
		Cert:   filepath.Join(dir, role+".crt"),
		Key:    filepath.Join(dir, role+".key"),
	}
}

// LoadServerTLSConfig loads the server key pair and requires clients to
// present a certificate signed by the CA.
func LoadServerTLSConfig(f Files) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(f.Cert, f.Key)
	if err != nil {
		return nil, errors.Wrap(err, "could not load server key pair")
	}
	pool, err := loadCAPool(f.CACert)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// LoadClientTLSConfig loads the client key pair and verifies servers
// against the CA.
func LoadClientTLSConfig(f Files) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(f.Cert, f.Key)
	if err != nil {
		return nil, errors.Wrap(err, "could not load client key pair")
	}
	pool, err := loadCAPool(f.CACert)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read CA certificate")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.Newf("no certificates found in %s", path)
	}
	return pool, nil
}
