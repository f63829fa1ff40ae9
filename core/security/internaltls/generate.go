package internaltls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
)

const validity = 365 * 24 * time.Hour

type keyPair struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func (kp keyPair) tlsCertificate() tls.Certificate {
	return tls.Certificate{Certificate: [][]byte{kp.cert.Raw}, PrivateKey: kp.key, Leaf: kp.cert}
}

type authority struct {
	ca, server, client keyPair
}

func newAuthority() (*authority, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generating CA key")
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"gojotxn internal CA"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, errors.Wrap(err, "creating CA certificate")
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	a := &authority{ca: keyPair{cert: caCert, key: caKey}}
	if a.server, err = a.sign("localhost", true); err != nil {
		return nil, err
	}
	if a.client, err = a.sign("client", false); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *authority) sign(commonName string, isServer bool) (keyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return keyPair{}, errors.Wrapf(err, "generating %s key", commonName)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return keyPair{}, errors.Wrap(err, "generating serial")
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		DNSNames:     []string{commonName},
	}
	if isServer {
		template.IPAddresses = []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback}
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	} else {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.ca.cert, &key.PublicKey, a.ca.key)
	if err != nil {
		return keyPair{}, errors.Wrapf(err, "signing %s certificate", commonName)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return keyPair{}, err
	}
	return keyPair{cert: cert, key: key}, nil
}

// SelfSigned returns a matching server and client configuration signed by
// a throwaway in-memory CA, for development clusters and tests.
func SelfSigned() (server *tls.Config, client *tls.Config, err error) {
	a, err := newAuthority()
	if err != nil {
		return nil, nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(a.ca.cert)
	server = &tls.Config{
		Certificates: []tls.Certificate{a.server.tlsCertificate()},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}
	client = &tls.Config{
		Certificates: []tls.Certificate{a.client.tlsCertificate()},
		RootCAs:      pool,
		ServerName:   "localhost",
		MinVersion:   tls.VersionTLS12,
	}
	return server, client, nil
}

// GenerateCertificates writes a CA and server and client key pairs signed
// by it into dir, using the names InDir expects.
func GenerateCertificates(dir string) error {
	a, err := newAuthority()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	if err := saveCert(filepath.Join(dir, "ca.crt"), a.ca.cert); err != nil {
		return err
	}
	for role, kp := range map[string]keyPair{"server": a.server, "client": a.client} {
		f := InDir(dir, role)
		if err := saveCert(f.Cert, kp.cert); err != nil {
			return err
		}
		if err := saveKey(f.Key, kp.key); err != nil {
			return err
		}
	}
	return nil
}

func saveCert(filename string, cert *x509.Certificate) error {
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	return errors.Wrapf(os.WriteFile(filename, data, 0o644), "writing %s", filename)
}

func saveKey(filename string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	return errors.Wrapf(os.WriteFile(filename, data, 0o600), "writing %s", filename)
}
