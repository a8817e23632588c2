package tls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	caValidity     = 10 * 365 * 24 * time.Hour
	serverValidity = 365 * 24 * time.Hour
)

// Bootstrap describes the files EnsureServerCertificates creates when absent.
type Bootstrap struct {
	CACertFile string
	CAKeyFile  string
	CertFile   string
	KeyFile    string

	DNSNames    []string
	IPAddresses []net.IP
}

// EnsureServerCertificates makes sure a server key pair signed by a local CA
// exists. Existing files are left untouched; a missing CA is generated along
// with a fresh server certificate.
func EnsureServerCertificates(b Bootstrap) error {
	if b.CACertFile == "" || b.CAKeyFile == "" || b.CertFile == "" || b.KeyFile == "" {
		return errors.New("certificate bootstrap requires ca, ca key, cert and key paths")
	}
	if len(b.DNSNames) == 0 {
		b.DNSNames = []string{"localhost"}
	}
	if len(b.IPAddresses) == 0 {
		b.IPAddresses = []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	}

	var (
		caCert *x509.Certificate
		caKey  *ecdsa.PrivateKey
		err    error
	)

	if fileExists(b.CACertFile) && fileExists(b.CAKeyFile) {
		slog.Debug("Using existing CA certificate", "cert_path", b.CACertFile)
		caCert, caKey, err = loadCA(b.CACertFile, b.CAKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load existing CA certificate: %w", err)
		}
	} else {
		slog.Info("CA certificate not found, generating new CA", "cert_path", b.CACertFile)
		caCert, caKey, err = generateCA()
		if err != nil {
			return fmt.Errorf("failed to generate CA certificate: %w", err)
		}
		if err := writePEM(b.CACertFile, "CERTIFICATE", caCert.Raw, 0o644); err != nil {
			return err
		}
		if err := writeKey(b.CAKeyFile, caKey); err != nil {
			return err
		}
		// a new CA invalidates any server cert signed by the old one
		_ = os.Remove(b.CertFile)
		_ = os.Remove(b.KeyFile)
	}

	if fileExists(b.CertFile) && fileExists(b.KeyFile) {
		slog.Debug("Using existing server certificate", "cert_path", b.CertFile)
		return nil
	}

	slog.Info("Server certificate not found, generating",
		"cert_path", b.CertFile,
		"domains", b.DNSNames,
		"ips", b.IPAddresses)

	serverCert, serverKey, err := generateServerCert(caCert, caKey, b.DNSNames, b.IPAddresses)
	if err != nil {
		return fmt.Errorf("failed to generate server certificate: %w", err)
	}
	if err := writePEM(b.CertFile, "CERTIFICATE", serverCert.Raw, 0o644); err != nil {
		return err
	}
	return writeKey(b.KeyFile, serverKey)
}

func generateCA() (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	template, err := baseTemplate("Silo Warden Root CA", caValidity)
	if err != nil {
		return nil, nil, err
	}
	template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature
	template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	template.IsCA = true
	template.MaxPathLenZero = true

	cert, err := sign(template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	return cert, key, nil
}

func generateServerCert(caCert *x509.Certificate, caKey *ecdsa.PrivateKey, dnsNames []string, ips []net.IP) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate server key: %w", err)
	}

	template, err := baseTemplate(dnsNames[0], serverValidity)
	if err != nil {
		return nil, nil, err
	}
	template.KeyUsage = x509.KeyUsageDigitalSignature
	template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	template.DNSNames = dnsNames
	template.IPAddresses = ips

	cert, err := sign(template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create server certificate: %w", err)
	}
	return cert, key, nil
}

func baseTemplate(commonName string, validity time.Duration) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Silo Warden"},
			CommonName:   commonName,
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		BasicConstraintsValid: true,
	}, nil
}

func sign(template, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

func loadCA(certPath, keyPath string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certBlock, err := readPEM(certPath)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyBlock, err := readPEM(keyPath)
	if err != nil {
		return nil, nil, err
	}
	parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, nil, errors.New("CA key is not an ECDSA private key")
	}
	return cert, key, nil
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM in %s", path)
	}
	return block, nil
}

func writeKey(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	return writePEM(path, "PRIVATE KEY", der, 0o600)
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
