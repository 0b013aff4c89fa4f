package sat

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/youmark/pkcs8"

	"cfdi-reconciliation-service/pkg/errors"
)

// oidUniqueIdentifier is x500UniqueIdentifier, where SAT stores "RFC / CURP".
var oidUniqueIdentifier = []int{2, 5, 4, 45}

// Credentials is an e.firma: the X.509 certificate and its RSA private key.
type Credentials struct {
	Certificate *x509.Certificate
	Key         *rsa.PrivateKey
}

// LoadCredentials parses a certificate and an encrypted PKCS#8 private key,
// both as raw DER (the .cer and .key files SAT hands out) or PEM.
func LoadCredentials(certData, keyData []byte, passphrase string) (*Credentials, error) {
	cert, err := x509.ParseCertificate(derBytes(certData))
	if err != nil {
		return nil, errors.AuthorityError(errors.CodeAuthenticationFailed, "load certificate", "", "certificate is not valid X.509", err)
	}

	var key *rsa.PrivateKey
	if passphrase == "" {
		key, err = pkcs8.ParsePKCS8PrivateKeyRSA(derBytes(keyData))
	} else {
		key, err = pkcs8.ParsePKCS8PrivateKeyRSA(derBytes(keyData), []byte(passphrase))
	}
	if err != nil {
		return nil, errors.AuthorityError(errors.CodeAuthenticationFailed, "load private key", "", "wrong passphrase or key is not RSA PKCS#8", err)
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || pub.N.Cmp(key.N) != 0 || pub.E != key.E {
		return nil, errors.AuthorityError(errors.CodeAuthenticationFailed, "load credentials", "", "private key does not belong to the certificate", nil)
	}

	return &Credentials{Certificate: cert, Key: key}, nil
}

// LoadCredentialsFromFiles reads the .cer and .key files from disk
func LoadCredentialsFromFiles(certPath, keyPath, passphrase string) (*Credentials, error) {
	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, errors.FileError(errors.CodeFileNotFound, certPath, err)
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.FileError(errors.CodeFileNotFound, keyPath, err)
	}
	return LoadCredentials(certData, keyData, passphrase)
}

// RFC returns the taxpayer RFC embedded in the certificate subject, or "".
func (c *Credentials) RFC() string {
	for _, name := range c.Certificate.Subject.Names {
		if !name.Type.Equal(oidUniqueIdentifier) {
			continue
		}
		if s, ok := name.Value.(string); ok {
			rfc, _, _ := strings.Cut(s, "/")
			return strings.ToUpper(strings.TrimSpace(rfc))
		}
	}
	return ""
}

// CertificateBase64 is the DER certificate as it travels in SOAP bodies
func (c *Credentials) CertificateBase64() string {
	return base64.StdEncoding.EncodeToString(c.Certificate.Raw)
}

// IssuerName is the certificate issuer in the form used by X509IssuerSerial
func (c *Credentials) IssuerName() string {
	return c.Certificate.Issuer.String()
}

// SerialNumber is the decimal certificate serial
func (c *Credentials) SerialNumber() string {
	return c.Certificate.SerialNumber.String()
}

func (c *Credentials) String() string {
	return fmt.Sprintf("Credentials{RFC: %s, Serial: %s, NotAfter: %s}",
		c.RFC(), c.SerialNumber(), c.Certificate.NotAfter.Format("2006-01-02"))
}

func derBytes(data []byte) []byte {
	if block, _ := pem.Decode(data); block != nil {
		return block.Bytes
	}
	return data
}
