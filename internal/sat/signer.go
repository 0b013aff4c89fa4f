package sat

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

const (
	nsDSig = "http://www.w3.org/2000/09/xmldsig#"
	nsWSU  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	nsWSSE = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"

	algExcC14N   = "http://www.w3.org/2001/10/xml-exc-c14n#"
	algRSASHA1   = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	algSHA1      = "http://www.w3.org/2000/09/xmldsig#sha1"
	algEnveloped = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"

	x509TokenType  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-x509-token-profile-1.0#X509v3"
	base64Encoding = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"

	timestampLayout = "2006-01-02T15:04:05.000Z"
)

// Signer produces XML-DSig signatures with the e.firma key. Elements are
// written directly in canonical form, so the digest input is the exact
// serialisation that goes on the wire.
type Signer struct {
	creds *Credentials
}

// NewSigner creates a Signer
func NewSigner(creds *Credentials) *Signer {
	return &Signer{creds: creds}
}

type reference struct {
	URI        string
	Transforms []string
	Digest     string
}

// signedInfo renders SignedInfo. withNamespace is the standalone canonical
// form that gets signed; without it is the form nested under Signature.
func signedInfo(ref reference, withNamespace bool) string {
	var b strings.Builder
	if withNamespace {
		b.WriteString(`<SignedInfo xmlns="` + nsDSig + `">`)
	} else {
		b.WriteString(`<SignedInfo>`)
	}
	b.WriteString(`<CanonicalizationMethod Algorithm="` + algExcC14N + `"></CanonicalizationMethod>`)
	b.WriteString(`<SignatureMethod Algorithm="` + algRSASHA1 + `"></SignatureMethod>`)
	b.WriteString(`<Reference URI="` + escapeAttr(ref.URI) + `"><Transforms>`)
	for _, t := range ref.Transforms {
		b.WriteString(`<Transform Algorithm="` + t + `"></Transform>`)
	}
	b.WriteString(`</Transforms><DigestMethod Algorithm="` + algSHA1 + `"></DigestMethod>`)
	b.WriteString(`<DigestValue>` + ref.Digest + `</DigestValue></Reference></SignedInfo>`)
	return b.String()
}

func digest(canonical string) string {
	sum := sha1.Sum([]byte(canonical))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (s *Signer) signatureValue(canonicalSignedInfo string) (string, error) {
	sum := sha1.Sum([]byte(canonicalSignedInfo))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.creds.Key, crypto.SHA1, sum[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// timestamp is the wsu:Timestamp element, already canonical.
func timestamp(created, expires time.Time) string {
	return `<u:Timestamp xmlns:u="` + nsWSU + `" u:Id="_0">` +
		`<u:Created>` + created.UTC().Format(timestampLayout) + `</u:Created>` +
		`<u:Expires>` + expires.UTC().Format(timestampLayout) + `</u:Expires>` +
		`</u:Timestamp>`
}

// securityHeader builds the WS-Security header used by Autentica: a signed
// timestamp plus the certificate as a BinarySecurityToken.
func (s *Signer) securityHeader(created, expires time.Time, tokenID string) (string, error) {
	ts := timestamp(created, expires)
	ref := reference{URI: "#_0", Transforms: []string{algExcC14N}, Digest: digest(ts)}
	value, err := s.signatureValue(signedInfo(ref, true))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(`<o:Security xmlns:o="` + nsWSSE + `" s:mustUnderstand="1">`)
	b.WriteString(ts)
	b.WriteString(`<o:BinarySecurityToken xmlns:u="` + nsWSU + `" u:Id="` + tokenID + `" ValueType="` + x509TokenType +
		`" EncodingType="` + base64Encoding + `">` + s.creds.CertificateBase64() + `</o:BinarySecurityToken>`)
	b.WriteString(`<Signature xmlns="` + nsDSig + `">`)
	b.WriteString(signedInfo(ref, false))
	b.WriteString(`<SignatureValue>` + value + `</SignatureValue>`)
	b.WriteString(`<KeyInfo><o:SecurityTokenReference><o:Reference ValueType="` + x509TokenType + `" URI="#` + tokenID + `"/></o:SecurityTokenReference></KeyInfo>`)
	b.WriteString(`</Signature></o:Security>`)
	return b.String(), nil
}

// envelopedSignature signs an element whose canonical form (without the
// signature) is canonicalElement. The result is placed as its last child.
func (s *Signer) envelopedSignature(canonicalElement string) (string, error) {
	ref := reference{URI: "", Transforms: []string{algEnveloped}, Digest: digest(canonicalElement)}
	value, err := s.signatureValue(signedInfo(ref, true))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(`<Signature xmlns="` + nsDSig + `">`)
	b.WriteString(signedInfo(ref, false))
	b.WriteString(`<SignatureValue>` + value + `</SignatureValue>`)
	b.WriteString(`<KeyInfo><X509Data><X509IssuerSerial>`)
	b.WriteString(`<X509IssuerName>` + escapeText(s.creds.IssuerName()) + `</X509IssuerName>`)
	b.WriteString(`<X509SerialNumber>` + s.creds.SerialNumber() + `</X509SerialNumber>`)
	b.WriteString(`</X509IssuerSerial><X509Certificate>` + s.creds.CertificateBase64() + `</X509Certificate></X509Data></KeyInfo>`)
	b.WriteString(`</Signature>`)
	return b.String(), nil
}

var (
	attrEscaper = strings.NewReplacer(`&`, `&amp;`, `<`, `&lt;`, `"`, `&quot;`, "\t", `&#x9;`, "\n", `&#xA;`, "\r", `&#xD;`)
	textEscaper = strings.NewReplacer(`&`, `&amp;`, `<`, `&lt;`, `>`, `&gt;`, "\r", `&#xD;`)
)

func escapeAttr(s string) string { return attrEscaper.Replace(s) }

func escapeText(s string) string { return textEscaper.Replace(s) }
