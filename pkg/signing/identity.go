package signing

import (
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	gop12 "software.sslmate.com/src/go-pkcs12"
)

// Identity is a signing certificate resolved from a PKCS#12 bundle.
type Identity struct {
	// Hash is the SHA-1 certificate fingerprint, which codesign accepts as
	// --sign argument in place of the certificate name.
	Hash        string
	CommonName  string
	TeamID      string
	Certificate *x509.Certificate
}

// Expired reports whether the certificate is no longer valid at now.
func (id *Identity) Expired(now time.Time) bool {
	return now.After(id.Certificate.NotAfter)
}

// IdentityFromP12 decodes a PKCS#12 bundle and returns its leaf certificate
// as a codesign identity.
func IdentityFromP12(p12Data []byte, password string) (*Identity, error) {
	_, cert, _, err := gop12.DecodeChain(p12Data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode P12: %w", err)
	}
	sum := sha1.Sum(cert.Raw)
	return &Identity{
		Hash:        strings.ToUpper(hex.EncodeToString(sum[:])),
		CommonName:  cert.Subject.CommonName,
		TeamID:      teamIDFromCertificate(cert),
		Certificate: cert,
	}, nil
}

// LoadIdentityFromP12 reads a PKCS#12 file from disk.
func LoadIdentityFromP12(path, password string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read P12 file: %w", err)
	}
	return IdentityFromP12(data, password)
}
