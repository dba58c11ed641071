package signing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	testCertOnce sync.Once
	testCert     *x509.Certificate
	testKey      *rsa.PrivateKey
	testCertErr  error
)

// testIdentity returns a self-signed Developer ID style certificate shared by
// the tests in this package.
func testIdentity(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	testCertOnce.Do(func() {
		testKey, testCertErr = rsa.GenerateKey(rand.Reader, 2048)
		if testCertErr != nil {
			return
		}
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(42),
			Subject: pkix.Name{
				CommonName:         "Developer ID Application: Example Inc. (ABCDE12345)",
				OrganizationalUnit: []string{"ABCDE12345"},
				Organization:       []string{"Example Inc."},
			},
			NotBefore:   time.Now().Add(-time.Hour),
			NotAfter:    time.Now().Add(24 * time.Hour),
			KeyUsage:    x509.KeyUsageDigitalSignature,
			ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		}
		var der []byte
		der, testCertErr = x509.CreateCertificate(rand.Reader, tmpl, tmpl, &testKey.PublicKey, testKey)
		if testCertErr != nil {
			return
		}
		testCert, testCertErr = x509.ParseCertificate(der)
	})
	require.NoError(t, testCertErr)
	return testCert, testKey
}
