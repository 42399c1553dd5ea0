package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSelfSigned writes a self-signed key pair with the given serial.
func writeSelfSigned(t *testing.T, certFile, keyFile, commonName string, serial int64) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{commonName},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
}

func serialOf(t *testing.T, l *CertLoader) int64 {
	t.Helper()
	cert, err := l.GetCertificate(nil)
	require.NoError(t, err)
	require.NotNil(t, cert)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	return leaf.SerialNumber.Int64()
}

func TestCertLoader_Reload(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls.crt")
	keyFile := filepath.Join(dir, "tls.key")
	writeSelfSigned(t, certFile, keyFile, "flow.test", 1)

	l, err := NewCertLoader(certFile, keyFile, testLogger())
	require.NoError(t, err)
	l.checkInterval = 0
	assert.Equal(t, int64(1), serialOf(t, l))

	writeSelfSigned(t, certFile, keyFile, "flow.test", 2)
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(certFile, future, future))
	require.NoError(t, os.Chtimes(keyFile, future, future))
	assert.Equal(t, int64(2), serialOf(t, l))
}

func TestCertLoader_KeepsCertificateOnBadReload(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls.crt")
	keyFile := filepath.Join(dir, "tls.key")
	writeSelfSigned(t, certFile, keyFile, "flow.test", 7)

	l, err := NewCertLoader(certFile, keyFile, testLogger())
	require.NoError(t, err)
	l.checkInterval = 0

	require.NoError(t, os.WriteFile(certFile, []byte("garbage"), 0o600))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(certFile, future, future))
	assert.Equal(t, int64(7), serialOf(t, l))

	require.NoError(t, os.Remove(keyFile))
	assert.Equal(t, int64(7), serialOf(t, l))
}

func TestNewCertLoader_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := NewCertLoader(filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key"), testLogger())
	assert.Error(t, err)
}
