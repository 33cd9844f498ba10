package certs

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour, "sink.example", "10.0.0.7")
	require.NoError(t, err)
	require.NotEmpty(t, cert.TLSCert.Certificate)

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	require.NoError(t, err)

	assert.Equal(t, "livepush", x509Cert.Subject.CommonName)
	assert.WithinDuration(t, x509Cert.NotBefore.Add(time.Hour), x509Cert.NotAfter, time.Second)
	assert.Equal(t, sha256.Sum256(cert.TLSCert.Certificate[0]), cert.Fingerprint)
	assert.Contains(t, x509Cert.DNSNames, "localhost")
	assert.Contains(t, x509Cert.DNSNames, "sink.example")
	assert.True(t, x509Cert.IPAddresses[len(x509Cert.IPAddresses)-1].Equal(net.ParseIP("10.0.0.7")))
}

func TestGenerateDefaultValidity(t *testing.T) {
	t.Parallel()
	cert, err := Generate(0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(defaultValidity), cert.NotAfter, 2*time.Minute)
}

func TestParseFingerprint(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	require.NoError(t, err)

	fp, err := ParseFingerprint(cert.FingerprintBase64())
	require.NoError(t, err)
	assert.Equal(t, cert.Fingerprint, fp)

	fp, err = ParseFingerprint(base64.RawURLEncoding.EncodeToString(cert.Fingerprint[:]))
	require.NoError(t, err)
	assert.Equal(t, cert.Fingerprint, fp)

	_, err = ParseFingerprint("AAAA")
	assert.Error(t, err)
	_, err = ParseFingerprint("not base64!")
	assert.Error(t, err)
}

func TestPinnedClientConfig(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	require.NoError(t, err)
	other, err := Generate(time.Hour)
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", cert.ServerConfig("test"))
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_ = c.(*tls.Conn).Handshake()
				c.Close()
			}()
		}
	}()

	ok, err := tls.Dial("tcp", ln.Addr().String(), PinnedClientConfig(cert.Fingerprint, "test"))
	require.NoError(t, err)
	ok.Close()

	_, err = tls.Dial("tcp", ln.Addr().String(), PinnedClientConfig(other.Fingerprint, "test"))
	assert.ErrorIs(t, err, ErrFingerprintMismatch)
}
