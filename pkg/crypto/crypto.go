// Package crypto generates the ephemeral self-signed certificate
// internal/testserver presents as a QUIC/TLS server. Adapted down from
// the teacher's mutual-TLS CA-plus-signed-client-cert generator: QCM's
// client side never verifies the server's certificate (internal/qconn
// dials with InsecureSkipVerify, per spec.md's "auth beyond filesystem
// permissions" Non-goal), so there is no CA pool for anything in this
// tree to consume, and no case for the teacher's deterministic-seed
// reproducible-key machinery either — that existed to let two goncat
// peers authenticate each other from a shared secret, which has no
// counterpart here.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// GenerateSelfSigned creates a self-signed ECDSA P256 certificate valid
// for commonName, suitable for a tls.Config's Certificates field.
func GenerateSelfSigned(commonName string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("crypto: generating key: %w", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("crypto: creating certificate: %w", err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
