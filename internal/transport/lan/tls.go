package lan

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	alpn            = "nearby"
	certValidityDur = 24 * time.Hour
)

var errIdentity = errors.New("certificate does not match endpoint")

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 5 * time.Second,
		MaxIdleTimeout:  15 * time.Second,
	}
}

// newTLSConfig returns the listener config. Both ends present a self-signed
// certificate naming their endpoint id; chains are not verified, ids are.
func newTLSConfig(endpointID string) (*tls.Config, error) {
	cert, err := selfSignedCert(endpointID)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{alpn},
	}, nil
}

// dialTLSConfig pins the remote certificate to endpointID, so a stale beacon
// address that now belongs to someone else fails the handshake.
func dialTLSConfig(base *tls.Config, endpointID string) *tls.Config {
	c := base.Clone()
	c.VerifyPeerCertificate = func(raw [][]byte, _ [][]*x509.Certificate) error {
		if len(raw) == 0 {
			return fmt.Errorf("%w: no certificate", errIdentity)
		}
		cert, err := x509.ParseCertificate(raw[0])
		if err != nil {
			return err
		}
		if got := cert.Subject.CommonName; got != endpointID {
			return fmt.Errorf("%w: want %s, got %s", errIdentity, endpointID, got)
		}
		return nil
	}
	return c
}

// remoteEndpointID is the id named by the certificate the remote presented.
func remoteEndpointID(conn *quic.Conn) (string, error) {
	certs := conn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return "", fmt.Errorf("%w: no certificate", errIdentity)
	}
	return certs[0].Subject.CommonName, nil
}

func selfSignedCert(endpointID string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{alpn}, CommonName: endpointID},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(certValidityDur),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, nil
}
