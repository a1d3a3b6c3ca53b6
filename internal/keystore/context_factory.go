package keystore

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// ErrNoKeys is returned when none of the requested key ids is present.
var ErrNoKeys = errors.New("keystore: no usable private keys")

// ContextFactory builds the controller side of a call-home TLS handshake.
type ContextFactory struct {
	ks *Keystore
}

// NewContextFactory returns a factory reading from ks.
func NewContextFactory(ks *Keystore) *ContextFactory {
	return &ContextFactory{ks: ks}
}

// ClientConfig returns a TLS client configuration presenting the given
// private keys and accepting any peer whose chain verifies against the
// trusted certificates. Peers are identified by key, not by name, so the
// host name is not checked.
func (f *ContextFactory) ClientConfig(keyIDs []string) (*tls.Config, error) {
	snap := f.ks.Snapshot()

	certs := make([]tls.Certificate, 0, len(keyIDs))
	for _, id := range keyIDs {
		if c, ok := snap.Keys[id]; ok {
			certs = append(certs, c)
		}
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: requested %v", ErrNoKeys, keyIDs)
	}

	pool := snap.Pool()
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Certificates:       certs,
		InsecureSkipVerify: true, //nolint:gosec // chain verified in VerifyConnection
		VerifyConnection: func(cs tls.ConnectionState) error {
			return verifyChain(cs, pool)
		},
	}, nil
}

func verifyChain(cs tls.ConnectionState, roots *x509.CertPool) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("keystore: peer presented no certificate")
	}
	inter := x509.NewCertPool()
	for _, c := range cs.PeerCertificates[1:] {
		inter.AddCert(c)
	}
	_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("keystore: verify peer: %w", err)
	}
	return nil
}
