package session

import (
	"crypto"
	"crypto/tls"

	"callhome/internal/models"
)

// Identifier maps a certificate public key to a device id, "" meaning no
// single device matches.
type Identifier interface {
	IDFor(key crypto.PublicKey) string
}

// TLSManager resolves TLS connections to contexts by the key of the peer
// certificate.
type TLSManager struct {
	*Manager[*tls.Conn]

	ids    Identifier
	status models.StatusRecorder
}

// NewTLSManager wraps m with certificate based identification.
func NewTLSManager(m *Manager[*tls.Conn], ids Identifier, status models.StatusRecorder) *TLSManager {
	return &TLSManager{Manager: m, ids: ids, status: status}
}

// FindByChannel identifies the device behind a completed handshake and
// claims its pending session. It returns nil for an unidentified peer or
// when nothing is pending for the device.
func (m *TLSManager) FindByChannel(conn *tls.Conn) *Context[*tls.Conn] {
	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil
	}
	key := certs[0].PublicKey

	id := m.ids.IDFor(key)
	if id == "" {
		m.status.ReportUnknown(conn.RemoteAddr(), key)
		return nil
	}
	return m.CreateContext(id, conn.RemoteAddr(), conn)
}
