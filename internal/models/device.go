// Package models holds the data shared between the call-home components:
// allowed devices, the global policy and device status.
package models

import "fmt"

// Credentials holds the username and the ordered password candidates used
// to authenticate against a device.
type Credentials struct {
	Username  string   `yaml:"username" json:"username"`
	Passwords []string `yaml:"passwords" json:"passwords"`
}

// Valid reports whether c can be used for password authentication.
func (c *Credentials) Valid() bool {
	return c != nil && c.Username != "" && len(c.Passwords) > 0
}

// Transport identifies a device by the key material it presents.
// It is one of SSHTransport or TLSTransport.
type Transport interface {
	transport()
}

// SSHTransport identifies a device by its SSH host key in authorized_keys form.
type SSHTransport struct {
	HostKey     string
	Credentials *Credentials
}

// TLSTransport binds a device to a private key (used to build the
// controller side of the handshake) and a trusted certificate name.
type TLSTransport struct {
	KeyID         string
	CertificateID string
}

func (SSHTransport) transport() {}
func (TLSTransport) transport() {}

// Device is an entry in the allowed-devices configuration.
type Device struct {
	UniqueID  string
	Transport Transport

	// SSHHostKey and Credentials are the pre-transport schema. They apply
	// only when Transport is nil.
	SSHHostKey  string
	Credentials *Credentials
}

// SSH returns the SSH identity of d, honouring the legacy fields.
func (d Device) SSH() (SSHTransport, bool) {
	switch t := d.Transport.(type) {
	case SSHTransport:
		return t, true
	case *SSHTransport:
		return *t, t != nil
	case nil:
		if d.SSHHostKey != "" {
			return SSHTransport{HostKey: d.SSHHostKey, Credentials: d.Credentials}, true
		}
	}
	return SSHTransport{}, false
}

// TLS returns the TLS identity of d.
func (d Device) TLS() (TLSTransport, bool) {
	switch t := d.Transport.(type) {
	case TLSTransport:
		return t, true
	case *TLSTransport:
		return *t, t != nil
	}
	return TLSTransport{}, false
}

func (d Device) String() string {
	switch {
	case d.Transport != nil:
		return fmt.Sprintf("device %s (%T)", d.UniqueID, d.Transport)
	case d.SSHHostKey != "":
		return fmt.Sprintf("device %s (legacy ssh)", d.UniqueID)
	default:
		return fmt.Sprintf("device %s", d.UniqueID)
	}
}

// NamingStrategy selects how synthetic ids are built for devices accepted
// without prior configuration.
type NamingStrategy string

const (
	IPOnly NamingStrategy = "IP_ONLY"
	IPPort NamingStrategy = "IP_PORT"
)

// GlobalPolicy holds the controller-wide call-home settings.
type GlobalPolicy struct {
	AcceptAllSSHKeys bool
	Credentials      *Credentials
	NamingStrategy   NamingStrategy
}

// Naming returns the configured strategy, defaulting to IPPort.
func (p *GlobalPolicy) Naming() NamingStrategy {
	if p == nil || p.NamingStrategy == "" {
		return IPPort
	}
	return p.NamingStrategy
}
