package models

import (
	"crypto"
	"net"
)

// StatusRecorder defines the contract for the status module. Every
// component that observes a call-home outcome reports through it.
type StatusRecorder interface {
	// ReportSuccess marks a device whose session negotiated successfully.
	ReportSuccess(id string)
	// ReportDisconnected marks a device whose session went down.
	ReportDisconnected(id string)
	// ReportFailedAuth marks a device that rejected every credential.
	ReportFailedAuth(id string)
	// ReportNetconfFailure marks a device whose session negotiation failed.
	ReportNetconfFailure(id string)
	// ReportNewDevice records a device first seen with an unconfigured key.
	ReportNewDevice(id string, key crypto.PublicKey, status DeviceStatus)
	// ReportUnknown records a TLS peer whose certificate matched no device.
	ReportUnknown(addr net.Addr, key crypto.PublicKey)
	// OnTransportChannelFailure records a transport that failed before a
	// device could be identified.
	OnTransportChannelFailure(err error)
}
