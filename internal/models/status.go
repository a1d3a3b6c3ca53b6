package models

import (
	"fmt"
	"time"
)

// DeviceStatus is the operational state of a call-home device.
type DeviceStatus string

const (
	StatusDisconnected      DeviceStatus = "DISCONNECTED"
	StatusConnected         DeviceStatus = "CONNECTED"
	StatusFailedAuthFailure DeviceStatus = "FAILED_AUTH_FAILURE"
	StatusFailedNotAllowed  DeviceStatus = "FAILED_NOT_ALLOWED"
	StatusFailed            DeviceStatus = "FAILED"
)

// ParseDeviceStatus converts s to a DeviceStatus.
func ParseDeviceStatus(s string) (DeviceStatus, error) {
	switch st := DeviceStatus(s); st {
	case StatusDisconnected, StatusConnected, StatusFailedAuthFailure, StatusFailedNotAllowed, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown device status %q", s)
}

// transitions lists, for each target state, the states it may be entered from.
// The empty state stands for "no record yet". Authorization outcomes apply
// from any state: a connected device that calls home again and is rejected
// is reported as rejected.
var transitions = map[DeviceStatus][]DeviceStatus{
	StatusDisconnected:      {"", StatusConnected, StatusFailed, StatusFailedAuthFailure, StatusFailedNotAllowed},
	StatusConnected:         {"", StatusDisconnected, StatusFailed, StatusFailedAuthFailure, StatusFailedNotAllowed},
	StatusFailed:            {"", StatusDisconnected, StatusConnected, StatusFailedAuthFailure, StatusFailedNotAllowed},
	StatusFailedAuthFailure: {"", StatusDisconnected, StatusConnected, StatusFailed, StatusFailedNotAllowed},
	StatusFailedNotAllowed:  {"", StatusDisconnected, StatusConnected, StatusFailed, StatusFailedAuthFailure},
}

// CanTransition reports whether a device may move from one status to another.
// Same-state transitions return false: they are no-ops.
func CanTransition(from, to DeviceStatus) bool {
	if from == to {
		return false
	}
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// DeviceState is the operational record of a device.
type DeviceState struct {
	UniqueID string
	HostKey  string
	Status   DeviceStatus
}

// StatusChange is an applied status update, fanned out to persistence and
// event sinks.
type StatusChange struct {
	UniqueID string
	HostKey  string
	From     DeviceStatus
	To       DeviceStatus
	At       time.Time
}
