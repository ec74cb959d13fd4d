// Copyright (c) 2015-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cfgutil provides the go-flags value types and path helpers used by
// the btcsettle configuration.
package cfgutil

import (
	"net"
	"os"
)

// ExplicitString is a string flag that remembers whether the user set it.
// It implements the flags.Marshaler and flags.Unmarshaler interfaces.
type ExplicitString struct {
	Value         string
	explicitlySet bool
}

// NewExplicitString creates a string flag defaulting to defaultValue.
func NewExplicitString(defaultValue string) *ExplicitString {
	return &ExplicitString{Value: defaultValue}
}

// ExplicitlySet returns true if the value was parsed from the command line
// or the config file.
func (e *ExplicitString) ExplicitlySet() bool { return e.explicitlySet }

// MarshalFlag implements the flags.Marshaler interface.
func (e *ExplicitString) MarshalFlag() (string, error) { return e.Value, nil }

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (e *ExplicitString) UnmarshalFlag(value string) error {
	e.Value = value
	e.explicitlySet = true
	return nil
}

// FileExists reports whether the named file or directory exists.
func FileExists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

// NormalizeAddress returns addr as host:port, appending defaultPort when
// addr has no port.
func NormalizeAddress(addr, defaultPort string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		return net.JoinHostPort(host, port), nil
	}

	// Only a missing port is fixed, anything else is a bad address.
	withPort := net.JoinHostPort(addr, defaultPort)
	if _, _, err2 := net.SplitHostPort(withPort); err2 != nil {
		return "", err
	}
	return withPort, nil
}
