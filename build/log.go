// Copyright (c) 2015-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package build

import (
	"os"

	"github.com/btcsuite/btclog"
)

// LogType is the kind of logging selected by the build tags.
type LogType byte

const (
	// LogTypeNone disables logging.
	LogTypeNone LogType = iota

	// LogTypeStdOut writes every subsystem straight to stdout.  Unit
	// tests run with it.
	LogTypeStdOut

	// LogTypeDefault hands subsystem loggers out of the backend of the
	// daemon, which writes to stdout and the log rotator.
	LogTypeDefault
)

// String returns a human readable identifier for the logging type.
func (t LogType) String() string {
	switch t {
	case LogTypeNone:
		return "none"
	case LogTypeStdOut:
		return "stdout"
	case LogTypeDefault:
		return "default"
	default:
		return "unknown"
	}
}

// NewSubLogger returns the logger of subsystem.  Packages call it with a nil
// genSubLogger from their init functions, which leaves them silent until the
// daemon hands them a logger created by its backend.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	switch {
	case Deployment == Production && genSubLogger != nil:
		return genSubLogger(subsystem)

	case Deployment == Development && LoggingType == LogTypeDefault &&
		genSubLogger != nil:

		return genSubLogger(subsystem)

	case Deployment == Development && LoggingType == LogTypeStdOut:
		logger := btclog.NewBackend(os.Stdout).Logger(subsystem)

		level, _ := btclog.LevelFromString(LogLevel)
		logger.SetLevel(level)

		return logger
	}

	return btclog.Disabled
}
