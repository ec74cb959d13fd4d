// Copyright (c) 2013-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcsettle/authaddr"
	"github.com/btcsuite/btcsettle/build"
	"github.com/btcsuite/btcsettle/bus"
	"github.com/btcsuite/btcsettle/chain"
	"github.com/btcsuite/btcsettle/reservation"
	"github.com/btcsuite/btcsettle/settlement"
	"github.com/btcsuite/btcsettle/signer"
	"github.com/btcsuite/btcsettle/wallet"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem.  A single backend logger is created and all subsytem
// loggers created from it will write to the backend.  When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file.  This must be performed early during application startup by
// calling initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.  The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences
	// will occur.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	log      = build.NewSubLogger("BTST", backendLog.Logger)
	busLog   = build.NewSubLogger("BUS", backendLog.Logger)
	rsrvLog  = build.NewSubLogger("RSRV", backendLog.Logger)
	authLog  = build.NewSubLogger("AUTH", backendLog.Logger)
	chainLog = build.NewSubLogger("CHNS", backendLog.Logger)
	signLog  = build.NewSubLogger("SIGN", backendLog.Logger)
	walletLg = build.NewSubLogger("WLLT", backendLog.Logger)
	stlmLog  = build.NewSubLogger("STLM", backendLog.Logger)
)

// Initialize package-global logger variables.
func init() {
	bus.UseLogger(busLog)
	reservation.UseLogger(rsrvLog)
	authaddr.UseLogger(authLog)
	chain.UseLogger(chainLog)
	rpcclient.UseLogger(chainLog)
	signer.UseLogger(signLog)
	wallet.UseLogger(walletLg)
	settlement.UseLogger(stlmLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"BTST": log,
	"BUS":  busLog,
	"RSRV": rsrvLog,
	"AUTH": authLog,
	"CHNS": chainLog,
	"SIGN": signLog,
	"WLLT": walletLg,
	"STLM": stlmLog,
}

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}

	logRotator = r
}

// setLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.  Uninitialized subsystems are dynamically created as
// needed.
func setLogLevel(subsystemID string, logLevel string) {
	// Ignore invalid subsystems.
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.  It also dynamically creates the subsystem loggers as needed, so it
// can be used to initialize the logging system.
func setLogLevels(logLevel string) {
	// Configure all sub-systems with the new logging level.  Dynamically
	// create loggers as needed.
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}
