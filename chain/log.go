// Copyright (c) 2013-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcsettle/build"
	"github.com/davecgh/go-spew/spew"
)

// log is the gateway logger.  It stays silent until UseLogger is called.
var log btclog.Logger

func init() {
	UseLogger(build.NewSubLogger("CHNS", nil))
}

// DisableLog disables all library log output.
func DisableLog() {
	log = btclog.Disabled
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// spewClosure defers dumping v until a log line at its level is written.
type spewClosure struct {
	v interface{}
}

// String dumps the wrapped value.
func (c spewClosure) String() string {
	return spew.Sdump(c.v)
}
