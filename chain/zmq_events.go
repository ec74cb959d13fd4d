// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/gozmq"
)

const (
	// rawBlockZMQCommand is the command used to receive raw block
	// notifications from bitcoind through ZMQ.
	rawBlockZMQCommand = "rawblock"

	// rawTxZMQCommand is the command used to receive raw transaction
	// notifications from bitcoind through ZMQ.
	rawTxZMQCommand = "rawtx"

	// maxRawBlockSize is the maximum size in bytes for a raw block
	// received from bitcoind through ZMQ.
	maxRawBlockSize = 4e6

	// maxRawTxSize is the maximum size in bytes for a raw transaction
	// received from bitcoind through ZMQ.
	maxRawTxSize = maxRawBlockSize

	// seqNumLen is the length of the sequence number of a message sent
	// from bitcoind through ZMQ.
	seqNumLen = 4

	// defaultZMQReadDeadline is applied when the config leaves the read
	// deadline unset.
	defaultZMQReadDeadline = 5 * time.Second
)

// ZMQConfig holds the endpoints of the bitcoind ZMQ publishers.
type ZMQConfig struct {
	// BlockHost is the address of the rawblock publisher.
	BlockHost string

	// TxHost is the address of the rawtx publisher.
	TxHost string

	// ReadDeadline is applied to every read from either subscription.
	ReadDeadline time.Duration
}

// ZMQEvents reads raw blocks and transactions published by bitcoind and
// hands them to the callbacks it was created with.
type ZMQEvents struct {
	blockConn *gozmq.Conn
	txConn    *gozmq.Conn

	onBlock func(*wire.MsgBlock)
	onTx    func(*wire.MsgTx)

	stopOnce sync.Once
	wg       sync.WaitGroup
	quit     chan struct{}
}

// NewZMQEvents subscribes to both publishers of cfg.
func NewZMQEvents(cfg *ZMQConfig, onBlock func(*wire.MsgBlock),
	onTx func(*wire.MsgTx)) (*ZMQEvents, error) {

	if cfg == nil {
		return nil, errors.New("missing zmq config")
	}

	deadline := cfg.ReadDeadline
	if deadline == 0 {
		deadline = defaultZMQReadDeadline
	}

	// Two connections are used so one type of event never starves the
	// other one.
	blockConn, err := gozmq.Subscribe(
		cfg.BlockHost, []string{rawBlockZMQCommand}, deadline,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to subscribe for zmq block "+
			"events: %w", err)
	}

	txConn, err := gozmq.Subscribe(
		cfg.TxHost, []string{rawTxZMQCommand}, deadline,
	)
	if err != nil {
		if err := blockConn.Close(); err != nil {
			log.Errorf("Could not close zmq block conn: %v", err)
		}

		return nil, fmt.Errorf("unable to subscribe for zmq tx "+
			"events: %w", err)
	}

	return &ZMQEvents{
		blockConn: blockConn,
		txConn:    txConn,
		onBlock:   onBlock,
		onTx:      onTx,
		quit:      make(chan struct{}),
	}, nil
}

// Start launches the read loops.
func (z *ZMQEvents) Start() {
	z.wg.Add(2)
	go z.readLoop(z.blockConn, rawBlockZMQCommand, maxRawBlockSize,
		z.handleBlock)
	go z.readLoop(z.txConn, rawTxZMQCommand, maxRawTxSize, z.handleTx)
}

// Stop closes both connections and waits for the read loops to exit.
func (z *ZMQEvents) Stop() error {
	var returnErr error
	z.stopOnce.Do(func() {
		close(z.quit)

		if err := z.txConn.Close(); err != nil {
			returnErr = err
		}
		if err := z.blockConn.Close(); err != nil {
			returnErr = err
		}

		z.wg.Wait()
	})

	return returnErr
}

func (z *ZMQEvents) handleBlock(data []byte) {
	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(data)); err != nil {
		log.Errorf("Unable to deserialize block: %v", err)
		return
	}
	z.onBlock(block)
}

func (z *ZMQEvents) handleTx(data []byte) {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		log.Errorf("Unable to deserialize transaction: %v", err)
		return
	}
	z.onTx(tx)
}

// readLoop reads events of one subscription until the connection is closed.
//
// NOTE: This must be run as a goroutine.
func (z *ZMQEvents) readLoop(conn *gozmq.Conn, command string, maxSize int,
	handle func([]byte)) {

	defer z.wg.Done()

	log.Infof("Started listening for bitcoind %s notifications via ZMQ "+
		"on %v", command, conn.RemoteAddr())

	// Messages from bitcoind include three parts: the command, the data,
	// and the sequence number.
	var (
		cmd    = make([]byte, len(command))
		seqNum [seqNumLen]byte
		data   = make([]byte, maxSize)
	)

	for {
		select {
		case <-z.quit:
			return
		default:
		}

		bufs, err := conn.Receive([][]byte{cmd, data, seqNum[:]})
		if err != nil {
			// EOF should only be returned if the connection was
			// explicitly closed.
			if errors.Is(err, io.EOF) {
				return
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Trace("Re-establishing timed out ZMQ " +
					command + " connection")
				continue
			}

			select {
			case <-z.quit:
				return
			default:
			}

			log.Errorf("Unable to receive ZMQ %v message: %v",
				command, err)
			continue
		}

		eventType := string(bufs[0])
		if eventType != command {
			// A partially read message produces garbage when
			// bitcoind shuts down, only log readable ones.
			if eventType != "" && isASCII(eventType) {
				log.Warnf("Received unexpected event type from "+
					"%v subscription: %v", command,
					eventType)
			}
			continue
		}

		handle(bufs[1])
	}
}

// isASCII is a helper method that checks whether all bytes in `data` would be
// printable ASCII characters if interpreted as a string.
func isASCII(s string) bool {
	for _, c := range s {
		if c < 32 || c > 126 {
			return false
		}
	}
	return true
}
