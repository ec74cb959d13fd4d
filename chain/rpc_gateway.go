// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcsettle/reservation"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// DefaultPushTimeout is how long a push may stay unanswered before a
	// BroadcastTimeout event is sent.
	DefaultPushTimeout = 30 * time.Second

	// DefaultMaintenanceInterval is the base period of the connection
	// check.
	DefaultMaintenanceInterval = 10 * time.Second

	// defaultMaintenanceJitter spreads connection checks by +/- 20%.
	defaultMaintenanceJitter = 0.2

	// defaultHistoryPageSize is the number of transactions requested per
	// searchrawtransactions call.
	defaultHistoryPageSize = 1000

	// minFeePerByte is the floor of fee estimates.
	minFeePerByte = btcutil.Amount(1)
)

// RPCBackend is the subset of the btcd RPC client used by RPCGateway.
type RPCBackend interface {
	Connect(tries int) error
	GetCurrentNet() (wire.BitcoinNet, error)
	GetBestBlock() (*chainhash.Hash, int32, error)
	NotifyBlocks() error
	NotifyReceived(addresses []btcutil.Address) error
	SendRawTransaction(tx *wire.MsgTx,
		allowHighFees bool) (*chainhash.Hash, error)
	EstimateSmartFee(confTarget int64,
		mode *btcjson.EstimateSmartFeeMode) (
		*btcjson.EstimateSmartFeeResult, error)
	SearchRawTransactionsVerbose(address btcutil.Address, skip, count int,
		includePrevOut, reverse bool, filterAddrs []string) (
		[]*btcjson.SearchRawTransactionsResult, error)
	GetBlockVerbose(blockHash *chainhash.Hash) (
		*btcjson.GetBlockVerboseResult, error)
	GetBlockHeaderVerbose(blockHash *chainhash.Hash) (
		*btcjson.GetBlockHeaderVerboseResult, error)
	Disconnected() bool
	Shutdown()
	WaitForShutdown()
}

// A compile-time check to ensure the btcd client satisfies RPCBackend.
var _ RPCBackend = (*rpcclient.Client)(nil)

// RPCGatewayConfig defines the config options used when initializing the
// RPC gateway.
type RPCGatewayConfig struct {
	// Conn describes the connection configuration parameters for the
	// client.
	Conn *rpcclient.ConnConfig

	// Chain defines the Bitcoin network the backend must run on.
	Chain *chaincfg.Params

	// ReconnectAttempts defines the number of retries (each after an
	// increasing backoff) if the connection can not be established.
	ReconnectAttempts int

	// ZMQ switches the gateway to bitcoind mode: requests are sent over
	// HTTP POST and block/tx events are read from ZMQ.  Nil means btcd
	// websocket notifications.
	ZMQ *ZMQConfig

	// MaintenanceInterval is the base period of the connection check.
	MaintenanceInterval time.Duration

	// PushTimeout bounds the wait for a push answer.
	PushTimeout time.Duration

	// PushRate and PushBurst limit how fast transactions are pushed.
	// A zero PushRate disables the limit.
	PushRate  rate.Limit
	PushBurst int
}

// validate checks the required config options are set.
func (c *RPCGatewayConfig) validate() error {
	if c == nil {
		return errors.New("missing gateway config")
	}
	if c.ReconnectAttempts < 0 {
		return errors.New("reconnectAttempts must be positive")
	}
	if c.Chain == nil {
		return errors.New("missing chain params config")
	}
	if c.Conn == nil {
		return errors.New("missing conn config")
	}
	if !c.Conn.DisableTLS && c.Conn.Certificates == nil {
		return errors.New("must provide certs when TLS is enabled")
	}

	return nil
}

// RPCGateway is a Gateway talking to btcd over websockets or to bitcoind
// over HTTP POST plus ZMQ.
type RPCGateway struct {
	cfg       RPCGatewayConfig
	backend   RPCBackend
	websocket bool
	limiter   *rate.Limiter

	zmq *ZMQEvents

	mtx          sync.Mutex
	state        State
	top          uint32
	disconnected uint32
	wallets      map[string][]btcutil.Address

	enqueueEvent chan Event
	dequeueEvent chan Event

	quit    chan struct{}
	wg      sync.WaitGroup
	started bool
	quitMtx sync.Mutex
}

// A compile-time check to ensure that RPCGateway satisfies the Gateway
// interface.
var _ Gateway = (*RPCGateway)(nil)

// NewRPCGateway creates a gateway to the server described by cfg.  The
// connection is not established until Start is called.
func NewRPCGateway(cfg *RPCGatewayConfig) (*RPCGateway, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	g := newRPCGateway(*cfg)

	if g.websocket {
		g.cfg.Conn.DisableAutoReconnect = false
		g.cfg.Conn.DisableConnectOnNew = true
	} else {
		g.cfg.Conn.HTTPPostMode = true
	}

	ntfnCallbacks := &rpcclient.NotificationHandlers{
		OnClientConnected:   g.onClientConnect,
		OnBlockConnected:    g.onBlockConnected,
		OnBlockDisconnected: g.onBlockDisconnected,
		OnRecvTx:            g.onRecvTx,
	}
	if !g.websocket {
		ntfnCallbacks = nil
	}

	client, err := rpcclient.New(g.cfg.Conn, ntfnCallbacks)
	if err != nil {
		return nil, err
	}
	g.backend = client

	return g, nil
}

// newRPCGateway applies defaults to cfg.  The backend is set by the caller.
func newRPCGateway(cfg RPCGatewayConfig) *RPCGateway {
	if cfg.MaintenanceInterval == 0 {
		cfg.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if cfg.PushTimeout == 0 {
		cfg.PushTimeout = DefaultPushTimeout
	}

	limit, burst := cfg.PushRate, cfg.PushBurst
	if limit == 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}

	return &RPCGateway{
		cfg:          cfg,
		websocket:    cfg.ZMQ == nil,
		limiter:      rate.NewLimiter(limit, burst),
		wallets:      make(map[string][]btcutil.Address),
		enqueueEvent: make(chan Event),
		dequeueEvent: make(chan Event),
		quit:         make(chan struct{}),
	}
}

// Start connects to the backend, verifies it runs on the configured network
// and starts the event handler and the connection maintenance.
func (g *RPCGateway) Start() error {
	g.quitMtx.Lock()
	g.started = true
	g.quitMtx.Unlock()

	g.wg.Add(1)
	go g.handler()

	g.setState(StateConnecting)

	if g.websocket {
		if err := g.backend.Connect(g.cfg.ReconnectAttempts); err != nil {
			g.setState(StateOffline)
			return err
		}
	}

	net, err := g.backend.GetCurrentNet()
	if err != nil {
		g.setState(StateOffline)
		return err
	}
	if net != g.cfg.Chain.Net {
		g.setState(StateError)
		return fmt.Errorf("%w: backend on %v, expected %v",
			ErrMismatchedNetwork, net, g.cfg.Chain.Net)
	}
	g.setState(StateConnected)

	_, height, err := g.backend.GetBestBlock()
	if err != nil {
		g.setState(StateOffline)
		return fmt.Errorf("unable to fetch best block: %w", err)
	}
	g.mtx.Lock()
	g.top = uint32(height)
	g.mtx.Unlock()

	if g.websocket {
		if err := g.backend.NotifyBlocks(); err != nil {
			return fmt.Errorf("unable to subscribe to blocks: %w",
				err)
		}
	} else {
		zmq, err := NewZMQEvents(g.cfg.ZMQ, g.onRawBlock, g.onRawTx)
		if err != nil {
			return err
		}
		g.zmq = zmq
		g.zmq.Start()
	}

	log.Infof("Connected to %v backend at %s, best height %d",
		g.cfg.Chain.Name, g.cfg.Conn.Host, height)

	g.setState(StateReady)

	g.wg.Add(1)
	go g.maintain()

	return nil
}

// Stop disconnects the client and signals the shutdown of all goroutines
// started by Start.  The event channel is closed once they exit.
func (g *RPCGateway) Stop() {
	g.quitMtx.Lock()
	select {
	case <-g.quit:
		g.quitMtx.Unlock()
		return
	default:
	}

	close(g.quit)
	if g.backend != nil {
		g.backend.Shutdown()
	}
	if g.zmq != nil {
		if err := g.zmq.Stop(); err != nil {
			log.Errorf("Unable to stop zmq events: %v", err)
		}
	}
	if !g.started {
		close(g.dequeueEvent)
	}
	g.quitMtx.Unlock()

	if g.backend != nil {
		g.backend.WaitForShutdown()
	}
	g.wg.Wait()
}

// State returns the current connection state.
func (g *RPCGateway) State() State {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	return g.state
}

// IsReady returns true once requests can be served.
func (g *RPCGateway) IsReady() bool {
	return g.State() == StateReady
}

// TopBlock returns the best known height.
func (g *RPCGateway) TopBlock() uint32 {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	return g.top
}

// Events returns a channel of gateway events.  This channel must be
// continually read or the process may abort for running out memory, as
// unread events are queued for later reads.
func (g *RPCGateway) Events() <-chan Event {
	return g.dequeueEvent
}

// RegisterWallet subscribes to activity of addrs.
func (g *RPCGateway) RegisterWallet(ctx context.Context, walletID string,
	addrs []btcutil.Address) (string, error) {

	if err := ctx.Err(); err != nil {
		return "", err
	}

	g.mtx.Lock()
	g.wallets[walletID] = append([]btcutil.Address(nil), addrs...)
	ready := g.state == StateReady
	g.mtx.Unlock()

	if g.websocket && ready && len(addrs) > 0 {
		if err := g.backend.NotifyReceived(addrs); err != nil {
			return "", fmt.Errorf("unable to register wallet %s: "+
				"%w", walletID, err)
		}
	}

	regID := uuid.NewString()
	log.Debugf("Registered wallet %s with %d addresses as %s", walletID,
		len(addrs), regID)

	return regID, nil
}

// PushTransaction broadcasts rawTx.  The call returns once the transaction
// was handed to the backend; the outcome arrives as an event.
func (g *RPCGateway) PushTransaction(ctx context.Context,
	rawTx []byte) (string, error) {

	if !g.IsReady() {
		return "", ErrNotReady
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return "", fmt.Errorf("invalid transaction: %w", err)
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}

	reqID := uuid.NewString()
	log.Debugf("Pushing tx %v as %s", tx.TxHash(), reqID)
	log.Tracef("Pushed tx: %v", spewClosure{tx})

	g.wg.Add(1)
	go g.push(reqID, tx)

	return reqID, nil
}

// push sends tx and reports the outcome.
//
// NOTE: This must be run as a goroutine.
func (g *RPCGateway) push(reqID string, tx *wire.MsgTx) {
	defer g.wg.Done()

	txHash := tx.TxHash()
	result := make(chan error, 1)
	go func() {
		_, err := g.backend.SendRawTransaction(tx, false)
		result <- err
	}()

	timer := time.NewTimer(g.cfg.PushTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err == nil {
			rec, err := wtxmgr.NewTxRecordFromMsgTx(tx, time.Now())
			if err != nil {
				log.Errorf("Cannot create record for pushed tx "+
					"%v: %v", txHash, err)
				return
			}
			g.notify(ZCReceived{
				RequestID: reqID,
				Entries:   []*wtxmgr.TxRecord{rec},
			})
			return
		}

		res := ClassifyBroadcastError(err)
		if res == BroadcastTimedOut {
			g.notify(BroadcastTimeout{RequestID: reqID, TxHash: txHash})
			return
		}

		log.Warnf("Push %s of tx %v rejected (%v): %v", reqID, txHash,
			res, err)
		g.notify(BroadcastError{
			RequestID: reqID,
			TxHash:    txHash,
			Result:    res,
			Message:   err.Error(),
		})

	case <-timer.C:
		log.Warnf("Push %s of tx %v timed out after %v", reqID, txHash,
			g.cfg.PushTimeout)
		g.notify(BroadcastTimeout{RequestID: reqID, TxHash: txHash})

	case <-g.quit:
	}
}

// EstimateFee returns the conservative fee rate per virtual byte for the
// target.  The relay fee floor is used when the backend has no estimate.
func (g *RPCGateway) EstimateFee(ctx context.Context,
	targetBlocks uint32) (btcutil.Amount, error) {

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !g.IsReady() {
		return 0, ErrNotReady
	}

	mode := btcjson.EstimateModeConservative
	res, err := g.backend.EstimateSmartFee(int64(targetBlocks), &mode)
	if err != nil {
		return 0, fmt.Errorf("unable to estimate fee: %w", err)
	}

	if res.FeeRate == nil || *res.FeeRate <= 0 {
		log.Debugf("No fee estimate for %d blocks: %v", targetBlocks,
			res.Errors)
		return txrules.DefaultRelayFeePerKb / 1000, nil
	}

	perKb, err := btcutil.NewAmount(*res.FeeRate)
	if err != nil {
		return 0, err
	}

	perByte := perKb / 1000
	if perByte < minFeePerByte {
		perByte = minFeePerByte
	}

	return perByte, nil
}

// GetOutpointsForAddresses returns the output history of addrs.
func (g *RPCGateway) GetOutpointsForAddresses(ctx context.Context,
	addrs []btcutil.Address, topBlock, zcIndex uint32) (*OutpointBatch,
	error) {

	if !g.IsReady() {
		return nil, ErrNotReady
	}

	tip := g.TopBlock()
	history, err := g.history(ctx, addrs, tip, topBlock)
	if err != nil {
		return nil, err
	}

	// btcd has no unconfirmed cursor, every unconfirmed output is
	// reported again and merged by the caller.
	return &OutpointBatch{
		TopHeight:     tip,
		ZCIndexCutoff: zcIndex,
		Outpoints:     history,
	}, nil
}

// GetSpendableOutputs returns the unspent outputs of the registered wallets.
func (g *RPCGateway) GetSpendableOutputs(ctx context.Context,
	walletIDs []string) (map[string][]reservation.UTXO, error) {

	if !g.IsReady() {
		return nil, ErrNotReady
	}

	tip := g.TopBlock()
	spendable := make(map[string][]reservation.UTXO, len(walletIDs))
	for _, walletID := range walletIDs {
		g.mtx.Lock()
		addrs, ok := g.wallets[walletID]
		g.mtx.Unlock()
		if !ok {
			return nil, fmt.Errorf("wallet %s not registered",
				walletID)
		}

		history, err := g.history(ctx, addrs, tip, 0)
		if err != nil {
			return nil, err
		}

		var utxos []reservation.UTXO
		for _, addr := range addrs {
			pkScript, err := txscript.PayToAddrScript(addr)
			if err != nil {
				return nil, err
			}

			for _, op := range history[addr.EncodeAddress()] {
				if op.Spent {
					continue
				}

				height := int32(op.Height)
				if op.IsZC() {
					height = -1
				}
				utxos = append(utxos, reservation.UTXO{
					OutPoint: wire.OutPoint{
						Hash:  op.TxHash,
						Index: op.Index,
					},
					Value:    op.Value,
					PkScript: pkScript,
					Height:   height,
				})
			}
		}
		spendable[walletID] = utxos
	}

	return spendable, nil
}

// history fetches and collects the outpoint history of addrs.
func (g *RPCGateway) history(ctx context.Context, addrs []btcutil.Address,
	tip, fromHeight uint32) (map[string][]Outpoint, error) {

	watched := make(map[string]struct{}, len(addrs))
	var results []*btcjson.SearchRawTransactionsResult
	for _, addr := range addrs {
		watched[addr.EncodeAddress()] = struct{}{}

		res, err := g.searchHistory(ctx, addr)
		if err != nil {
			return nil, err
		}
		results = append(results, res...)
	}

	blocks := make(map[string]map[string]uint32)
	locate := func(blockHash, txid string) uint32 {
		txs, ok := blocks[blockHash]
		if !ok {
			txs = make(map[string]uint32)
			blocks[blockHash] = txs

			hash, err := chainhash.NewHashFromStr(blockHash)
			if err != nil {
				return 0
			}
			block, err := g.backend.GetBlockVerbose(hash)
			if err != nil {
				log.Warnf("Unable to fetch block %s: %v",
					blockHash, err)
				return 0
			}
			for i, id := range block.Tx {
				txs[id] = uint32(i)
			}
		}
		return txs[txid]
	}

	return collectOutpoints(
		g.cfg.Chain, watched, results, tip, fromHeight, locate,
	)
}

// searchHistory pages through every transaction touching addr.
func (g *RPCGateway) searchHistory(ctx context.Context,
	addr btcutil.Address) ([]*btcjson.SearchRawTransactionsResult, error) {

	var all []*btcjson.SearchRawTransactionsResult
	for skip := 0; ; skip += defaultHistoryPageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := g.backend.SearchRawTransactionsVerbose(
			addr, skip, defaultHistoryPageSize, true, false, nil,
		)
		var rpcErr *btcjson.RPCError
		switch {
		case errors.As(err, &rpcErr) &&
			rpcErr.Code == btcjson.ErrRPCNoTxInfo:

			return all, nil

		case err != nil:
			return nil, fmt.Errorf("unable to search history of "+
				"%v: %w", addr, err)
		}

		all = append(all, page...)
		if len(page) < defaultHistoryPageSize {
			return all, nil
		}
	}
}

// setState changes the connection state and notifies about the change.
func (g *RPCGateway) setState(s State) {
	g.mtx.Lock()
	if g.state == s {
		g.mtx.Unlock()
		return
	}
	prev := g.state
	g.state = s
	g.mtx.Unlock()

	log.Infof("Gateway state %v -> %v", prev, s)
	g.notify(StateChanged{State: s})
}

// advanceTip records a new best height and reports it.  Disconnected blocks
// seen since the previous tip make the event a reorg.
func (g *RPCGateway) advanceTip(height uint32) {
	g.mtx.Lock()
	var branch uint32
	switch {
	case g.disconnected > 0:
		branch = g.disconnected - 1
		g.disconnected = 0
	case height <= g.top && height > 0:
		branch = height - 1
	}
	g.top = height
	g.mtx.Unlock()

	if branch != 0 {
		log.Infof("Reorg to height %d from branch height %d", height,
			branch)
	}
	g.notify(NewBlock{Height: height, BranchHeight: branch})
}

// notify enqueues e for delivery through Events.
func (g *RPCGateway) notify(e Event) {
	select {
	case g.enqueueEvent <- e:
	case <-g.quit:
	}
}

func (g *RPCGateway) onClientConnect() {
	log.Infof("Client reconnected to %s", g.cfg.Conn.Host)

	g.mtx.Lock()
	var addrs []btcutil.Address
	for _, walletAddrs := range g.wallets {
		addrs = append(addrs, walletAddrs...)
	}
	g.mtx.Unlock()

	if len(addrs) > 0 {
		if err := g.backend.NotifyReceived(addrs); err != nil {
			log.Errorf("Unable to re-register addresses: %v", err)
		}
	}
}

func (g *RPCGateway) onBlockConnected(_ *chainhash.Hash, height int32,
	_ time.Time) {

	g.advanceTip(uint32(height))
}

func (g *RPCGateway) onBlockDisconnected(_ *chainhash.Hash, height int32,
	_ time.Time) {

	g.mtx.Lock()
	if g.disconnected == 0 || uint32(height) < g.disconnected {
		g.disconnected = uint32(height)
	}
	g.mtx.Unlock()
}

func (g *RPCGateway) onRecvTx(tx *btcutil.Tx, block *btcjson.BlockDetails) {
	// Mined transactions are picked up through the block events.
	if block != nil {
		return
	}

	g.reportZC(tx.MsgTx())
}

// onRawBlock is called for every block read from ZMQ.
func (g *RPCGateway) onRawBlock(block *wire.MsgBlock) {
	hash := block.BlockHash()
	header, err := g.backend.GetBlockHeaderVerbose(&hash)
	if err != nil {
		log.Errorf("Unable to fetch header of block %v: %v", hash, err)
		return
	}

	g.advanceTip(uint32(header.Height))
}

// onRawTx is called for every transaction read from ZMQ.  Only the ones
// paying to a registered address are reported.
func (g *RPCGateway) onRawTx(tx *wire.MsgTx) {
	g.mtx.Lock()
	watched := make(map[string]struct{})
	for _, addrs := range g.wallets {
		for _, addr := range addrs {
			watched[addr.EncodeAddress()] = struct{}{}
		}
	}
	g.mtx.Unlock()

	for _, out := range tx.TxOut {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(
			out.PkScript, g.cfg.Chain,
		)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if _, ok := watched[addr.EncodeAddress()]; ok {
				g.reportZC(tx)
				return
			}
		}
	}
}

func (g *RPCGateway) reportZC(tx *wire.MsgTx) {
	rec, err := wtxmgr.NewTxRecordFromMsgTx(tx, time.Now())
	if err != nil {
		log.Errorf("Cannot create transaction record for relevant "+
			"tx: %v", err)
		return
	}

	g.notify(ZCReceived{Entries: []*wtxmgr.TxRecord{rec}})
}

// maintain polls the backend on a jittered period, tracks the connection
// state and catches up on blocks missed while offline.
//
// NOTE: This must be run as a goroutine.
func (g *RPCGateway) maintain() {
	defer g.wg.Done()

	ticker := NewJitterTicker(
		g.cfg.MaintenanceInterval, defaultMaintenanceJitter,
	)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.checkConnection()

		case <-g.quit:
			return
		}
	}
}

// checkConnection updates the state from a best block query.
func (g *RPCGateway) checkConnection() {
	if g.websocket && g.backend.Disconnected() {
		g.setState(StateOffline)
		return
	}

	_, height, err := g.backend.GetBestBlock()
	if err != nil {
		log.Warnf("Backend unreachable: %v", err)
		g.setState(StateOffline)
		return
	}

	wasReady := g.IsReady()
	g.setState(StateReady)
	if !wasReady {
		g.onClientConnect()
	}

	if uint32(height) != g.TopBlock() {
		g.advanceTip(uint32(height))
	}
}

// handler maintains a queue of events so the notification callbacks never
// block on a slow reader.
//
// NOTE: This must be run as a goroutine.
func (g *RPCGateway) handler() {
	defer g.wg.Done()
	defer close(g.dequeueEvent)

	var (
		events  []Event
		enqueue = g.enqueueEvent
		dequeue chan Event
		next    Event
	)
out:
	for {
		select {
		case e := <-enqueue:
			if len(events) == 0 {
				next = e
				dequeue = g.dequeueEvent
			}
			events = append(events, e)

		case dequeue <- next:
			events[0] = nil
			events = events[1:]
			if len(events) != 0 {
				next = events[0]
			} else {
				dequeue = nil
				next = nil
			}

		case <-g.quit:
			break out
		}
	}
}
