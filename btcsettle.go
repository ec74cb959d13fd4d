// Copyright (c) 2013-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcsettle/authaddr"
	"github.com/btcsuite/btcsettle/bus"
	"github.com/btcsuite/btcsettle/chain"
	"github.com/btcsuite/btcsettle/internal/cfgutil"
	"github.com/btcsuite/btcsettle/reservation"
	"github.com/btcsuite/btcsettle/settlement"
	"github.com/btcsuite/btcsettle/signer"
	"github.com/btcsuite/btcsettle/wallet"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// settlementWalletID identifies the settlement wallet towards the gateway.
const settlementWalletID = "settlement"

// Bus identities of the adapters run by the daemon.
var (
	gatewayUser    = bus.NewUser(1, "blockchain")
	settlementUser = bus.NewUser(2, "settlement")
)

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := settleMain(); err != nil {
		os.Exit(1)
	}
}

// settleMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func settleMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s, network %s", version(), activeNet.Params.Name)

	netDir := filepath.Join(cfg.AppDataDir.Value, activeNet.Params.Name)
	if err := checkCreateDir(netDir); err != nil {
		log.Error(err)
		return err
	}

	db, err := openSettlementDB(
		filepath.Join(netDir, walletDBName), cfg.DBTimeout,
	)
	if err != nil {
		log.Errorf("Unable to open settlement database: %v", err)
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorf("Unable to close settlement database: %v",
				err)
		}
	}()

	seed, err := loadSeed(filepath.Join(netDir, seedFilename))
	if err != nil {
		log.Errorf("Unable to load wallet seed: %v", err)
		return err
	}

	// Reservations survive restarts so outputs of settlements that were
	// running are not spent twice before they expire.
	journal, err := reservation.NewJournal(db)
	if err != nil {
		log.Errorf("Unable to open reservation journal: %v", err)
		return err
	}
	reservations := reservation.New(reservation.Config{Store: journal})
	if err := reservations.Restore(); err != nil {
		log.Error(err)
		return err
	}
	defer reservations.ShutdownCheck()

	gateway, err := newGateway(cfg)
	if err != nil {
		log.Errorf("Unable to create chain gateway: %v", err)
		return err
	}
	defer gateway.Stop()

	w, err := wallet.New(wallet.Config{
		ID:           settlementWalletID,
		DB:           db,
		Params:       activeNet.Params,
		Seed:         seed,
		Chain:        gateway,
		Reservations: reservations,
	})
	if err != nil {
		log.Errorf("Unable to open settlement wallet: %v", err)
		return err
	}
	log.Infof("Settlement auth key %x",
		w.AuthKey().SerializeCompressed())

	// The signer and the verificator report to the settlement adapter,
	// which is created once they exist.
	var settlements *settlement.Adapter

	localSigner := signer.NewLocalSigner(signer.LocalSignerConfig{
		Keys: w,
		OnSigned: func(reqID string, signed []byte,
			code signer.ErrorCode, msg string) {

			settlements.NotifySigned(reqID, signed, code, msg)
		},
	})
	defer localSigner.Stop()

	verificator := authaddr.New(authaddr.Config{
		Source: gateway,
		Callback: func(addr btcutil.Address, state authaddr.State) {
			settlements.NotifyVerified(addr, state)
		},
	})
	verificator.SetValidationAddresses(cfg.validationAddrs)

	settlements = settlement.NewAdapter(settlement.AdapterConfig{
		User:    settlementUser,
		Gateway: gatewayUser,
		Settlement: settlement.Config{
			Wallet:   w,
			Signer:   localSigner,
			Verifier: verificator,
			Params:   activeNet.Params,
			Timeout:  cfg.SettlementTimeout,
		},
	})

	b := bus.New("main", bus.DefaultQueueConfig())
	b.Bind(chain.NewGatewayAdapter(chain.GatewayAdapterConfig{
		User:             gatewayUser,
		Gateway:          gateway,
		BroadcastTimeout: cfg.BroadcastTimeout,
	}))
	b.Bind(settlements)

	verificator.Start()
	defer verificator.Stop()

	sweeper := reservation.NewSweeper(
		reservations, ticker.New(cfg.reservationSweepInterval()),
		cfg.ReservationMaxAge,
	)
	sweeper.Start()
	defer sweeper.Stop()

	g, ctx := errgroup.WithContext(withInterrupt(context.Background()))

	g.Go(func() error {
		return b.Run(ctx)
	})
	g.Go(func() error {
		return connectGateway(ctx, gateway, w, verificator)
	})
	if cfg.MetricsListen != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsListen)
		})
	}

	if err := g.Wait(); err != nil {
		log.Errorf("Shutting down: %v", err)
		return err
	}

	log.Info("Shutdown complete")
	return nil
}

// newGateway creates the RPC gateway of the configured chain server.
func newGateway(cfg *config) (*chain.RPCGateway, error) {
	var certs []byte
	if !cfg.DisableClientTLS {
		var err error
		certs, err = os.ReadFile(cfg.CAFile.Value)
		if err != nil {
			return nil, fmt.Errorf("cannot open CA file: %w", err)
		}
	} else {
		log.Info("Chain server RPC TLS is disabled")
	}

	gwCfg := &chain.RPCGatewayConfig{
		Conn: &rpcclient.ConnConfig{
			Host:         cfg.RPCConnect,
			Endpoint:     "ws",
			User:         cfg.RPCUser,
			Pass:         cfg.RPCPass,
			Certificates: certs,
			DisableTLS:   cfg.DisableClientTLS,
		},
		Chain:     activeNet.Params,
		PushRate:  rate.Limit(cfg.PushRate),
		PushBurst: cfg.PushBurst,
	}
	if cfg.zmqEnabled {
		gwCfg.ZMQ = &chain.ZMQConfig{
			BlockHost: cfg.ZMQPubRawBlock,
			TxHost:    cfg.ZMQPubRawTx,
		}
	}

	return chain.NewRPCGateway(gwCfg)
}

// connectGateway starts the gateway, registers the wallet addresses and
// starts the verification of the watched auth addresses.
func connectGateway(ctx context.Context, gateway *chain.RPCGateway,
	w *wallet.Wallet, verificator *authaddr.Verificator) error {

	if err := gateway.Start(); err != nil {
		return fmt.Errorf("unable to start chain gateway: %w", err)
	}

	if _, err := w.Register(ctx); err != nil {
		return err
	}

	if !verificator.StartVerification() {
		return authaddr.ErrNoValidationAddresses
	}

	return nil
}

// serveMetrics serves the prometheus metrics on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Metrics server shutdown: %v", err)
		}
	}()

	log.Infof("Metrics server listening on %s", addr)

	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// openSettlementDB opens the database at dbPath, creating it on first use.
func openSettlementDB(dbPath string, timeout time.Duration) (walletdb.DB,
	error) {

	exists, err := cfgutil.FileExists(dbPath)
	if err != nil {
		return nil, err
	}
	if exists {
		return walletdb.Open("bdb", dbPath, true, timeout, false)
	}

	log.Infof("Creating settlement database %s", dbPath)
	return walletdb.Create("bdb", dbPath, true, timeout, false)
}

// loadSeed reads the hex encoded wallet seed from seedPath.  A new seed is
// generated and written when the file does not exist.
func loadSeed(seedPath string) ([]byte, error) {
	exists, err := cfgutil.FileExists(seedPath)
	if err != nil {
		return nil, err
	}

	if exists {
		data, err := os.ReadFile(seedPath)
		if err != nil {
			return nil, err
		}
		return hex.DecodeString(strings.TrimSpace(string(data)))
	}

	seed, err := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	if err != nil {
		return nil, err
	}
	err = os.WriteFile(seedPath, []byte(hex.EncodeToString(seed)), 0600)
	if err != nil {
		return nil, err
	}

	log.Infof("Generated new wallet seed in %s", seedPath)

	return seed, nil
}

// checkCreateDir checks that the path exists and is a directory.
// If path does not exist, it is created.
func checkCreateDir(path string) error {
	if fi, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			// Attempt data directory creation
			if err = os.MkdirAll(path, 0700); err != nil {
				return fmt.Errorf("cannot create directory: %s", err)
			}
		} else {
			return fmt.Errorf("error checking directory: %s", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("path '%s' is not a directory", path)
		}
	}

	return nil
}
