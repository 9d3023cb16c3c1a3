package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowbridge/internal/bridge"
	"escrowbridge/internal/chainsettle"
	"escrowbridge/internal/config"
	"escrowbridge/internal/idempotency"
	"escrowbridge/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()

	var store idempotency.Store
	if cfg.Service.PostgresDSN != "" {
		pgStore, err := idempotency.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			log.Fatalf("idempotency store error: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
	} else {
		fileStore, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			log.Fatalf("idempotency store error: %v", err)
		}
		store = fileStore
	}

	var bridgeClient bridge.Client = bridge.NewFakeClient()
	if cfg.Chain.PrivateKey != "" {
		ethClient, err := bridge.NewEthClient(ctx, bridge.EthClientConfig{
			RPCURL:         cfg.Chain.RPCURL,
			PrivateKeyHex:  cfg.Chain.PrivateKey,
			ContractBridge: cfg.Deployment.Contracts.EscrowBridge,
			TokenFlavor:    cfg.Deployment.Asset == "erc20",
		})
		if err != nil {
			log.Fatalf("bridge client error: %v", err)
		}
		bridgeClient = ethClient
	} else {
		log.Printf("no private key configured, using in-memory bridge client")
	}

	oracle := chainsettle.New(cfg.Service.ChainSettleURL)

	apiServer := server.NewServer(cfg, bridgeClient, oracle, store)

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}
