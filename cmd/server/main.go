package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"merkledrop/internal/config"
	"merkledrop/internal/registry"
	"merkledrop/internal/server"
	"merkledrop/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()

	var store registry.Store
	if cfg.Service.PostgresDSN != "" {
		pg, err := registry.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			log.Fatalf("postgres store error: %v", err)
		}
		defer pg.Close()
		store = pg
	} else {
		fs, err := registry.NewFileStore(cfg.Service.RegistryStorePath)
		if err != nil {
			log.Fatalf("registry store error: %v", err)
		}
		store = fs
	}

	var asset token.Asset
	var rpcHealth func(context.Context) error
	if cfg.Chain.PrivateKey != "" {
		ethAsset, err := token.NewEthAsset(ctx, token.EthAssetConfig{
			RPCURL:        cfg.Chain.RPCURL,
			PrivateKeyHex: cfg.Chain.PrivateKey,
			TokenAddress:  cfg.Seed.Token.Address,
		})
		if err != nil {
			log.Fatalf("asset client error: %v", err)
		}
		asset = ethAsset
		rpcHealth = ethAsset.Ping
	} else {
		ledger := token.NewLedger()
		if raw := os.Getenv("DEV_POOL_BALANCE"); raw != "" {
			if amount, ok := new(big.Int).SetString(raw, 10); ok {
				ledger.Mint(amount)
			}
		}
		asset = ledger
	}

	reg := registry.New(asset, store)
	apiServer := server.NewServer(cfg, reg, store)
	if rpcHealth != nil {
		apiServer.SetRPCHealth(rpcHealth)
	}

	if err := reg.Restore(ctx); err != nil {
		log.Fatalf("restore instances: %v", err)
	}

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownGrace)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}
