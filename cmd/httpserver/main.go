package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/tee-agent-proxy/attestation"
	"github.com/ruteri/tee-agent-proxy/cmd/flags"
	"github.com/ruteri/tee-agent-proxy/cryptoutils"
	"github.com/ruteri/tee-agent-proxy/exchange"
	"github.com/ruteri/tee-agent-proxy/httpserver"
	"github.com/ruteri/tee-agent-proxy/keyvault"
	"github.com/ruteri/tee-agent-proxy/proxy"
	"github.com/ruteri/tee-agent-proxy/sessions"
	"github.com/ruteri/tee-agent-proxy/siweauth"
)

var serverFlags = append([]cli.Flag{
	flags.ListenAddrFlag,
	flags.UpstreamURLFlag,
	flags.UpstreamTimeoutFlag,
	flags.MainnetFlag,
	flags.MasterSeedFlag,
	flags.AttestationTypeFlag,
	flags.QuoteProviderURLFlag,
}, flags.CommonFlags...)

func main() {
	// Optional .env for development setups; flags and real env win.
	_ = godotenv.Load()

	app := &cli.App{
		Name:   "agent-proxy",
		Usage:  "Custody agent keys in a TDX enclave and sign exchange actions on behalf of authenticated users",
		Flags:  serverFlags,
		Action: runServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	seedHex := cCtx.String(flags.MasterSeedFlag.Name)
	if seedHex == "" {
		logger.Error("master-seed is required")
		return errors.New("master-seed is required")
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) != 32 {
		logger.Error("Invalid master-seed - must be 64 hex chars (32 bytes)", "err", err)
		return fmt.Errorf("invalid master-seed: %v", err)
	}

	vault, err := keyvault.New(seed)
	if err != nil {
		logger.Error("Failed to create key vault", "err", err)
		return err
	}

	provider, err := attestationProvider(cCtx, seed)
	if err != nil {
		logger.Error("Failed to configure attestation provider", "err", err)
		return err
	}
	logger.Info("Attestation provider configured", "type", provider.AttestationType().StringID)

	attestationSvc := attestation.NewService(provider, vault, logger)
	registry := sessions.NewRegistry(vault, attestationSvc, logger)
	authenticator := siweauth.NewAuthenticator(registry, logger)

	isMainnet := cCtx.Bool(flags.MainnetFlag.Name)
	signer := exchange.NewSigner(vault, isMainnet, logger)

	upstreamURL := cCtx.String(flags.UpstreamURLFlag.Name)
	upstreamTimeout := time.Duration(cCtx.Int64(flags.UpstreamTimeoutFlag.Name)) * time.Second
	upstream := proxy.New(upstreamURL, upstreamTimeout, logger)
	logger.Info("Upstream exchange configured", "url", upstreamURL, "mainnet", isMainnet)

	handler := httpserver.NewHandler(registry, authenticator, signer, upstream, logger)

	server, err := httpserver.New(flags.ConfigureServer(cCtx, logger), handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")

	return nil
}

func attestationProvider(cCtx *cli.Context, seed []byte) (cryptoutils.AttestationProvider, error) {
	switch attestationType := cCtx.String(flags.AttestationTypeFlag.Name); attestationType {
	case cryptoutils.DCAPAttestation.StringID:
		return &cryptoutils.DCAPAttestationProvider{}, nil
	case "remote":
		providerURL := cCtx.String(flags.QuoteProviderURLFlag.Name)
		if providerURL == "" {
			return nil, errors.New("quote-provider-url is required for the remote provider")
		}
		return &cryptoutils.RemoteAttestationProvider{Address: providerURL}, nil
	case cryptoutils.DummyAttestation.StringID:
		return cryptoutils.DummyAttestationProvider{Seed: seed}, nil
	default:
		return nil, fmt.Errorf("unknown attestation type: %s", attestationType)
	}
}
