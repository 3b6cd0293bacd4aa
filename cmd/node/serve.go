package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/fabstir/llm-node/internal/admission"
	"github.com/fabstir/llm-node/internal/chain"
	"github.com/fabstir/llm-node/internal/config"
	"github.com/fabstir/llm-node/internal/cryptocore"
	"github.com/fabstir/llm-node/internal/health"
	"github.com/fabstir/llm-node/internal/inference"
	"github.com/fabstir/llm-node/internal/logger"
	"github.com/fabstir/llm-node/internal/meter"
	"github.com/fabstir/llm-node/internal/metrics"
	"github.com/fabstir/llm-node/internal/modelregistry"
	"github.com/fabstir/llm-node/internal/router"
	"github.com/fabstir/llm-node/internal/sessionactor"
	"github.com/fabstir/llm-node/internal/sessionkeys"
	"github.com/fabstir/llm-node/internal/wsserver"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the inference node",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "path to the node config file (required)")
	serveCmd.MarkFlagRequired("config")
}

func parseLevel(s string) logger.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return logger.DebugLevel
	case "WARN":
		return logger.WarnLevel
	case "ERROR":
		return logger.ErrorLevel
	default:
		return logger.InfoLevel
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	config.LoadEnv(".env")

	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.NewLogger(os.Stdout, parseLevel(cfg.LogLevel))

	hostPriv, err := hexDecode(cfg.HostPrivateKeyHex)
	if err != nil {
		return fmt.Errorf("invalid host_private_key_hex: %w", err)
	}
	hostAddr, err := cryptocore.AddressFromPrivateKey(hostPriv)
	if err != nil {
		return fmt.Errorf("derive host address: %w", err)
	}
	hostAddrHex := fmt.Sprintf("%x", hostAddr)

	var chainClient *chain.Client
	if cfg.Chain.RPCURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		chainClient, err = chain.NewClient(ctx, cfg.Chain.RPCURL, common.HexToAddress(cfg.Chain.ContractAddress),
			cfg.Chain.ChainID, cfg.HostPrivateKeyHex, cfg.Chain.ConfirmTimeout, cfg.CheckpointMaxRetries)
		cancel()
		if err != nil {
			return fmt.Errorf("connect chain client: %w", err)
		}
		log.Info("chain client connected", logger.String("rpcUrl", cfg.Chain.RPCURL))
	} else {
		log.Warn("no chain.rpc_url configured, running without on-chain checkpoint submission")
	}

	modelReg := modelregistry.New(echoLoader{word: "token"}, cfg.MemoryBudgetBytes, log)
	required := make(map[string]bool, len(cfg.PreloadModels))
	preloadCfgs := make([]modelregistry.Config, 0, len(cfg.PreloadModels))
	for _, m := range cfg.PreloadModels {
		preloadCfgs = append(preloadCfgs, modelregistry.Config{Name: m.Name, Params: m.Params})
		required[m.Name] = m.Required
	}
	if err := modelReg.Preload(preloadCfgs, required); err != nil {
		return fmt.Errorf("preload models: %w", err)
	}

	engine := inference.New(&inference.FakeBackend{Word: "token"})
	rt := router.New(modelReg, engine, router.Config{AutoLoad: true})

	var submitter meter.Submitter
	if chainClient != nil {
		submitter = chainClient
	}
	meterCfg := meter.Config{
		Threshold:  cfg.CheckpointThresholdTokens,
		MaxRetries: cfg.CheckpointMaxRetries,
		Backoff:    cfg.CheckpointBackoff(),
	}
	meterReg := meter.New(submitter, meterCfg, log)

	keyStore := sessionkeys.New(cfg.IdleTimeout(), log)
	defer keyStore.Close()

	limiter := admission.New(admission.Config{RequestsPerMinute: cfg.RateLimitPerMinute})

	deps := sessionactor.Deps{
		Router:               rt,
		MeterRegistry:        meterReg,
		KeyStore:             keyStore,
		HostPrivKey:          hostPriv,
		HostAddrHex:          hostAddrHex,
		Log:                  log,
		RAGEnabled:           cfg.RAGEnabled,
		MaxVectorsPerSession: cfg.MaxVectorsPerSession,
		RequestTimeout:       cfg.RequestTimeout(),
	}
	// chainClient is a *chain.Client; assigning a nil *chain.Client to the
	// JobVerifier interface field directly would produce a non-nil
	// interface wrapping a nil pointer, so this is only set when non-nil.
	if chainClient != nil {
		deps.Chain = chainClient
	}

	wss := wsserver.New(func(sender sessionactor.Sender) *sessionactor.Session {
		return sessionactor.New(deps, sender)
	}, wsserver.Config{
		ReadTimeout:  cfg.IdleTimeout(),
		DrainTimeout: cfg.ShutdownTimeout(),
	}, log)

	checker := health.New(5*time.Second, 10*time.Second, log)
	checker.Register("model_registry", health.ModelRegistryCheck(modelReg))
	checker.Register("chain", health.ChainCheck(chainClient))

	mux := http.NewServeMux()
	mux.Handle("/ws", admittedHandler(limiter, wss.Handler()))
	mux.Handle("/healthz", health.LivenessHandler())
	mux.Handle("/readyz", health.ReadinessHandler(checker))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	errCh := make(chan error, 2)
	go func() {
		log.Info("serving", logger.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		log.Info("serving metrics", logger.String("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", logger.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error, shutting down", logger.Error(err))
	}

	shutdownTimeout := cfg.ShutdownTimeout()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	wss.Shutdown(shutdownTimeout)
	_ = httpSrv.Shutdown(ctx)
	_ = metricsSrv.Shutdown(ctx)

	log.Info("shutdown complete")
	return nil
}

func admittedHandler(limiter *admission.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := admission.Key(clientIP(r), r.Header.Get("Authorization"), nil)
		if retryAfter, err := limiter.Allow(key); err != nil {
			w.Header().Set("Retry-After", retryAfter.String())
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
