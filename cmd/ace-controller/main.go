// Command ace-controller runs the Access Control Engine: the HTTP façade,
// the reconciliation loop, and everything in between, wired from a single
// YAML config file.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"ace-controller/internal/audit"
	"ace-controller/internal/binding"
	"ace-controller/internal/config"
	"ace-controller/internal/control"
	"ace-controller/internal/enforcer"
	"ace-controller/internal/httpapi"
	"ace-controller/internal/ledger"
	"ace-controller/internal/reconcile"
	"ace-controller/internal/security"
	"ace-controller/internal/session"
	"ace-controller/internal/store"
)

func main() {
	configPath := flag.String("config", "config/controller.yaml", "path to controller config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	aud := audit.New(cfg.Audit.Enabled, cfg.Audit.SecretRef, cfg.Audit.BufferSize)
	go aud.Run()
	defer aud.Close()

	redisPassword := ""
	if cfg.Redis.AuthRef != "" {
		redisPassword, err = config.ResolveSecret(cfg.Redis.AuthRef)
		if err != nil {
			log.Fatalf("redis auth resolve failed: %v", err)
		}
	}
	st := store.New(cfg, redisPassword)

	ks, err := security.LoadPortalHMACKeySet()
	if err != nil {
		log.Fatalf("portal hmac key load failed: %v", err)
	}
	security.InitPortalHMAC(ks)

	verifier := security.NewJWTVerifier([]byte(cfg.Controller.JWTSecretRef))
	issuer := security.NewJWTIssuer([]byte(cfg.Controller.JWTSecretRef), cfg.Controller.JWTTTL)

	enf, err := enforcer.Build(enforcer.BuildConfig{
		Mode: enforcer.Mode(cfg.Enforcer.Mode),
		Active: enforcer.ActiveConfig{
			IPTablesBin:  cfg.Enforcer.IPTablesBin,
			EBTablesBin:  cfg.Enforcer.EBTablesBin,
			ArpTablesBin: cfg.Enforcer.ArpTablesBin,
			ClientIF:     cfg.Network.ClientIF,
			UpstreamIF:   cfg.Network.UpstreamIF,
			DryRun:       cfg.Enforcer.DryRun,
		},
	})
	if err != nil {
		log.Fatalf("enforcer build failed: %v", err)
	}

	bindings := binding.New(st, aud, cfg.Session.RapidRebindThreshold)
	ldg := ledger.New(st)
	netParams := enforcer.NetworkParams{
		PortalIP:             cfg.Network.PortalIP,
		PortalPort:           cfg.Network.PortalPort,
		GatewayIP:            cfg.Network.GatewayIP,
		GatewayMAC:           cfg.Network.GatewayMAC,
		IncludeHTTPSRedirect: cfg.Network.IncludeHTTPSRedirect,
	}
	mgr := session.New(st, bindings, ldg, enf, aud, session.Config{
		Net:              netParams,
		CallTimeout:      cfg.Enforcer.CallTimeout,
		MaxDuration:      time.Duration(cfg.Session.MaxDurationSec) * time.Second,
		MaxDevicesPerMAC: cfg.Session.MaxDevicesPerMAC,
	})

	loop := reconcile.New(st, bindings, ldg, enf, mgr, aud, reconcile.Config{
		Cadence:     cfg.Reconcile.Cadence,
		GracePeriod: time.Duration(cfg.Reconcile.GracePeriodSec) * time.Second,
		MaxRetries:  cfg.Reconcile.FailedRetryBudget,
	})

	api := control.New(cfg, st, bindings, mgr, enf, loop)
	srv := httpapi.New(cfg, api, st, aud, verifier, issuer)

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	bindPort := cfg.Controller.Bind.Port
	if bindPort == 0 {
		bindPort = 8080
	}
	addr := cfg.Controller.Bind.Host + ":" + strconv.Itoa(bindPort)
	httpServer := &http.Server{Addr: addr, Handler: srv.Router()}

	go func() {
		log.Printf("ace-controller listening on %s (mode=%s)", addr, cfg.Enforcer.Mode)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Print("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
}
