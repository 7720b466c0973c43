package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"smartcopy/internal/config"
	"smartcopy/internal/executor"
	"smartcopy/internal/handler"
	"smartcopy/internal/mail"
	"smartcopy/internal/queue"
	"smartcopy/internal/refid"
	"smartcopy/internal/statusapi"
	"smartcopy/internal/supervisor"
	"smartcopy/internal/worker"
)

func main() {
	configPath := flag.String("config", "./smartcopy.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, err := queue.Open(cfg.QueueDBPath)
	if err != nil {
		log.Fatalf("queue: open %s: %v", cfg.QueueDBPath, err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("queue: migrate: %v", err)
	}

	refidCheckpoint := cfg.QueueDBPath + ".refid"
	ids, err := refid.Open(refidCheckpoint)
	if err != nil {
		log.Fatalf("refid: open %s: %v", refidCheckpoint, err)
	}

	refidAddr := fmt.Sprintf("%s:%d", cfg.MCS.MessageInHost, cfg.MCS.MessageRefPort)
	refidServer, err := refid.Listen(refidAddr, ids)
	if err != nil {
		log.Fatalf("refid: listen %s: %v", refidAddr, err)
	}
	defer refidServer.Close()
	go func() {
		if err := refidServer.Serve(); err != nil {
			log.Printf("refid: serve: %v", err)
		}
	}()
	log.Printf("reference-id service listening on %s", refidServer.Addr())

	mailer := mail.New(cfg.Email)
	sup := supervisor.New(cfg, store, ids, mailer)

	workerDeps := func(recorder string) worker.Deps {
		return worker.Deps{
			Runner:      executor.ExecRunner{},
			ProbeRunner: executor.ExecProbeRunner{},
		}
	}

	if err := sup.Initialize(ctx, workerDeps); err != nil {
		log.Fatalf("supervisor: initialize: %v", err)
	}
	if err := sup.Resume("ALL"); err != nil {
		log.Fatalf("supervisor: resume: %v", err)
	}
	log.Printf("smartcopy: NORMAL, recorders=%v", sup.Recorders())

	mcsAddr := fmt.Sprintf("%s:%d", cfg.MCS.MessageInHost, cfg.MCS.MessageInPort)
	h, err := handler.Listen(mcsAddr, "SCP", sup, workerDeps)
	if err != nil {
		log.Fatalf("handler: listen %s: %v", mcsAddr, err)
	}
	defer h.Close()
	go func() {
		if err := h.Serve(ctx); err != nil {
			log.Printf("handler: serve: %v", err)
		}
	}()
	log.Printf("request handler listening on %s", mcsAddr)

	var statusSrv *http.Server
	if cfg.StatusAPI.ListenAddr != "" {
		statusHandler := statusapi.New(statusapi.Config{
			ListenAddr:   cfg.StatusAPI.ListenAddr,
			PasswordHash: cfg.StatusAPI.PasswordHash,
		}, sup)
		ln, err := net.Listen("tcp", cfg.StatusAPI.ListenAddr)
		if err != nil {
			log.Fatalf("statusapi: listen %s: %v", cfg.StatusAPI.ListenAddr, err)
		}
		statusSrv = &http.Server{
			Handler:           statusHandler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := statusSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Printf("statusapi: serve: %v", err)
			}
		}()
		log.Printf("status API listening on %s", cfg.StatusAPI.ListenAddr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("smartcopy: shutting down...")

	if statusSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = statusSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	if err := sup.Shutdown(); err != nil {
		log.Printf("supervisor: shutdown: %v", err)
	}
	cancel()
}
