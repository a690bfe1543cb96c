package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/example/termbridge/internal/config"
	"github.com/example/termbridge/internal/httpapi"
	"github.com/example/termbridge/internal/logging"
	"github.com/example/termbridge/internal/sesslog"
	"github.com/example/termbridge/internal/ws"
)

type connInfo struct {
	Port  int    `json:"port"`
	Token string `json:"token"`
	WSURL string `json:"wsUrl"`
}

func randToken() string {
	b := make([]byte, 24) // 192 bits
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func main() {
	addr := flag.String("http", "127.0.0.1:0", "HTTP listen address (loopback only)")
	token := flag.String("token", "", "Bearer token for clients (random when empty)")
	cfgPath := flag.String("config", "", "Optional JSON config file, reloaded on change")
	printConn := flag.Bool("print-conn-json", true, "Print connection JSON to stdout on start")
	flag.Parse()

	cfg := config.LoadOrDefault()
	if *cfgPath != "" {
		if err := config.ApplyFile(cfg, *cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}
	// Explicit flags win over environment and file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.HTTP.Addr = *addr
		case "token":
			cfg.HTTP.Token = *token
		}
	})

	lg := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	logging.SetDefault(lg)
	defer func() { _ = lg.Sync() }()

	if cfg.HTTP.Token == "" {
		cfg.HTTP.Token = randToken()
	}

	historyPath := cfg.Session.HistoryPath
	if historyPath == "" {
		historyPath = sesslog.DefaultPath()
	}
	history, err := sesslog.Open(historyPath, cfg.Session.HistoryLimit)
	if err != nil {
		lg.Warn("session log unavailable", zap.String("path", historyPath), zap.Error(err))
	}

	mux := http.NewServeMux()
	wss := ws.NewServer(cfg.HTTP.Token, lg)
	router := ws.NewRouter(cfg.Session, history, lg)
	router.Attach(wss)
	mux.HandleFunc("/ws", wss.HandleWS)
	httpapi.Mount(mux, cfg.HTTP.Token, router, history)

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		lg.Fatal("listen failed", zap.String("addr", cfg.HTTP.Addr), zap.Error(err))
	}
	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(ln) }()

	port := ln.Addr().(*net.TCPAddr).Port
	lg.Info("listening", zap.Int("port", port))
	if *printConn {
		info := connInfo{
			Port:  port,
			Token: cfg.HTTP.Token,
			WSURL: fmt.Sprintf("ws://127.0.0.1:%d/ws", port),
		}
		enc := json.NewEncoder(os.Stdout)
		_ = enc.Encode(info)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *cfgPath != "" {
		go func() {
			err := config.Watch(ctx, *cfgPath, func() {
				next := config.LoadOrDefault()
				if err := config.ApplyFile(next, *cfgPath); err != nil {
					lg.Warn("config reload failed", zap.Error(err))
					return
				}
				lg.SetLevel(next.Log.Level)
				lg.Info("config reloaded", zap.String("level", next.Log.Level))
			})
			if err != nil {
				lg.Warn("config watch stopped", zap.Error(err))
			}
		}()
	}

	// wait for signal
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	lg.Info("shutting down")
	router.Shutdown()
	_ = srv.Close()
}
