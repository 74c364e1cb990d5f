package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parkdog.im/internal/config"
	"parkdog.im/internal/logging"
	"parkdog.im/internal/stub"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "config file path")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	cfg.App.Name = "parkdog-stub"
	logger, closer, err := logging.New(cfg.App, os.Stdout)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer closer.Close()

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := stub.New(cfg.Stub, logger)
	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Error("Stub server failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("Stub server started",
		"addr", cfg.Stub.Addr,
		"webtransport_addr", cfg.Stub.WebTransportAddr,
		"suppress_ack", cfg.Stub.SuppressAck,
		"echo_temp_id", cfg.Stub.EchoTempID,
		"drop_sends", cfg.Stub.DropSends)
	for _, u := range stub.SeedUsers {
		logger.Info("Seed user", "user_id", u.ID, "name", u.Name, "session_token", u.SessionToken)
	}

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", "error", err)
	}
	logger.Info("Server stopped")
}
