package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/SalesyAI/cvbanai-sub000/internal/client"
	"github.com/SalesyAI/cvbanai-sub000/internal/config"
	"github.com/SalesyAI/cvbanai-sub000/internal/logger"
	"github.com/SalesyAI/cvbanai-sub000/internal/notification"
	"github.com/SalesyAI/cvbanai-sub000/internal/repository"
	"github.com/SalesyAI/cvbanai-sub000/internal/server"
	"github.com/SalesyAI/cvbanai-sub000/internal/service"
)

func main() {
	// load .env into os.Environ
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found (ok in prod)")
	}

	cfg := &config.Config{}
	if err := env.Parse(cfg); err != nil {
		fmt.Printf("Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	slogger := logger.New(cfg)

	db := client.InitSqliteClient(cfg.SQLitePath)
	bkashClient := client.NewBkashClient(&cfg.Bkash)

	productRepo := repository.NewProductRepository(db)
	purchaseRepo := repository.NewPurchaseRepository(db)

	if err := productRepo.Seed(context.Background()); err != nil {
		log.Fatal("seed product catalog:", err)
	}

	sinks := notification.Multi{notification.NewLogSink(slogger)}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notification.NewWebhookSink(cfg.Notify.WebhookURL))
	}

	paymentService := service.NewPaymentService(
		bkashClient, cfg.BaseURL,
		productRepo,
		purchaseRepo,
		sinks,
		slogger,
	)

	serverAddr := cfg.HTTP.Host + ":" + cfg.HTTP.Port

	// Init HTTP server
	srv := server.NewServer(paymentService, cfg.FrontendURL)

	log.Println("Starting HTTP server on", serverAddr)
	go func() {
		if err := srv.Start(serverAddr); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	<-sigChan
	log.Println("Signal received, starting graceful shutdown...")

	_, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(); err != nil {
		log.Fatal("HTTP server shutdown error")
	}
}
