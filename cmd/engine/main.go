package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"crashengine/internal/config"
	"crashengine/internal/server"
)

func main() {
	cfg := config.Load()

	srv := server.New()
	srv.RegisterFiberRoutes()

	done := make(chan bool, 1)
	go gracefulShutdown(srv, done)

	log.Printf("[SERVER] Listening on :%s", cfg.Port)
	if err := srv.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("[SERVER] Listen failed: %v", err)
	}

	<-done
	log.Println("[SERVER] Graceful shutdown complete")
}

func gracefulShutdown(srv *server.FiberServer, done chan bool) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[SERVER] Shutdown signal received")
	if err := srv.Shutdown(); err != nil {
		log.Printf("[SERVER] Shutdown error: %v", err)
	}

	done <- true
}
