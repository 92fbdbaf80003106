package server

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"crashengine/internal/cache"
	"crashengine/internal/config"
	"crashengine/internal/database"
	"crashengine/internal/engine"
	"crashengine/internal/repository"
)

type FiberServer struct {
	*fiber.App

	cfg    config.Config
	db     database.Service
	cache  cache.Service
	repo   *repository.Postgres
	engine *engine.Engine
	hub    *Hub
	loop   *engine.Loop
}

func New() *FiberServer {
	cfg := config.Load()

	db := database.New()
	cacheService := cache.New()

	var redisClient *redis.Client
	if cacheService != nil {
		redisClient = cacheService.GetClient()
	}

	repo := repository.New(db.Pool())
	hub := NewHub()
	history := engine.NewCachedHistory(engine.NewRepositoryHistory(repo), redisClient)

	defaults := engine.DefaultSettings()
	defaults.BettingWindowMs = cfg.BettingWindow.Milliseconds()
	defaults.FlightDurationMs = cfg.FlightDuration.Milliseconds()
	defaults.ResetDelayMs = cfg.ResetDelay.Milliseconds()
	defaults.HistorySize = cfg.HistorySize
	defaults.MinCrashMultiplier = cfg.MinCrash
	defaults.MaxCrashMultiplier = cfg.MaxCrash
	defaults.RTP = cfg.RTP
	defaults.MinBet = cfg.MinBet
	defaults.MaxBet = cfg.MaxBet

	gameEngine := engine.New(repo, history, hub, defaults)
	loop := engine.NewLoop(gameEngine, cfg.TickInterval)

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crashengine",
			AppName:       "crashengine",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		cfg:    cfg,
		db:     db,
		cache:  cacheService,
		repo:   repo,
		engine: gameEngine,
		hub:    hub,
		loop:   loop,
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	go hub.Run()
	loop.Start()

	log.Println("[SERVER] Engine loop started")

	return server
}

// Shutdown stops the tick loop before closing connections so no tick runs
// against a closed pool.
func (s *FiberServer) Shutdown() error {
	log.Println("[SERVER] Shutting down...")

	if s.loop != nil {
		s.loop.Stop()
	}

	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}

	return s.App.Shutdown()
}
