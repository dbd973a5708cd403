package main

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"

	"github.com/coderelay/server/internal/auth"
	"github.com/coderelay/server/internal/config"
	"github.com/coderelay/server/internal/database"
	"github.com/coderelay/server/internal/eventlog"
	"github.com/coderelay/server/internal/machine"
	"github.com/coderelay/server/internal/registry"
	"github.com/coderelay/server/internal/relay"
	"github.com/coderelay/server/internal/session"
	"github.com/coderelay/server/internal/user"
)

func main() {
	cfg := config.Load()

	// Database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("server: %v", err)
	}
	if err := database.AutoMigrate(db,
		&user.User{},
		&auth.RefreshToken{},
		&machine.Machine{},
		&session.Session{},
		&eventlog.Event{},
	); err != nil {
		log.Fatalf("server: %v", err)
	}
	auth.PurgeExpiredTokens(db)

	// Repositories
	userRepo := user.NewRepository(db)
	machineRepo := machine.NewRepository(db)
	sessionRepo := session.NewRepository(db)

	// Relay core
	reg := registry.New(cfg.AuthDisabled)
	events := eventlog.NewGormStore(db)
	rel := relay.New(reg, events, sessionRepo, cfg.RPCTimeout)

	// Presence rows and session metadata follow the live registry.
	reg.OnStatus(func(ev registry.StatusEvent) {
		var err error
		if ev.Connected {
			err = machineRepo.MarkOnline(ev.MachineID, ev.UserID, ev.Hostname, ev.Version)
		} else {
			err = machineRepo.MarkOffline(ev.MachineID)
		}
		if err != nil {
			log.Printf("server: machine presence %s: %v", ev.MachineID, err)
		}
	})
	reg.OnSessionsChanged(func(ev registry.SessionsChangedEvent) {
		for _, s := range append(ev.Delta.Added, ev.Delta.Updated...) {
			if err := sessionRepo.Upsert(ev.UserID, ev.MachineID, s); err != nil {
				log.Printf("server: mirror session %s: %v", s.SessionID, err)
			}
		}
	})

	validate := func(token string) (*uuid.UUID, error) {
		return auth.ValidateMachineToken(token, cfg.JWTSecret)
	}
	relayHandler := relay.NewHandler(rel, machineRepo, validate)

	// Handlers
	authHandler := auth.NewHandler(userRepo, db, cfg.JWTSecret)
	userHandler := user.NewHandler(userRepo)
	machineHandler := machine.NewHandler(machineRepo, reg, rel, func(userID uuid.UUID) (string, error) {
		return auth.IssueMachineToken(userID, cfg.JWTSecret)
	})
	sessionHandler := session.NewHandler(sessionRepo, rel)

	// Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	// Public routes
	api := app.Group("/api")
	authGroup := api.Group("/auth")
	authGroup.Post("/register", authHandler.Register)
	authGroup.Post("/login", authHandler.Login)
	authGroup.Post("/refresh", authHandler.Refresh)
	authGroup.Post("/logout", authHandler.Logout)

	// Google OAuth (only if configured)
	if cfg.GoogleClientID != "" {
		googleHandler := auth.NewGoogleHandler(
			cfg.GoogleClientID, cfg.GoogleSecret, cfg.GoogleRedirect,
			userRepo, db, cfg.JWTSecret,
		)
		authGroup.Get("/google", googleHandler.RedirectToGoogle)
		authGroup.Get("/google/callback", googleHandler.Callback)
		authGroup.Get("/google/complete", googleHandler.Complete)
	}

	// Worker WebSocket (registered before JWT header middleware)
	api.Use("/machines/ws", relayHandler.UpgradeMiddleware())
	api.Get("/machines/ws", relayHandler.WSHandler())

	// Protected routes
	var guard fiber.Handler
	if cfg.AuthDisabled {
		log.Printf("server: auth disabled, running in open mode")
		guard = auth.OpenModeMiddleware()
	} else {
		guard = auth.JWTMiddleware(cfg.JWTSecret)
	}
	protected := api.Group("", guard)
	protected.Get("/me", userHandler.GetMe)

	machines := protected.Group("/machines")
	machines.Get("/", machineHandler.List)
	machines.Post("/token", machineHandler.IssueToken)
	machines.Get("/:id/discover", machineHandler.Discover)
	machines.Delete("/:id", machineHandler.Delete)

	sessions := protected.Group("/sessions")
	sessions.Get("/", sessionHandler.List)
	sessions.Post("/", sessionHandler.Create)
	sessions.Post("/archive", sessionHandler.BulkArchive)
	sessions.Get("/:id", sessionHandler.Get)
	sessions.Delete("/:id", sessionHandler.Delete)
	sessions.Post("/:id/cancel", sessionHandler.Cancel)
	sessions.Post("/:id/archive", sessionHandler.Archive)
	sessions.Put("/:id/mode", sessionHandler.SetMode)
	sessions.Put("/:id/model", sessionHandler.SetModel)
	sessions.Post("/:id/message", sessionHandler.SendMessage)
	sessions.Post("/:id/permissions/:requestId", sessionHandler.ResolvePermission)
	sessions.Get("/:id/events", sessionHandler.Events)
	sessions.Get("/:id/fs", sessionHandler.FSList)
	sessions.Get("/:id/fs/read", sessionHandler.FSRead)
	sessions.Get("/:id/git/status", sessionHandler.GitStatus)
	sessions.Get("/:id/git/diff", sessionHandler.GitDiff)
	sessions.Post("/:id/load", sessionHandler.Load)
	sessions.Post("/:id/reload", sessionHandler.Reload)

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	log.Printf("Server starting on :%s", cfg.Port)
	log.Fatal(app.Listen(":" + cfg.Port))
}
