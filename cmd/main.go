package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"libchat/backend/internal/api/handler"
	"libchat/backend/internal/archive"
	"libchat/backend/internal/chatroom"
	"libchat/backend/internal/messagelog"
	"libchat/backend/internal/presence"
	"libchat/backend/internal/session"
	"libchat/backend/internal/store"
	"libchat/backend/internal/unread"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setupDependencies() (*gorm.DB, *redis.Client) {
	dsn := envOr("POSTGRES_DSN",
		"host=localhost user=user password=password dbname=libchatdb port=5432 sslmode=disable")

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect PostgreSQL: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     envOr("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})

	ctx := context.Background()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		log.Fatalf("Failed to connect Redis: %v", err)
	}

	log.Println("Database and Redis connections established.")
	return db, rdb
}

func main() {
	log.Println("Starting LibChat Backend...")

	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Error loading .env file")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is not set!")
	}

	// 1. Dependencies
	db, rdb := setupDependencies()

	rt := store.NewRedisStore(rdb, uuid.New().String())
	defer rt.Close()

	archiveSvc, err := archive.NewService(db)
	if err != nil {
		log.Fatalf("Failed to run archive migrations: %v", err)
	}

	// 2. Chat core services
	rooms := chatroom.NewManagerService(rt)
	rooms.SetArchive(archiveSvc)

	reconciler := unread.NewReconcilerService(rt)

	msgLog := messagelog.NewLogService(rt, reconciler)
	msgLog.SetArchive(archiveSvc)

	tracker := presence.NewTrackerService(rt)

	controller := session.NewController(rt, rooms, msgLog, tracker, reconciler)

	// 3. Background goroutines
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go store.RunDisconnectReaper(reaperCtx, rdb)

	// 4. Gin routing
	r := gin.Default()
	h := handler.NewHandler(controller, []byte(jwtSecret))

	r.POST("/token", h.GetToken)   // Identity token for local clients
	r.GET("/ws", h.ServeWebSocket) // WebSocket upgrade into a chat session

	server := &http.Server{
		Addr:           envOr("LISTEN_ADDR", ":8080"),
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	log.Fatal(server.ListenAndServe())
}
