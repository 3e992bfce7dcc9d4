package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"atomic-ledger/internal/config"
	"atomic-ledger/internal/domain"
	"atomic-ledger/internal/events/kafka"
	"atomic-ledger/internal/handler"
	"atomic-ledger/internal/lock"
	"atomic-ledger/internal/repository"
	"atomic-ledger/internal/repository/memory"
	"atomic-ledger/internal/service"
	"atomic-ledger/migrations"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
)

// Server represents the HTTP server
type Server struct {
	router    *mux.Router
	server    *http.Server
	db        *sql.DB
	publisher *kafka.Publisher
	locks     *lock.Coordinator
	logger    *slog.Logger
	port      string
}

// NewServer builds the store selected by cfg and wires the services and routes on top of it.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{logger: logger}

	store, err := s.openStore(cfg)
	if err != nil {
		return nil, err
	}

	var opts []service.Option
	if cfg.LockTimeout > 0 {
		opts = append(opts, service.WithLockTimeout(cfg.LockTimeout))
	}
	if len(cfg.KafkaBrokers) > 0 {
		s.publisher = kafka.NewPublisher(cfg.KafkaBrokers, logger)
		opts = append(opts, service.WithPublisher(topicPublisher{
			publisher: s.publisher,
			topics:    map[string]string{domain.TopicTransferCompleted: cfg.KafkaTopic},
		}))
		logger.Info("Publishing transfer events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	s.locks = lock.NewCoordinator(logger)

	// Initialize services
	accountService := service.NewAccountService(store, logger)
	transferService := service.NewTransferService(store, s.locks, logger, opts...)

	// Initialize handlers
	accountHandler := handler.NewAccountHandler(accountService)
	transferHandler := handler.NewTransferHandler(transferService)

	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger))

	// Account routes
	router.HandleFunc("/accounts", accountHandler.CreateAccount).Methods("POST")
	router.HandleFunc("/accounts", accountHandler.ListAccounts).Methods("GET")
	router.HandleFunc("/accounts/{account_id}", accountHandler.GetAccount).Methods("GET")

	// Transfer routes
	router.HandleFunc("/transfers", transferHandler.Transfer).Methods("POST")
	router.HandleFunc("/transfers", transferHandler.ListTransfers).Methods("GET")
	router.HandleFunc("/transfers/{transfer_id}", transferHandler.GetTransfer).Methods("GET")

	router.HandleFunc("/health", s.health).Methods("GET")

	s.router = router
	return s, nil
}

func (s *Server) openStore(cfg *config.Config) (domain.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		s.logger.Info("Using in-memory store")
		return memory.NewStore(s.logger), nil
	case config.StoreDriverPostgres:
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	db, err := sql.Open("postgres", cfg.GetDBConnectionString())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("Successfully connected to database")

	if cfg.RunMigrations {
		if err := repository.RunMigrations(ctx, db, migrations.FS, s.logger); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	s.db = db
	return repository.NewStore(db, s.logger), nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "database unavailable"})
			return
		}
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     "healthy",
		"held_locks": s.locks.Held(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// topicPublisher renames domain topics to the broker topics set in config.
// Topics without an override pass through unchanged.
type topicPublisher struct {
	publisher domain.EventPublisher
	topics    map[string]string
}

func (p topicPublisher) Publish(ctx context.Context, topic string, event any) error {
	if override := p.topics[topic]; override != "" {
		topic = override
	}
	return p.publisher.Publish(ctx, topic, event)
}

// loggingMiddleware adds request logging
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Create response wrapper to capture status code
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", time.Since(start),
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start listens on port and serves in the background. It returns the bound
// port, which differs from port when port is "0".
func (s *Server) Start(port string) (string, error) {
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return "", err
	}

	addr := listener.Addr().(*net.TCPAddr)
	s.port = strconv.Itoa(addr.Port)

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting server", "port", s.port)

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server failed", "error", err)
		}
	}()

	return s.port, nil
}

// Stop drains in-flight requests, then closes the event publisher and the
// database.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	var shutdownErr error
	if s.server != nil {
		shutdownErr = s.server.Shutdown(ctx)
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("Failed to close event publisher", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Failed to close database", "error", err)
		}
	}
	return shutdownErr
}

// GetPort returns the port the server is listening on
func (s *Server) GetPort() string {
	return s.port
}

// GetBaseURL returns the base URL for the server
func (s *Server) GetBaseURL() string {
	return "http://localhost:" + s.port
}

// GetRouter returns the router for testing purposes
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// StartServer starts the server with the given configuration
func StartServer(cfg *config.Config) (*Server, string, error) {
	var logger *slog.Logger
	if cfg.ServerPort == "0" {
		// Test environment - use discard logger
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		return nil, "", err
	}

	port, err := server.Start(cfg.ServerPort)
	if err != nil {
		server.Stop(context.Background())
		return nil, "", err
	}

	return server, port, nil
}
