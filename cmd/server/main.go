package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/cambix/exchange/internal/api"
	"github.com/cambix/exchange/internal/auth"
	"github.com/cambix/exchange/internal/config"
	"github.com/cambix/exchange/internal/db"
	"github.com/cambix/exchange/internal/events"
	"github.com/cambix/exchange/internal/exchange"
	"github.com/cambix/exchange/internal/ranking"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in development
	},
}

type WSClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// wsHub fans event-bus traffic out to connected websocket clients.
type wsHub struct {
	log       *logrus.Logger
	clientsMu sync.RWMutex
	clients   map[*WSClient]bool
}

func newWSHub(log *logrus.Logger) *wsHub {
	return &wsHub{log: log, clients: make(map[*WSClient]bool)}
}

// subscribeAll forwards every engine event to the websocket clients.
func (h *wsHub) subscribeAll(bus *events.Bus) {
	names := []string{
		events.OrderCreated, events.OrderCancelled, events.OperationExecuted,
		events.BalanceUpdated, events.RankingUpdated, events.RankingReset,
	}
	for _, name := range names {
		bus.Subscribe(name, h.broadcast)
	}
}

func (h *wsHub) broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal event")
		return
	}

	h.clientsMu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.RUnlock()

	for _, client := range clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			h.clientsMu.Lock()
			delete(h.clients, client)
			h.clientsMu.Unlock()
		}
	}
}

func (h *wsHub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Error("failed to upgrade connection")
		return
	}

	client := &WSClient{conn: conn}
	h.clientsMu.Lock()
	h.clients[client] = true
	h.clientsMu.Unlock()

	// Keep connection alive and handle disconnection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.clientsMu.Lock()
			delete(h.clients, client)
			h.clientsMu.Unlock()
			break
		}
	}
}

// Main entry point: wires config, database, engines and HTTP server.
func main() {
	ctx := context.Background()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)

	cfg := config.Load()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer database.Close()

	bus := events.NewBus(log)

	engine := exchange.NewEngine(database, cfg, bus, log)
	if err := engine.LoadOpenOrders(ctx); err != nil {
		log.WithError(err).Fatal("failed to load open orders")
	}

	rankingService := ranking.NewService(database, cfg, bus, log, engine.Locker())
	rankingService.RecalculateOnTrades(bus)
	authService := auth.NewAuthService(database, cfg)
	handler := api.NewHandler(database, engine, rankingService, authService, cfg, log)

	hub := newWSHub(log)
	hub.subscribeAll(bus)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// WebSocket endpoint
	r.Get("/ws", hub.handleWebSocket)

	// Public endpoints
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Get("/market/orderbook", handler.GetOrderBook)
	r.Get("/market/metrics", handler.GetMarketMetrics)
	r.Get("/ranking", handler.GetRanking)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetUserOrders)
		r.Delete("/orders/{id}", handler.CancelOrder)
		r.Get("/operations", handler.GetUserOperations)
		r.Get("/balance", handler.GetBalance)
		r.Post("/ranking/recalculate", handler.RecalculateRanking)
		r.Post("/ranking/reset", handler.ResetRanking)
		r.Put("/market/status", handler.SetMarketStatus)
	})

	// Periodic ranking recalculation
	go func() {
		ticker := time.NewTicker(time.Minute)
		for range ticker.C {
			if _, err := rankingService.Recalculate(ctx); err != nil {
				log.WithError(err).Error("periodic ranking recalculation failed")
			}
		}
	}()

	log.WithField("addr", cfg.ListenAddr).Info("starting server")
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}
