package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/cambix/exchange/internal/auth"
	"github.com/cambix/exchange/internal/config"
	"github.com/cambix/exchange/internal/errs"
	"github.com/cambix/exchange/internal/exchange"
	"github.com/cambix/exchange/internal/models"
	"github.com/cambix/exchange/internal/ranking"
)

type contextKey string

const accountIDKey contextKey = "account_id"

// Store is the read side the handlers consume directly; writes go
// through the engines.
type Store interface {
	GetAccount(ctx context.Context, id int) (*models.Account, error)
	ActiveOrdersByAccount(ctx context.Context, accountID int) ([]models.Order, error)
	OperationsByAccount(ctx context.Context, accountID int) ([]models.Operation, error)
	LastOperation(ctx context.Context) (*models.Operation, error)
	MarketMetrics(ctx context.Context) (count int, volume, avgRate float64, err error)
}

// Handler contains dependencies for HTTP handlers.
type Handler struct {
	Store       Store
	Engine      *exchange.Engine
	Ranking     *ranking.Service
	AuthService *auth.AuthService
	Cfg         *config.Config
	Log         *logrus.Logger
}

// NewHandler creates a new handler.
func NewHandler(store Store, engine *exchange.Engine, rank *ranking.Service, authService *auth.AuthService, cfg *config.Config, log *logrus.Logger) *Handler {
	return &Handler{
		Store:       store,
		Engine:      engine,
		Ranking:     rank,
		AuthService: authService,
		Cfg:         cfg,
		Log:         log,
	}
}

// writeError maps the business error taxonomy to HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var notFound *errs.NotFoundError
	var unauthorized *errs.UnauthorizedError

	status := http.StatusServiceUnavailable
	switch {
	case errs.IsValidation(err):
		status = http.StatusBadRequest
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &unauthorized):
		status = http.StatusForbidden
	default:
		h.Log.WithError(err).Error("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Register handles account registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errs.Validation("invalid request body"))
		return
	}

	account, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          account.ID,
		"username":    account.Username,
		"usd_balance": account.UsdBalance,
		"pen_balance": account.PenBalance,
	})
}

// Login handles account login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errs.Validation("invalid request body"))
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens and stores the account id in
// the request context.
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authorization header required"})
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		accountID, err := h.AuthService.GetAccountFromToken(tokenString)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
			return
		}

		ctx := context.WithValue(r.Context(), accountIDKey, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requesterID(r *http.Request) (int, bool) {
	id, ok := r.Context().Value(accountIDKey).(int)
	return id, ok
}

// requireAdmin loads the requester and checks the admin role.
func (h *Handler) requireAdmin(r *http.Request) (int, error) {
	id, ok := requesterID(r)
	if !ok {
		return 0, errs.Unauthorized("unauthorized")
	}
	account, err := h.Store.GetAccount(r.Context(), id)
	if err != nil {
		return 0, err
	}
	if account == nil || !account.IsAdmin() {
		return 0, errs.Unauthorized("admin access required")
	}
	return id, nil
}

// PlaceOrder handles order submission and matching.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requesterID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req struct {
		Side      string  `json:"side"`
		UsdAmount float64 `json:"usd_amount"`
		Rate      float64 `json:"rate"`
		Hidden    bool    `json:"hidden"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errs.Validation("invalid request body"))
		return
	}

	order, operations, err := h.Engine.Submit(r.Context(), exchange.SubmitRequest{
		AccountID: accountID,
		Side:      models.Side(req.Side),
		UsdAmount: req.UsdAmount,
		Rate:      req.Rate,
		Hidden:    req.Hidden,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"order":      order,
		"operations": operations,
	})
}

// CancelOrder cancels an active order.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requesterID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	orderID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, errs.Validation("invalid order id"))
		return
	}

	order, err := h.Engine.Cancel(r.Context(), orderID, accountID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

// GetUserOrders retrieves the requester's active orders split by side.
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requesterID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	orders, err := h.Store.ActiveOrdersByAccount(r.Context(), accountID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	buys := []models.Order{}
	sells := []models.Order{}
	for _, o := range orders {
		if o.Side == models.SideBuy {
			buys = append(buys, o)
		} else {
			sells = append(sells, o)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"buy_orders":  buys,
		"sell_orders": sells,
	})
}

// GetUserOperations retrieves the requester's executed operations.
func (h *Handler) GetUserOperations(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requesterID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	ops, err := h.Store.OperationsByAccount(r.Context(), accountID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if ops == nil {
		ops = []models.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

// GetBalance returns the requester's balances and profit.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requesterID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	account, err := h.Store.GetAccount(r.Context(), accountID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if account == nil {
		h.writeError(w, errs.NotFound("account"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"usd_balance":       account.UsdBalance,
		"pen_balance":       account.PenBalance,
		"profit_percentage": account.ProfitPercentage,
	})
}

// GetOrderBook returns the top of the visible book with best rates and
// the last executed operation.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	buys, sells := h.Engine.Snapshot(5)

	bestBuyRate := h.Cfg.ReferenceBuyRate
	if len(buys) > 0 {
		bestBuyRate = buys[0].Rate
	}
	bestSellRate := h.Cfg.ReferenceSellRate
	if len(sells) > 0 {
		bestSellRate = sells[0].Rate
	}

	last, err := h.Store.LastOperation(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := "closed"
	if h.Cfg.MarketOpen() {
		status = "open"
	}

	resp := map[string]any{
		"market_status":  status,
		"best_buy_rate":  bestBuyRate,
		"best_sell_rate": bestSellRate,
		"buy_orders":     buys,
		"sell_orders":    sells,
	}
	if last != nil {
		resp["last_operation"] = map[string]any{
			"usd_amount":  last.UsdAmount,
			"rate":        last.Rate,
			"executed_at": last.ExecutedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetMarketMetrics returns aggregate trading statistics.
func (h *Handler) GetMarketMetrics(w http.ResponseWriter, r *http.Request) {
	count, volume, avgRate, err := h.Store.MarketMetrics(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_operations": count,
		"total_volume":     fmt.Sprintf("%.2f", volume),
		"average_rate":     fmt.Sprintf("%.3f", avgRate),
	})
}

// GetRanking returns the current profit ranking.
func (h *Handler) GetRanking(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Ranking.Ranking(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if rows == nil {
		rows = []ranking.Row{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// RecalculateRanking recomputes the ranking on demand. Admin only.
func (h *Handler) RecalculateRanking(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requireAdmin(r); err != nil {
		h.writeError(w, err)
		return
	}
	rows, err := h.Ranking.Recalculate(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// ResetRanking restores initial balances and clears the ranking.
// Admin only.
func (h *Handler) ResetRanking(w http.ResponseWriter, r *http.Request) {
	adminID, ok := requesterID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if err := h.Ranking.Reset(r.Context(), adminID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "ranking reset"})
}

// SetMarketStatus opens or closes the market. Admin only.
func (h *Handler) SetMarketStatus(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requireAdmin(r); err != nil {
		h.writeError(w, err)
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errs.Validation("invalid request body"))
		return
	}
	if req.Status != "open" && req.Status != "closed" {
		h.writeError(w, errs.Validation("status must be 'open' or 'closed'"))
		return
	}

	h.Cfg.SetMarketOpen(req.Status == "open")
	h.Log.WithField("status", req.Status).Info("market status changed")
	writeJSON(w, http.StatusOK, map[string]string{"market_status": req.Status})
}
