// Package api provides the HTTP handlers for accounts, odds, bets, picks
// and settlement. Handlers decode the request, call one service operation
// and encode its result; error classification lives in apperr.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/thecompound/ledger-engine/internal/apperr"
	"github.com/thecompound/ledger-engine/internal/events"
	"github.com/thecompound/ledger-engine/internal/ledger"
	"github.com/thecompound/ledger-engine/internal/picks"
	"github.com/thecompound/ledger-engine/internal/settlement"
	"github.com/thecompound/ledger-engine/internal/wager"
)

// Handler wires the services to HTTP.
type Handler struct {
	ledger     *ledger.Service
	wager      *wager.Manager
	settlement *settlement.Engine
	picks      *picks.Service
	events     events.Publisher
	hub        *events.WSHub // optional live feed
}

// NewHandler creates the HTTP handler set. pub and hub may be nil.
func NewHandler(l *ledger.Service, w *wager.Manager, e *settlement.Engine, p *picks.Service, pub events.Publisher, hub *events.WSHub) *Handler {
	return &Handler{ledger: l, wager: w, settlement: e, picks: p, events: pub, hub: hub}
}

// Mount registers every route on r.
func (h *Handler) Mount(r chi.Router) {
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	// Accounts and ledger.
	r.Post("/accounts", h.OpenAccount)
	r.Get("/accounts/{userID}", h.GetBalance)
	r.Get("/accounts/{userID}/stats", h.GetStats)
	r.Get("/accounts/{userID}/ledger", h.GetHistory)
	r.Get("/leaderboard", h.GetLeaderboard)

	// Wagering.
	r.Get("/episodes/{episodeID}/odds", h.GetOdds)
	r.Post("/bets/place", h.PlaceBet)
	r.Get("/bets", h.ListBets)

	// Settlement.
	r.Post("/bets/resolve", h.ResolveBets)
	r.Post("/episodes/{episodeID}/process-rewards", h.ProcessRewards)

	// Picks.
	r.Post("/picks", h.CreatePick)
	r.Post("/picks/switch", h.SwitchPick)
	r.Get("/picks", h.ListPicks)
}

// --- Request types ---

// OpenAccountRequest is the JSON body for POST /accounts.
type OpenAccountRequest struct {
	UserID   string `json:"user_id"` // optional; generated when empty
	Username string `json:"username"`
}

// ResolveBetsRequest is the JSON body for POST /bets/resolve.
type ResolveBetsRequest struct {
	EpisodeID string `json:"episode_id"`
	TaskID    string `json:"task_id,omitempty"`
}

// --- Accounts and ledger ---

// OpenAccount handles POST /accounts
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if !decode(w, r, &req) {
		return
	}

	a, err := h.ledger.OpenAccount(r.Context(), req.UserID, req.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("account opened", "user", a.ID, "username", a.Username, "balance", a.Balance)
	balance := a.Balance
	events.Emit(r.Context(), h.events, events.Event{
		Type:    events.AccountOpened,
		UserID:  a.ID,
		Balance: &balance,
	})
	writeJSON(w, http.StatusCreated, a)
}

// GetBalance handles GET /accounts/{userID}
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	a, err := h.ledger.GetBalance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetStats handles GET /accounts/{userID}/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.ledger.UserStats(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetHistory handles GET /accounts/{userID}/ledger
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.History(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetLeaderboard handles GET /leaderboard?seasonId=&limit=
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	rows, err := h.ledger.Leaderboard(r.Context(), q.Get("seasonId"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// --- Wagering ---

// GetOdds handles GET /episodes/{episodeID}/odds
func (h *Handler) GetOdds(w http.ResponseWriter, r *http.Request) {
	board, err := h.wager.QuoteOdds(r.Context(), chi.URLParam(r, "episodeID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

// PlaceBet handles POST /bets/place
func (h *Handler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req wager.PlaceBetRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.wager.PlaceBet(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListBets handles GET /bets?userId=&episodeId=&status=
func (h *Handler) ListBets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bets, err := h.wager.ListBets(r.Context(), q.Get("userId"), q.Get("episodeId"), q.Get("status"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bets)
}

// --- Settlement ---

// ResolveBets handles POST /bets/resolve
func (h *Handler) ResolveBets(w http.ResponseWriter, r *http.Request) {
	var req ResolveBetsRequest
	if !decode(w, r, &req) {
		return
	}

	summary, err := h.settlement.ResolveBets(r.Context(), req.EpisodeID, req.TaskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ProcessRewards handles POST /episodes/{episodeID}/process-rewards
func (h *Handler) ProcessRewards(w http.ResponseWriter, r *http.Request) {
	summary, err := h.settlement.ProcessEpisodeRewards(r.Context(), chi.URLParam(r, "episodeID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- Picks ---

// CreatePick handles POST /picks
func (h *Handler) CreatePick(w http.ResponseWriter, r *http.Request) {
	var req picks.CreatePickRequest
	if !decode(w, r, &req) {
		return
	}

	p, err := h.picks.CreatePick(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// SwitchPick handles POST /picks/switch
func (h *Handler) SwitchPick(w http.ResponseWriter, r *http.Request) {
	var req picks.SwitchPickRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.picks.SwitchPick(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListPicks handles GET /picks?userId=&seasonId=
func (h *Handler) ListPicks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.picks.ListPicks(r.Context(), q.Get("userId"), q.Get("seasonId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, apperr.Validation("invalid_request", "invalid request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError maps err to a status and writes it. Internal causes are
// logged, never returned to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.As(err)
	if ae.Kind == apperr.KindInternal {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"code", ae.Code,
			"err", ae.Err,
		)
	}
	writeJSON(w, apperr.Status(ae.Kind), errorBody{Error: ae.Message, Code: ae.Code})
}
