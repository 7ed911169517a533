// Package httpapi exposes the raffle over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"

	app "github.com/R3E-Network/raffle/internal/app"
	domain "github.com/R3E-Network/raffle/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle/internal/app/events"
	"github.com/R3E-Network/raffle/internal/app/metrics"
	"github.com/R3E-Network/raffle/internal/app/services/bank"
	"github.com/R3E-Network/raffle/internal/app/services/raffle"
	"github.com/R3E-Network/raffle/internal/app/services/vrf"
	"github.com/R3E-Network/raffle/internal/config"
	"github.com/R3E-Network/raffle/internal/middleware"
	"github.com/R3E-Network/raffle/pkg/logger"
)

const maxBodyBytes = 1 << 20

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
	log *logger.Logger
	// playerAuth is set when entries are paid by the token holder.
	playerAuth bool
}

// Options tune the router. Zero values fall back to the application config.
type Options struct {
	RateLimiter *middleware.RateLimiter
}

// NewHandler returns a router exposing the raffle REST API, the event feeds
// and the metrics endpoint.
func NewHandler(application *app.Application, opts Options, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	cfg := application.Config()
	h := &handler{app: application, log: log, playerAuth: cfg.Auth.PlayerSecret != ""}

	limiter := opts.RateLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(cfg.Server.EnterRate, cfg.Server.EnterBurst, log.Named("ratelimit"))
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/raffle", h.summary).Methods(http.MethodGet)
	var enter http.Handler = http.HandlerFunc(h.enter)
	switch {
	case h.playerAuth:
		enter = middleware.NewPlayerAuth(cfg.Auth.PlayerSecret, log.Named("player-auth")).Handler(enter)
	case cfg.VRF.Local:
		log.Warn("auth.player_secret not set; entries are charged to the player named in the body")
	default:
		enter = http.HandlerFunc(h.enterDisabled)
	}
	r.Handle("/raffle/enter", limiter.Handler(enter)).Methods(http.MethodPost)
	r.HandleFunc("/raffle/players/{index:[0-9]+}", h.player).Methods(http.MethodGet)
	r.HandleFunc("/raffle/winner", h.winner).Methods(http.MethodGet)
	r.HandleFunc("/raffle/draws", h.draws).Methods(http.MethodGet)
	r.HandleFunc("/raffle/upkeep", h.checkUpkeep).Methods(http.MethodGet)
	r.HandleFunc("/raffle/upkeep", h.performUpkeep).Methods(http.MethodPost)
	r.HandleFunc("/raffle/reissue", h.reissue).Methods(http.MethodPost)
	if cfg.Auth.OracleSecret != "" {
		auth := middleware.NewOracleAuth(cfg.Auth.OracleSecret, log.Named("oracle-auth"))
		r.Handle("/raffle/fulfill", auth.Handler(http.HandlerFunc(h.fulfill))).Methods(http.MethodPost)
	} else {
		r.HandleFunc("/raffle/fulfill", h.fulfillDisabled).Methods(http.MethodPost)
	}

	r.HandleFunc("/vrf/requests", h.vrfRequests).Methods(http.MethodGet)
	r.HandleFunc("/balances/{address}", h.balance).Methods(http.MethodGet)
	if cfg.VRF.Local {
		// Local wiring has no chain to fund players from.
		r.HandleFunc("/balances/{address}/deposit", h.deposit).Methods(http.MethodPost)
	}

	r.HandleFunc("/events", h.recentEvents).Methods(http.MethodGet)
	r.Handle("/events/ws", application.Hub).Methods(http.MethodGet)

	var root http.Handler = r
	root = metrics.InstrumentHandler(root)
	root = middleware.CORS(cfg.Server.AllowedOrigins)(root)
	root = middleware.NewRequestLogger(log.Named("access")).Handler(root)
	return root
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pendingView struct {
	RequestID uint64 `json:"request_id"`
	IssuedAt  uint64 `json:"issued_at"`
}

type summaryView struct {
	ID              string       `json:"id"`
	Address         string       `json:"address"`
	Coordinator     string       `json:"coordinator"`
	EntranceFee     string       `json:"entrance_fee"`
	FeePolicy       string       `json:"fee_policy"`
	Interval        uint64       `json:"interval"`
	Round           uint64       `json:"round"`
	State           string       `json:"state"`
	Players         int          `json:"players"`
	Pool            string       `json:"pool"`
	LatestTimestamp uint64       `json:"latest_timestamp"`
	RecentWinner    string       `json:"recent_winner"`
	Pending         *pendingView `json:"pending_request,omitempty"`
}

func (h *handler) summary(w http.ResponseWriter, _ *http.Request) {
	svc := h.app.Raffle
	params := svc.Params()
	snap := svc.Snapshot()

	view := summaryView{
		ID:              params.ID,
		Address:         params.Address.Hex(),
		Coordinator:     params.Coordinator.Hex(),
		EntranceFee:     params.EntranceFee.Dec(),
		FeePolicy:       string(params.FeePolicy),
		Interval:        params.Interval,
		Round:           snap.Round.Number,
		State:           snap.Round.State.String(),
		Players:         len(snap.Round.Participants),
		Pool:            snap.Round.Pool.Dec(),
		LatestTimestamp: snap.Round.StartedAt,
		RecentWinner:    snap.RecentWinner.Hex(),
	}
	if snap.Pending != nil {
		view.Pending = &pendingView{RequestID: snap.Pending.RequestID, IssuedAt: snap.Pending.IssuedAt}
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) enter(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Player string `json:"player"`
		Amount string `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	player, status, err := h.payer(r, payload.Player)
	if err != nil {
		writeError(w, status, err)
		return
	}
	amount, err := config.ParseAmount(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.app.Raffle.Enter(r.Context(), player, amount); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"player":  player.Hex(),
		"amount":  amount.Dec(),
		"players": h.app.Raffle.NumberOfPlayers(),
	})
}

// payer resolves who is charged for an entry. With player tokens it is the
// token subject, and a body player naming anyone else is refused.
func (h *handler) payer(r *http.Request, named string) (common.Address, int, error) {
	if !h.playerAuth {
		addr, err := parseAddress(named)
		if err != nil {
			return common.Address{}, http.StatusBadRequest, err
		}
		return addr, 0, nil
	}
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		return common.Address{}, http.StatusUnauthorized, middleware.ErrInvalidToken
	}
	if strings.TrimSpace(named) == "" {
		return caller, 0, nil
	}
	addr, err := parseAddress(named)
	if err != nil {
		return common.Address{}, http.StatusBadRequest, err
	}
	if addr != caller {
		return common.Address{}, http.StatusForbidden, fmt.Errorf("token for %s cannot enter %s", caller.Hex(), addr.Hex())
	}
	return caller, 0, nil
}

func (h *handler) enterDisabled(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusServiceUnavailable, errors.New("player authentication is not configured"))
}

func (h *handler) player(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	addr, err := h.app.Raffle.Player(index)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": index, "player": addr.Hex()})
}

func (h *handler) winner(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"recent_winner": h.app.Raffle.RecentWinner().Hex()})
}

type drawView struct {
	ID          string    `json:"id"`
	RoundNumber uint64    `json:"round"`
	RequestID   uint64    `json:"request_id"`
	Winner      string    `json:"winner"`
	Amount      string    `json:"amount"`
	Players     int       `json:"players"`
	RandomWord  string    `json:"random_word"`
	DrawnAt     time.Time `json:"drawn_at"`
}

func (h *handler) draws(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	draws, err := h.app.Raffle.Draws(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]drawView, 0, len(draws))
	for _, d := range draws {
		out = append(out, drawView{
			ID:          d.ID,
			RoundNumber: d.RoundNumber,
			RequestID:   d.RequestID,
			Winner:      d.Winner.Hex(),
			Amount:      d.Amount.Dec(),
			Players:     d.Players,
			RandomWord:  d.RandomWord.Dec(),
			DrawnAt:     d.DrawnAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) checkUpkeep(w http.ResponseWriter, r *http.Request) {
	up := h.app.Raffle.CheckUpkeep(r.Context(), nil)
	writeJSON(w, http.StatusOK, upkeepView(up))
}

func upkeepView(up domain.Upkeep) map[string]any {
	return map[string]any{
		"upkeep_needed": up.Needed,
		"perform_data":  hexutil.Encode(up.PerformData),
		"balance":       up.Balance.Dec(),
		"players":       up.Players,
		"state":         up.State.String(),
	}
}

func (h *handler) performUpkeep(w http.ResponseWriter, r *http.Request) {
	id, err := h.app.Raffle.PerformUpkeep(r.Context(), nil)
	if err != nil {
		var notNeeded *raffle.UpkeepNotNeededError
		if errors.As(err, &notNeeded) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":   err.Error(),
				"balance": notNeeded.Balance.Dec(),
				"players": notNeeded.Players,
				"state":   notNeeded.State.String(),
			})
			return
		}
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]uint64{"request_id": id})
}

func (h *handler) reissue(w http.ResponseWriter, r *http.Request) {
	id, err := h.app.Raffle.ReissueRequest(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]uint64{"request_id": id})
}

func (h *handler) fulfill(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, middleware.ErrInvalidToken)
		return
	}
	var payload struct {
		RequestID   uint64   `json:"request_id"`
		RandomWords []string `json:"random_words"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	words := make([]*uint256.Int, 0, len(payload.RandomWords))
	for i, raw := range payload.RandomWords {
		word, err := config.ParseAmount(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("random_words[%d]: %w", i, err))
			return
		}
		words = append(words, word)
	}

	if err := h.app.Fulfil(r.Context(), caller, payload.RequestID, words); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"recent_winner": h.app.Raffle.RecentWinner().Hex(),
		"state":         h.app.Raffle.State().String(),
	})
}

func (h *handler) fulfillDisabled(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusServiceUnavailable, errors.New("oracle authentication is not configured"))
}

type requestView struct {
	ID               uint64    `json:"id"`
	SubID            uint64    `json:"sub_id"`
	Consumer         string    `json:"consumer"`
	KeyHash          string    `json:"key_hash"`
	Confirmations    uint16    `json:"confirmations"`
	CallbackGasLimit uint32    `json:"callback_gas_limit"`
	NumWords         uint32    `json:"num_words"`
	CreatedAt        time.Time `json:"created_at"`
	Alpha            string    `json:"alpha"`
	Proof            string    `json:"proof,omitempty"`
}

func (h *handler) vrfRequests(w http.ResponseWriter, _ *http.Request) {
	pending := h.app.PendingRequests()
	out := make([]requestView, 0, len(pending))
	for _, req := range pending {
		out = append(out, toRequestView(req))
	}
	writeJSON(w, http.StatusOK, out)
}

func toRequestView(req vrf.Request) requestView {
	view := requestView{
		ID:               req.ID,
		SubID:            req.SubID,
		Consumer:         req.Consumer.Hex(),
		KeyHash:          req.KeyHash.Hex(),
		Confirmations:    req.Confirmations,
		CallbackGasLimit: req.CallbackGasLimit,
		NumWords:         req.NumWords,
		CreatedAt:        req.CreatedAt.UTC(),
		Alpha:            hexutil.Encode(req.Alpha),
	}
	if len(req.Proof) > 0 {
		view.Proof = hexutil.Encode(req.Proof)
	}
	return view
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	bal, err := h.app.Bank.Balance(r.Context(), addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr.Hex(), "balance": bal.Dec()})
}

func (h *handler) deposit(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var payload struct {
		Amount string `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := config.ParseAmount(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	bal, err := h.app.Bank.Deposit(r.Context(), addr, amount)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr.Hex(), "balance": bal.Dec()})
}

func (h *handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kind := events.Kind(r.URL.Query().Get("kind"))
	list := h.app.Events.Recent(kind, limit)
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, list)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, raffle.ErrInsufficientFee),
		errors.Is(err, raffle.ErrIncorrectFee),
		errors.Is(err, raffle.ErrInvalidPlayer),
		errors.Is(err, raffle.ErrNoRandomWords),
		errors.Is(err, bank.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, raffle.ErrPaymentFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, raffle.ErrUnauthorizedFulfiller):
		return http.StatusForbidden
	case errors.Is(err, raffle.ErrUnknownRequest),
		errors.Is(err, vrf.ErrNonexistentRequest),
		errors.Is(err, raffle.ErrPlayerIndexOutOfBounds):
		return http.StatusNotFound
	case errors.Is(err, raffle.ErrNotOpen),
		errors.Is(err, raffle.ErrUpkeepNotNeeded),
		errors.Is(err, raffle.ErrNoPendingRequest),
		errors.Is(err, raffle.ErrRequestNotTimedOut):
		return http.StatusConflict
	case errors.Is(err, raffle.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func parseLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return limit, nil
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
