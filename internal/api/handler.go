package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/nassifmd/akuafopay/internal/confirm"
	"github.com/nassifmd/akuafopay/internal/domain"
	"github.com/nassifmd/akuafopay/internal/history"
	"github.com/nassifmd/akuafopay/internal/orders"
)

// Registry is the live-machine surface the handler drives.
type Registry interface {
	GetOrCreate(orderID string) (*confirm.Machine, error)
	Get(orderID string) (*confirm.Machine, bool)
	Remove(orderID string) bool
}

// OrderReader serves snapshots for orders whose machine already left the
// registry. Backed by the Redis order store.
type OrderReader interface {
	Get(ctx context.Context, orderID string) (orders.Record, error)
}

// HistoryReader is the last-resort snapshot source, backed by Postgres.
type HistoryReader interface {
	LatestAttemptForOrder(ctx context.Context, orderID string) (history.Attempt, error)
}

// Pinger probes one dependency for the verbose /health response.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	registry Registry
	orders   OrderReader   // optional
	history  HistoryReader // optional
	probes   []probe
}

type probe struct {
	name   string
	pinger Pinger
}

func NewHandler(registry Registry) *Handler {
	return &Handler{registry: registry}
}

// WithOrderReader sets the Redis fallback for GET snapshots.
func (h *Handler) WithOrderReader(r OrderReader) *Handler {
	h.orders = r
	return h
}

// WithHistoryReader sets the Postgres fallback for GET snapshots.
func (h *Handler) WithHistoryReader(r HistoryReader) *Handler {
	h.history = r
	return h
}

// WithProbe registers a dependency probe for verbose /health responses.
func (h *Handler) WithProbe(name string, p Pinger) *Handler {
	h.probes = append(h.probes, probe{name: name, pinger: p})
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/confirmations" && r.Method == http.MethodPost:
		h.initiate(w, r)

	case strings.HasSuffix(path, "/check") && r.Method == http.MethodPost:
		h.checkNow(w, r)

	case strings.HasSuffix(path, "/cancel") && r.Method == http.MethodPost:
		h.cancel(w, r)

	case strings.HasSuffix(path, "/cadence") && r.Method == http.MethodPost:
		h.cadence(w, r)

	case strings.HasPrefix(path, "/confirmations/") && r.Method == http.MethodGet:
		h.get(w, r)

	case strings.HasPrefix(path, "/confirmations/") && r.Method == http.MethodDelete:
		h.remove(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || len(h.probes) == 0 {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	for _, p := range h.probes {
		if err := p.pinger.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[p.name] = "unhealthy: " + err.Error()
		} else {
			resp.Components[p.name] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) initiate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := validateInitiate(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	machine, err := h.registry.GetOrCreate(req.OrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = machine.Initiate(confirm.InitiateRequest{
		OrderID:         req.OrderID,
		Kind:            domain.AttemptKind(req.Kind),
		ClientReference: req.ClientReference,
		Timeout:         clampTimeout(req.TimeoutSeconds),
	})
	if err != nil {
		log.Printf("api: initiate order %s error: %v", req.OrderID, err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// 202: confirmation resolves asynchronously; poll GET for the outcome.
	writeJSON(w, http.StatusAccepted, stateResponse(machine.State(), "live"))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDFromPath(r.URL.Path, 2)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if machine, found := h.registry.Get(orderID); found {
		writeJSON(w, http.StatusOK, stateResponse(machine.State(), "live"))
		return
	}

	if h.orders != nil {
		rec, err := h.orders.Get(r.Context(), orderID)
		if err == nil {
			writeJSON(w, http.StatusOK, recordResponse(rec))
			return
		}
		if !errors.Is(err, orders.ErrNotFound) {
			log.Printf("api: order store read %s error: %v", orderID, err)
		}
	}

	if h.history != nil {
		att, err := h.history.LatestAttemptForOrder(r.Context(), orderID)
		if err == nil {
			writeJSON(w, http.StatusOK, attemptResponse(att))
			return
		}
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("api: history read %s error: %v", orderID, err)
			writeError(w, http.StatusInternalServerError, "failed to read confirmation")
			return
		}
	}

	writeError(w, http.StatusNotFound, "confirmation not found")
}

func (h *Handler) checkNow(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDFromPath(r.URL.Path, 3)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	machine, found := h.registry.Get(orderID)
	if !found {
		writeError(w, http.StatusNotFound, "confirmation not found")
		return
	}

	if err := machine.CheckNow(r.Context()); err != nil {
		if errors.Is(err, confirm.ErrNotInitiated) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		log.Printf("api: check order %s error: %v", orderID, err)
		writeError(w, http.StatusInternalServerError, "check failed")
		return
	}

	writeJSON(w, http.StatusOK, stateResponse(machine.State(), "live"))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDFromPath(r.URL.Path, 3)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	machine, found := h.registry.Get(orderID)
	if !found {
		writeError(w, http.StatusNotFound, "confirmation not found")
		return
	}

	machine.Cancel()
	writeJSON(w, http.StatusOK, stateResponse(machine.State(), "live"))
}

func (h *Handler) cadence(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDFromPath(r.URL.Path, 3)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	machine, found := h.registry.Get(orderID)
	if !found {
		writeError(w, http.StatusNotFound, "confirmation not found")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req CadenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	machine.SetCadence(req.Fast)
	writeJSON(w, http.StatusOK, stateResponse(machine.State(), "live"))
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDFromPath(r.URL.Path, 2)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if !h.registry.Remove(orderID) {
		writeError(w, http.StatusNotFound, "confirmation not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// orderIDFromPath extracts the order ID from /confirmations/{orderID}
// (parts=2) or /confirmations/{orderID}/{action} (parts=3).
func orderIDFromPath(path string, parts int) (string, bool) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) != parts || segs[0] != "confirmations" || segs[1] == "" {
		return "", false
	}
	return segs[1], true
}

func stateResponse(st domain.ConfirmationState, source string) ConfirmationResponse {
	return ConfirmationResponse{
		OrderID:               st.OrderID,
		AttemptID:             st.AttemptID.String(),
		Kind:                  string(st.Kind),
		Phase:                 string(st.Phase),
		Terminal:              st.Phase.Terminal(),
		ClientReference:       st.ClientReference,
		ProviderTransactionID: st.ProviderTransactionID,
		AttemptsMade:          st.AttemptsMade,
		Reason:                st.Reason,
		StartedAt:             formatTime(st.StartedAt),
		ResolvedAt:            formatTime(st.ResolvedAt),
		UpdatedAt:             formatTime(st.UpdatedAt),
		Source:                source,
	}
}

func recordResponse(rec orders.Record) ConfirmationResponse {
	return ConfirmationResponse{
		OrderID:               rec.OrderID,
		AttemptID:             rec.AttemptID,
		Kind:                  string(rec.Kind),
		Phase:                 string(rec.Phase),
		Terminal:              rec.Phase.Terminal(),
		ClientReference:       rec.ClientReference,
		ProviderTransactionID: rec.ProviderTransactionID,
		AttemptsMade:          rec.AttemptsMade,
		Reason:                rec.Reason,
		ResolvedAt:            formatTime(rec.ResolvedAt),
		UpdatedAt:             formatTime(rec.UpdatedAt),
		Source:                "cache",
	}
}

func attemptResponse(att history.Attempt) ConfirmationResponse {
	resp := ConfirmationResponse{
		OrderID:               att.OrderID,
		AttemptID:             att.AttemptID.String(),
		Kind:                  string(att.Kind),
		Phase:                 string(att.Phase),
		Terminal:              att.Phase.Terminal(),
		ClientReference:       att.ClientReference,
		ProviderTransactionID: att.ProviderTransactionID,
		AttemptsMade:          att.AttemptsMade,
		Reason:                att.Reason,
		UpdatedAt:             formatTime(att.UpdatedAt),
		Source:                "history",
	}
	if att.StartedAt.Valid {
		resp.StartedAt = formatTime(att.StartedAt.Time)
	}
	if att.ResolvedAt.Valid {
		resp.ResolvedAt = formatTime(att.ResolvedAt.Time)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
