package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/italolelis/handoff/internal/intercept"
	"github.com/italolelis/handoff/internal/logctx"
	"github.com/italolelis/handoff/internal/storage"
)

const (
	decisionLimit = 50
	maxURLLength  = 100
	maxBodyBytes  = 1 << 20
)

// Interceptor is the part of the coordinator the HTTP surface drives.
type Interceptor interface {
	HandleRemoteSignal(ctx context.Context, cand intercept.Candidate) intercept.Outcome
	Classifier() *intercept.Classifier
	Claims() *intercept.ClaimTable
}

// ExtensionStatus reports on the extension connection.
type ExtensionStatus interface {
	Connected() bool
	Version() string
}

type HandoffHandler struct {
	interceptor Interceptor
	decisions   storage.DecisionReadRepository
	extension   ExtensionStatus
}

func NewHandoffHandler(interceptor Interceptor, decisions storage.DecisionReadRepository, extension ExtensionStatus) *HandoffHandler {
	return &HandoffHandler{
		interceptor: interceptor,
		decisions:   decisions,
		extension:   extension,
	}
}

func (h *HandoffHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)

	r.Get("/health", h.HandleHealth)
	r.Get("/debug/intercept", h.HandleDebugIntercept)
	r.Get("/debug/decisions", h.HandleDebugDecisions)
	r.Post("/modal", h.HandleModal)

	return r
}

// corsMiddleware admits requests without an Origin (the desktop app, curl) and
// from browser extensions. Web pages are refused before any handler runs.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if !extensionOrigin(origin) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		w.Header().Add("Vary", "Origin")

		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Private-Network", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extensionOrigin(origin string) bool {
	return origin == "" ||
		strings.HasPrefix(origin, "chrome-extension://") ||
		strings.HasPrefix(origin, "moz-extension://")
}

type healthResponse struct {
	Status             string `json:"status"`
	ExtensionConnected bool   `json:"extension_connected"`
	ExtensionVersion   string `json:"extension_version,omitempty"`
}

func (h *HandoffHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}

	if h.extension != nil {
		resp.ExtensionConnected = h.extension.Connected()
		if resp.ExtensionConnected {
			resp.ExtensionVersion = h.extension.Version()
		}
	}

	writeJSON(w, r, http.StatusOK, resp)
}

type activeInterception struct {
	Key       string          `json:"key"`
	URL       string          `json:"url"`
	Source    string          `json:"source"`
	State     intercept.State `json:"state"`
	ClaimedAt time.Time       `json:"claimed_at"`
}

type interceptDebugResponse struct {
	Rules          intercept.Rules      `json:"rules"`
	LargeFileHuman string               `json:"large_file_human"`
	Active         []activeInterception `json:"active"`
	EngineStatus   string               `json:"engine_status"`
}

func (h *HandoffHandler) HandleDebugIntercept(w http.ResponseWriter, r *http.Request) {
	rules := h.interceptor.Classifier().Rules()

	resp := interceptDebugResponse{
		Rules:          rules,
		LargeFileHuman: humanize.Bytes(uint64(rules.LargeFileBytes)),
		Active:         []activeInterception{},
		EngineStatus:   "READY",
	}

	for _, s := range h.interceptor.Claims().Active() {
		resp.Active = append(resp.Active, activeInterception{
			Key:       s.Key.String(),
			URL:       truncate(s.Candidate.URL, maxURLLength),
			Source:    s.Candidate.Source.String(),
			State:     s.State,
			ClaimedAt: s.ClaimedAt,
		})
	}

	writeJSON(w, r, http.StatusOK, resp)
}

type decisionEntry struct {
	Time     time.Time `json:"time"`
	Key      string    `json:"key"`
	URL      string    `json:"url"`
	Source   string    `json:"source"`
	Decision string    `json:"decision"`
	Reason   string    `json:"reason"`
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	Outcome  string    `json:"outcome"`
}

func (h *HandoffHandler) HandleDebugDecisions(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	records, err := h.decisions.RecentDecisions(r.Context(), decisionLimit)
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to load decisions", "err", err)
		http.Error(w, "failed to load decisions", http.StatusInternalServerError)

		return
	}

	out := make([]decisionEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, decisionEntry{
			Time:     rec.CreatedAt,
			Key:      rec.Key,
			URL:      truncate(rec.URL, maxURLLength),
			Source:   rec.Source,
			Decision: rec.Decision,
			Reason:   rec.Reason,
			Filename: rec.Filename,
			Size:     rec.SizeBytes,
			Outcome:  rec.Outcome,
		})
	}

	writeJSON(w, r, http.StatusOK, out)
}

type modalRequest struct {
	URL              string `json:"url"`
	Filename         string `json:"filename"`
	Size             int64  `json:"size"`
	NativeDownloadID *int64 `json:"native_download_id,omitempty"`
	TabID            *int   `json:"tab_id,omitempty"`
	Referrer         string `json:"referrer,omitempty"`
	PageURL          string `json:"page_url,omitempty"`
}

var errMissingURL = errors.New("url is required")

func (req modalRequest) validate() error {
	if req.URL == "" {
		return errMissingURL
	}

	return nil
}

// HandleModal shows the confirmation modal on behalf of the desktop app and
// answers once the interception has settled.
func (h *HandoffHandler) HandleModal(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req modalRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		logger.WarnContext(r.Context(), "failed to decode modal request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out := h.interceptor.HandleRemoteSignal(r.Context(), intercept.Candidate{
		URL:               req.URL,
		SuggestedFilename: req.Filename,
		SizeBytes:         req.Size,
		NativeDownloadID:  req.NativeDownloadID,
		TabID:             req.TabID,
		Referrer:          req.Referrer,
		PageURL:           req.PageURL,
	})

	writeJSON(w, r, http.StatusAccepted, out)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to encode response", "err", err)
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}

	return string(runes[:n])
}
