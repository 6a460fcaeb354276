package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/service_bridge/internal/crypto"
	"github.com/R3E-Network/service_bridge/internal/engine/admission"
	"github.com/R3E-Network/service_bridge/internal/engine/recovery"
	bridgeerr "github.com/R3E-Network/service_bridge/internal/errors"
	"github.com/R3E-Network/service_bridge/internal/middleware"
)

// maxTransactionSize bounds the body of a submitted transaction.
const maxTransactionSize = 1 << 20

// APIOption configures the HTTP API.
type APIOption func(*api)

// WithMetricsRegistry exposes registry at /metrics.
func WithMetricsRegistry(registry *prometheus.Registry) APIOption {
	return func(a *api) {
		a.registry = registry
	}
}

// WithRateLimiter limits write endpoints per client host. The caller owns
// the limiter and its cleanup.
func WithRateLimiter(rl *middleware.RateLimiter) APIOption {
	return func(a *api) {
		a.limiter = rl
	}
}

// WithRecovery exposes the recovery state of failed services and lets
// clients request a retry.
func WithRecovery(m *recovery.Manager) APIOption {
	return func(a *api) {
		a.recovery = m
	}
}

// WithAdmission bounds the requests waiting for the managed runtime, by
// operation kind. Stats are served at /admission.
func WithAdmission(c *admission.Controller) APIOption {
	return func(a *api) {
		a.admission = c
	}
}

type api struct {
	node      *Node
	registry  *prometheus.Registry
	recovery  *recovery.Manager
	admission *admission.Controller
	limiter   *middleware.RateLimiter
}

// Router returns the inspection API of the node.
func (n *Node) Router(opts ...APIOption) *mux.Router {
	a := &api{node: n}
	for _, opt := range opts {
		opt(a)
	}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(n.log.Named("http")))
	r.Use(middleware.MetricsMiddleware(n.rt.Metrics))

	admit := func(kind admission.Kind, h http.HandlerFunc) http.Handler {
		return middleware.AdmissionMiddleware(a.admission, kind, n.log.Named("admission"))(h)
	}

	r.HandleFunc("/health", a.health).Methods(http.MethodGet)
	r.HandleFunc("/services", a.services).Methods(http.MethodGet)
	r.Handle("/services/{id:[0-9]+}/state-hashes", admit(admission.KindRead, a.stateHashes)).Methods(http.MethodGet)
	r.HandleFunc("/services/{id:[0-9]+}/config", a.config).Methods(http.MethodGet)
	r.HandleFunc("/events", a.events).Methods(http.MethodGet)
	r.HandleFunc("/events/stream", a.streamEvents).Methods(http.MethodGet)
	if a.recovery != nil {
		r.HandleFunc("/recovery", a.recoveryInfo).Methods(http.MethodGet)
	}
	if a.admission != nil {
		r.HandleFunc("/admission", a.admissionStats).Methods(http.MethodGet)
	}
	if a.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	write := r.NewRoute().Subrouter()
	if a.limiter != nil {
		write.Use(a.limiter.Handler)
	}
	write.Handle("/services/{id:[0-9]+}/transactions", admit(admission.KindSubmit, a.submit)).Methods(http.MethodPost)
	write.Handle("/blocks", admit(admission.KindCommit, a.commit)).Methods(http.MethodPost)
	if a.recovery != nil {
		write.HandleFunc("/services/{id:[0-9]+}/recover", a.recover).Methods(http.MethodPost)
	}

	return r
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"height":    a.node.Height(),
		"pending":   a.node.Pending(),
		"timestamp": time.Now().UTC(),
	})
}

func (a *api) services(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.node.Services())
}

func (a *api) stateHashes(w http.ResponseWriter, r *http.Request) {
	id, ok := serviceID(w, r)
	if !ok {
		return
	}
	hashes, err := a.node.ServiceStateHashes(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"height": a.node.Height(),
		"hashes": hashStrings(hashes),
	})
}

// config returns the stored configuration, or the value at the gjson path
// given by the path query parameter, or the values selected by the JSONPath
// expression given by the jsonpath query parameter.
func (a *api) config(w http.ResponseWriter, r *http.Request) {
	id, ok := serviceID(w, r)
	if !ok {
		return
	}
	config, err := a.node.Config(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if config == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	raw := *config
	if expr := r.URL.Query().Get("jsonpath"); expr != "" {
		var doc interface{}
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			writeError(w, err)
			return
		}
		res, err := jsonpath.Get(expr, doc)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	if path := r.URL.Query().Get("path"); path != "" {
		res := gjson.Get(raw, path)
		if !res.Exists() {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no value at " + path})
			return
		}
		raw = res.Raw
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, raw)
}

func (a *api) submit(w http.ResponseWriter, r *http.Request) {
	id, ok := serviceID(w, r)
	if !ok {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxTransactionSize+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(raw) > maxTransactionSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "transaction too large"})
		return
	}
	if r.Header.Get("Content-Type") == "text/plain" {
		decoded, err := hex.DecodeString(string(raw))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body is not hex: " + err.Error()})
			return
		}
		raw = decoded
	}

	info, err := a.node.Submit(r.Context(), id, raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":   id,
		"info": json.RawMessage(infoJSON(info)),
	})
}

func (a *api) commit(w http.ResponseWriter, r *http.Request) {
	block, err := a.node.Commit(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	hashes := make(map[string][]string, len(block.StateHashes))
	for id, hs := range block.StateHashes {
		hashes[strconv.Itoa(int(id))] = hashStrings(hs)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"height":              block.Height,
		"executed":            block.Executed,
		"failed":              block.Failed,
		"state_hashes":        hashes,
		"after_commit_errors": block.AfterCommit,
		"state_hash_errors":   block.HashErrors,
		"committed_at":        block.CommittedAt,
	})
}

func (a *api) events(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, a.node.rt.Events.Recent(limit))
}

func (a *api) recoveryInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.recovery.GetRecoveryInfo())
}

func (a *api) admissionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.admission.Stats())
}

func (a *api) recover(w http.ResponseWriter, r *http.Request) {
	id, ok := serviceID(w, r)
	if !ok {
		return
	}
	// Attempts outlive the request.
	if err := a.recovery.TriggerRecovery(context.WithoutCancel(r.Context()), id); err != nil {
		status := http.StatusConflict
		if errors.Is(err, recovery.ErrServiceNotRecoverable) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"id": id, "status": "recovery scheduled"})
}

func serviceID(w http.ResponseWriter, r *http.Request) (uint16, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 16)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid service id"})
		return 0, false
	}
	return uint16(id), true
}

func hashStrings(hashes []crypto.Hash) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.StringBE()
	}
	return out
}

// infoJSON returns info as JSON, quoting it when it is not JSON already.
func infoJSON(info string) []byte {
	if gjson.Valid(info) {
		return []byte(info)
	}
	quoted, _ := json.Marshal(info)
	return quoted
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownService):
		status = http.StatusNotFound
	case errors.Is(err, ErrServiceNotRunning):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidTransaction):
		status = http.StatusUnprocessableEntity
	case isRemote(err):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// isRemote reports whether err was caused by the request content: the
// service threw or the input could not be marshaled.
func isRemote(err error) bool {
	if _, ok := bridgeerr.AsRemoteInvocation(err); ok {
		return true
	}
	_, ok := bridgeerr.AsMarshal(err)
	return ok
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
