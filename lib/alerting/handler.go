package alerting

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/solnx/gridflow/internal/telemetry"
)

type statusRequest struct {
	By string `json:"by"`
}

// Router assembles the alert-engine's operator HTTP surface: status
// transitions plus the ambient health/metrics endpoints every component
// carries (SPEC_FULL.md supplement 2).
func (e *Engine) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/alerts/{id}/acknowledge", e.handleAcknowledge).Methods(http.MethodPost)
	r.HandleFunc("/alerts/{id}/resolve", e.handleResolve).Methods(http.MethodPost)
	r.HandleFunc("/health", e.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(r)
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (e *Engine) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req statusRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := e.Acknowledge(r.Context(), id, req.By); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (e *Engine) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req statusRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := e.Resolve(r.Context(), id, req.By); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
