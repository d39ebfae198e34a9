package tariff

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/solnx/gridflow/internal/telemetry"
)

// overrideRequest is the operator override request body from spec §6.
type overrideRequest struct {
	Region     string  `json:"region"`
	NewPrice   float64 `json:"newPrice"`
	Reason     string  `json:"reason"`
	OperatorID string  `json:"operatorId,omitempty"`
}

// Router assembles the operator HTTP surface from spec §6.
func (e *Engine) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/operator/tariff/override", e.handleOverride).Methods(http.MethodPost)
	r.HandleFunc("/operator/tariff/{region}/history", e.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/operator/tariff/{region}", e.handleCurrent).Methods(http.MethodGet)
	r.HandleFunc("/operator/tariffs/all", e.handleAll).Methods(http.MethodGet)
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

func (e *Engine) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Region == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "region is required"})
		return
	}
	if err := e.Override(r.Context(), req.Region, req.NewPrice, req.Reason, req.OperatorID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "region": req.Region, "pricePerKwh": req.NewPrice})
}

func (e *Engine) handleCurrent(w http.ResponseWriter, r *http.Request) {
	region := mux.Vars(r)["region"]
	t, ok, err := e.Current(r.Context(), region)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no tariff set for region"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (e *Engine) handleHistory(w http.ResponseWriter, r *http.Request) {
	region := mux.Vars(r)["region"]
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	hist, err := e.History(r.Context(), region, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (e *Engine) handleAll(w http.ResponseWriter, r *http.Request) {
	all, err := e.store.AllCurrentTariffs(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
