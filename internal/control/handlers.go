package control

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"voltfleet/internal/manager"
	"voltfleet/internal/storage"
)

func (a *API) handleListStations(w http.ResponseWriter, _ *http.Request) {
	snapshots := a.fleet.Snapshots()
	connected := make(map[string]bool, len(snapshots))
	for _, id := range a.backend.ConnectedStations() {
		connected[id] = true
	}

	type stationView struct {
		ID              string  `json:"id"`
		Profile         string  `json:"profile"`
		Running         bool    `json:"running"`
		Connected       bool    `json:"connected"`
		Status          string  `json:"status"`
		UsageKW         float64 `json:"usage_kw"`
		EnergyKWh       float64 `json:"energy_kwh"`
		EnergyPercent   float64 `json:"energy_percent"`
		MaxEnergyKWh    float64 `json:"max_energy_kwh"`
		PriceThreshold  float64 `json:"price_threshold"`
		AllowPeak       bool    `json:"allow_peak"`
		OCPPControlMode string  `json:"ocpp_control_mode"`
		OCPPLimitW      float64 `json:"ocpp_limit_w,omitempty"`
	}

	out := make([]stationView, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, stationView{
			ID:              s.ID,
			Profile:         s.Profile,
			Running:         s.Running,
			Connected:       connected[s.ID],
			Status:          s.Status,
			UsageKW:         s.UsageKW,
			EnergyKWh:       s.EnergyKWh,
			EnergyPercent:   s.EnergyPercent,
			MaxEnergyKWh:    s.MaxEnergyKWh,
			PriceThreshold:  s.PriceThreshold,
			AllowPeak:       s.AllowPeak,
			OCPPControlMode: s.OCPPControlMode,
			OCPPLimitW:      s.OCPPLimitW,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stations": out, "count": len(out)})
}

func (a *API) handleScale(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count   int    `json:"count"`
		Profile string `json:"profile"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Count < 0 {
		writeDetail(w, http.StatusBadRequest, "count must be >= 0")
		return
	}

	ids, err := a.fleet.Scale(r.Context(), body.Count, body.Profile)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "%s", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stations": ids, "count": len(ids)})
}

func (a *API) handleStartStation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID      string `json:"id"`
		Profile string `json:"profile"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ID == "" {
		writeDetail(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := a.fleet.StartStation(r.Context(), body.ID, body.Profile); err != nil {
		writeDetail(w, http.StatusBadRequest, "%s", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started", "id": body.ID})
}

func (a *API) handleStopStation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	if err := a.fleet.StopStation(r.Context(), body.ID); err != nil {
		if errors.Is(err, manager.ErrUnknownStation) {
			writeDetail(w, http.StatusNotFound, "unknown station '%s'", body.ID)
			return
		}
		writeDetail(w, http.StatusInternalServerError, "%s", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": body.ID})
}

func (a *API) handleStartAll(w http.ResponseWriter, r *http.Request) {
	started, err := a.fleet.StartAll(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "%s", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"started": started})
}

func (a *API) handleStopAll(w http.ResponseWriter, r *http.Request) {
	stopped, err := a.fleet.StopAll(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "%s", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stopped": stopped})
}

func (a *API) handleStationLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logs, err := a.fleet.StationLogs(id)
	if err != nil {
		writeDetail(w, http.StatusNotFound, "unknown station '%s'", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "logs": logs})
}

func (a *API) handleGetPricing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]float64{"price": a.fleet.Price()})
}

func (a *API) handleSetPricing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Price float64 `json:"price"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	if err := a.fleet.SetPrice(body.Price); err != nil {
		writeDetail(w, http.StatusBadRequest, "%s", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"price": a.fleet.Price()})
}

func (a *API) handleTotals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.fleet.Totals())
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	filter := storage.Filter{StationID: r.URL.Query().Get("station_id")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeDetail(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	sessions, err := a.store.ListTransactions(r.Context(), filter)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions, "count": len(sessions)})
}
