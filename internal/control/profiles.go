package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"voltfleet/internal/csms"
	"voltfleet/internal/manager"
	"voltfleet/internal/ocpp"
	"voltfleet/internal/ocpp/protocol"
	"voltfleet/internal/smartcharging"
)

// Profile ids used by the built-in test scenarios. Re-running a scenario
// replaces the previous profile instead of stacking a new one.
const (
	peakShavingProfileID = 1
	timeOfUseProfileID   = 2
	energyCapProfileID   = 3
)

func (a *API) handleSendChargingProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		ConnectorID int                      `json:"connector_id"`
		Profile     protocol.ChargingProfile `json:"profile"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	status, err := a.backend.SendChargingProfile(r.Context(), id, body.ConnectorID, body.Profile)
	if err != nil {
		a.writeProfileError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"profile_id": body.Profile.ChargingProfileID,
	})
}

func (a *API) handleCompositeSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()

	connectorID := 0
	if raw := q.Get("connector_id"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "connector_id must be an integer")
			return
		}
		connectorID = n
	}
	duration := 3600
	if raw := q.Get("duration"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeDetail(w, http.StatusBadRequest, "duration must be a positive integer")
			return
		}
		duration = n
	}
	unit := q.Get("charging_rate_unit")

	resp, err := a.backend.GetCompositeSchedule(r.Context(), id, connectorID, duration, unit)
	if err != nil {
		a.writeProfileError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleClearChargingProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()

	var filter protocol.ClearChargingProfileRequest
	filters := map[string]interface{}{}
	if raw := q.Get("profile_id"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "profile_id must be an integer")
			return
		}
		filter.ID = &n
		filters["profile_id"] = n
	}
	if raw := q.Get("connector_id"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "connector_id must be an integer")
			return
		}
		filter.ConnectorID = &n
		filters["connector_id"] = n
	}
	if purpose := q.Get("purpose"); purpose != "" {
		filter.ChargingProfilePurpose = purpose
		filters["purpose"] = purpose
	}
	if raw := q.Get("stack_level"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "stack_level must be an integer")
			return
		}
		filter.StackLevel = &n
		filters["stack_level"] = n
	}

	status, err := a.backend.ClearChargingProfile(r.Context(), id, filter)
	if err != nil {
		a.writeProfileError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": status, "filters": filters})
}

// handleTestProfiles builds and sends one of the canned smart charging
// scenarios against a station.
func (a *API) handleTestProfiles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Scenario      string   `json:"scenario"`
		ConnectorID   int      `json:"connector_id"`
		MaxPowerW     *float64 `json:"max_power_w"`
		OffPeakW      *float64 `json:"off_peak_w"`
		PeakW         *float64 `json:"peak_w"`
		PeakStartHour *int     `json:"peak_start_hour"`
		PeakEndHour   *int     `json:"peak_end_hour"`
		TransactionID *int     `json:"transaction_id"`
		MaxEnergyWh   *float64 `json:"max_energy_wh"`
		DurationSecs  *int     `json:"duration_seconds"`
		PowerLimitW   *float64 `json:"power_limit_w"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	var profile protocol.ChargingProfile
	switch body.Scenario {
	case "peak_shaving":
		if body.MaxPowerW == nil {
			writeDetail(w, http.StatusBadRequest, "max_power_w is required for peak_shaving")
			return
		}
		profile = csms.PeakShavingProfile(peakShavingProfileID, *body.MaxPowerW)
	case "time_of_use":
		if body.OffPeakW == nil || body.PeakW == nil || body.PeakStartHour == nil || body.PeakEndHour == nil {
			writeDetail(w, http.StatusBadRequest, "off_peak_w, peak_w, peak_start_hour, peak_end_hour required for time_of_use")
			return
		}
		profile = csms.TimeOfUseProfile(timeOfUseProfileID, *body.OffPeakW, *body.PeakW, *body.PeakStartHour, *body.PeakEndHour)
	case "energy_cap":
		if body.TransactionID == nil || body.MaxEnergyWh == nil || body.DurationSecs == nil || body.PowerLimitW == nil {
			writeDetail(w, http.StatusBadRequest, "transaction_id, max_energy_wh, duration_seconds, power_limit_w required for energy_cap")
			return
		}
		profile = csms.EnergyCapProfile(energyCapProfileID, *body.TransactionID, *body.DurationSecs, *body.PowerLimitW)
	default:
		writeDetail(w, http.StatusBadRequest, "Unknown scenario '%s'. Valid: peak_shaving, time_of_use, energy_cap", body.Scenario)
		return
	}

	status, err := a.backend.SendChargingProfile(r.Context(), id, body.ConnectorID, profile)
	if err != nil {
		a.writeProfileError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"scenario":   body.Scenario,
		"profile_id": profile.ChargingProfileID,
	})
}

func (a *API) handleInjectFault(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Kind    string          `json:"kind"`
		Action  string          `json:"action"`
		Payload json.RawMessage `json:"payload"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	var err error
	switch body.Kind {
	case "spoof_call":
		if body.Action == "" {
			writeDetail(w, http.StatusBadRequest, "action is required for spoof_call")
			return
		}
		err = a.faults.SpoofCall(r.Context(), id, body.Action, body.Payload)
	case "send_malformed":
		err = a.faults.SendMalformed(r.Context(), id)
	case "drop_connection":
		err = a.faults.DropConnection(id)
	case "abort_transaction":
		err = a.faults.AbortTransaction(id)
	default:
		writeDetail(w, http.StatusBadRequest, "Unknown fault kind '%s'. Valid: spoof_call, send_malformed, drop_connection, abort_transaction", body.Kind)
		return
	}
	if err != nil {
		a.writeProfileError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "injected", "kind": body.Kind, "id": id})
}

func (a *API) handleFaultEvents(w http.ResponseWriter, _ *http.Request) {
	events := a.faults.Events()
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

// writeProfileError maps command errors onto HTTP status codes.
func (a *API) writeProfileError(w http.ResponseWriter, stationID string, err error) {
	var vErr *smartcharging.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeDetail(w, http.StatusBadRequest, "%s", vErr.Reason)
	case errors.Is(err, ocpp.ErrStationDisconnected):
		writeDetail(w, http.StatusNotFound, "station '%s' is not connected", stationID)
	case errors.Is(err, manager.ErrUnknownStation):
		writeDetail(w, http.StatusNotFound, "unknown station '%s'", stationID)
	default:
		writeDetail(w, http.StatusBadGateway, "%s", err)
	}
}
