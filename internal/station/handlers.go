package station

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"voltfleet/internal/ocpp"
	"voltfleet/internal/ocpp/protocol"
	"voltfleet/internal/smartcharging"
)

// registerHandlers wires the CSMS-originated actions. Handlers run on the
// read loop goroutine, so anything that needs an outbound CALL of its own is
// pushed to a separate goroutine.
func (a *Agent) registerHandlers() {
	a.router.Register(protocol.ActionSetChargingProfile, a.handleSetChargingProfile)
	a.router.Register(protocol.ActionGetCompositeSchedule, a.handleGetCompositeSchedule)
	a.router.Register(protocol.ActionClearChargingProfile, a.handleClearChargingProfile)
	a.router.Register(protocol.ActionRemoteStartTransaction, a.handleRemoteStart)
	a.router.Register(protocol.ActionRemoteStopTransaction, a.handleRemoteStop)
	a.router.Register(protocol.ActionReset, a.handleReset)
	a.router.Register(protocol.ActionChangeAvailability, a.handleChangeAvailability)
	a.router.Register(protocol.ActionTriggerMessage, a.handleTriggerMessage)
}

// connContext returns the live session context, or a background context when
// no session is up.
func (a *Agent) connContext() context.Context {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.connCtx != nil {
		return a.connCtx
	}
	return context.Background()
}

func (a *Agent) handleSetChargingProfile(_ context.Context, _ string, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.SetChargingProfileRequest](payload)
	if err != nil {
		return protocol.SetChargingProfileResponse{Status: protocol.StatusRejected}, nil
	}

	if err := a.profiles.SetProfile(req.ConnectorID, req.CsChargingProfiles); err != nil {
		a.logger.Warn("charging profile rejected",
			zap.Int("profile_id", req.CsChargingProfiles.ChargingProfileID),
			zap.Error(err))
		a.ring.Appendf("SetChargingProfile rejected: %s", err)
		return protocol.SetChargingProfileResponse{Status: protocol.StatusRejected}, nil
	}

	p := req.CsChargingProfiles
	a.logger.Info("charging profile installed",
		zap.Int("profile_id", p.ChargingProfileID),
		zap.String("purpose", p.ChargingProfilePurpose),
		zap.Int("stack_level", p.StackLevel),
		zap.Int("connector_id", req.ConnectorID))
	a.ring.Appendf("SetChargingProfile accepted: profile %d (purpose=%s, stack=%d)",
		p.ChargingProfileID, p.ChargingProfilePurpose, p.StackLevel)
	return protocol.SetChargingProfileResponse{Status: protocol.StatusAccepted}, nil
}

func (a *Agent) handleGetCompositeSchedule(_ context.Context, _ string, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.GetCompositeScheduleRequest](payload)
	if err != nil {
		return protocol.GetCompositeScheduleResponse{Status: protocol.StatusRejected}, nil
	}

	unit := req.ChargingRateUnit
	if unit == "" {
		unit = protocol.UnitWatts
	}

	txID, txStart, _ := a.sessionSnapshot()
	now := a.now()
	periods := a.profiles.CompositeSchedule(req.ConnectorID, txID, txStart, now,
		time.Duration(req.Duration)*time.Second, unit)
	if len(periods) == 0 {
		a.ring.Appendf("GetCompositeSchedule: no applicable profiles for connector %d", req.ConnectorID)
		return protocol.GetCompositeScheduleResponse{Status: protocol.StatusRejected}, nil
	}

	connID := req.ConnectorID
	duration := req.Duration
	start := protocol.NewDateTime(now.UTC())
	a.ring.Appendf("GetCompositeSchedule: %d periods over %ds", len(periods), req.Duration)
	return protocol.GetCompositeScheduleResponse{
		Status:        protocol.StatusAccepted,
		ConnectorID:   &connID,
		ScheduleStart: &start,
		ChargingSchedule: &protocol.ChargingSchedule{
			Duration:               &duration,
			StartSchedule:          &start,
			ChargingRateUnit:       unit,
			ChargingSchedulePeriod: periods,
		},
	}, nil
}

func (a *Agent) handleClearChargingProfile(_ context.Context, _ string, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.ClearChargingProfileRequest](payload)
	if err != nil {
		return protocol.ClearChargingProfileResponse{Status: protocol.StatusUnknown}, nil
	}

	removed := a.profiles.ClearProfiles(smartcharging.ClearFilter{
		ProfileID:   req.ID,
		ConnectorID: req.ConnectorID,
		Purpose:     req.ChargingProfilePurpose,
		StackLevel:  req.StackLevel,
	})
	a.ring.Appendf("ClearChargingProfile: cleared %d profiles", removed)
	if removed == 0 {
		return protocol.ClearChargingProfileResponse{Status: protocol.StatusUnknown}, nil
	}
	return protocol.ClearChargingProfileResponse{Status: protocol.StatusAccepted}, nil
}

func (a *Agent) handleRemoteStart(_ context.Context, _ string, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.RemoteStartTransactionRequest](payload)
	if err != nil || req.IdTag == "" {
		return protocol.RemoteStartTransactionResponse{Status: protocol.StatusRejected}, nil
	}
	if !a.cfg.Profile.EnableTransactions || a.unavailable.Load() {
		return protocol.RemoteStartTransactionResponse{Status: protocol.StatusRejected}, nil
	}

	txID, _, _ := a.sessionSnapshot()
	if txID != 0 {
		return protocol.RemoteStartTransactionResponse{Status: protocol.StatusRejected}, nil
	}

	select {
	case a.remoteStart <- req.IdTag:
		return protocol.RemoteStartTransactionResponse{Status: protocol.StatusAccepted}, nil
	default:
		return protocol.RemoteStartTransactionResponse{Status: protocol.StatusRejected}, nil
	}
}

func (a *Agent) handleRemoteStop(_ context.Context, _ string, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.RemoteStopTransactionRequest](payload)
	if err != nil {
		return protocol.RemoteStopTransactionResponse{Status: protocol.StatusRejected}, nil
	}

	txID, _, _ := a.sessionSnapshot()
	if txID == 0 || txID != req.TransactionID {
		return protocol.RemoteStopTransactionResponse{Status: protocol.StatusRejected}, nil
	}

	select {
	case a.stopRequest <- protocol.ReasonRemote:
		a.ring.Appendf("Remote stop requested (transaction %d)", req.TransactionID)
		return protocol.RemoteStopTransactionResponse{Status: protocol.StatusAccepted}, nil
	default:
		return protocol.RemoteStopTransactionResponse{Status: protocol.StatusRejected}, nil
	}
}

// handleReset accepts, then restarts asynchronously: the active transaction
// (if any) is stopped with the matching reason before the socket is dropped,
// and the outer loop reconnects.
func (a *Agent) handleReset(_ context.Context, _ string, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.ResetRequest](payload)
	if err != nil {
		return protocol.ResetResponse{Status: protocol.StatusRejected}, nil
	}

	reason := protocol.ReasonHardReset
	if req.Type == protocol.ResetSoft {
		reason = protocol.ReasonSoftReset
	}
	a.ring.Appendf("Reset requested (%s)", req.Type)

	go func() {
		// let the Accepted reply flush first
		time.Sleep(200 * time.Millisecond)

		txID, _, _ := a.sessionSnapshot()
		if txID != 0 {
			select {
			case a.stopRequest <- reason:
			default:
			}
			// wait for the stop sequence to finish: the transaction is
			// cleared and the final Available status has gone out
			deadline := a.now().Add(2 * time.Second)
			for a.now().Before(deadline) {
				id, _, _ := a.sessionSnapshot()
				a.stMu.RLock()
				status := a.st.status
				a.stMu.RUnlock()
				if id == 0 && status == protocol.ConnectorAvailable {
					break
				}
				time.Sleep(50 * time.Millisecond)
			}
		}
		a.closeSession()
	}()

	return protocol.ResetResponse{Status: protocol.StatusAccepted}, nil
}

func (a *Agent) handleChangeAvailability(_ context.Context, _ string, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.ChangeAvailabilityRequest](payload)
	if err != nil {
		return protocol.ChangeAvailabilityResponse{Status: protocol.StatusRejected}, nil
	}

	switch req.Type {
	case protocol.AvailabilityInoperative:
		a.unavailable.Store(true)
		a.ring.Append("Connector set Inoperative")
		txID, _, _ := a.sessionSnapshot()
		if txID != 0 {
			// takes effect once the running transaction ends
			return protocol.ChangeAvailabilityResponse{Status: protocol.StatusScheduled}, nil
		}
		go func() {
			_ = a.sendStatus(a.connContext(), protocol.ConnectorUnavailable)
		}()
		return protocol.ChangeAvailabilityResponse{Status: protocol.StatusAccepted}, nil

	case protocol.AvailabilityOperative:
		a.unavailable.Store(false)
		a.ring.Append("Connector set Operative")
		go func() {
			_ = a.sendStatus(a.connContext(), protocol.ConnectorAvailable)
		}()
		return protocol.ChangeAvailabilityResponse{Status: protocol.StatusAccepted}, nil

	default:
		return protocol.ChangeAvailabilityResponse{Status: protocol.StatusRejected}, nil
	}
}

func (a *Agent) handleTriggerMessage(_ context.Context, _ string, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.TriggerMessageRequest](payload)
	if err != nil {
		return protocol.TriggerMessageResponse{Status: protocol.StatusRejected}, nil
	}

	ctx := a.connContext()
	switch req.RequestedMessage {
	case protocol.ActionBootNotification:
		go func() {
			_, err := a.call(ctx, protocol.ActionBootNotification, protocol.BootNotificationRequest{
				ChargePointVendor: "VoltFleet-Vendor",
				ChargePointModel:  "VoltFleet-Model",
				FirmwareVersion:   "1.6.0",
			})
			if err != nil {
				a.logger.Warn("triggered boot notification failed", zap.Error(err))
			}
		}()
	case protocol.ActionHeartbeat:
		go func() {
			if _, err := a.call(ctx, protocol.ActionHeartbeat, protocol.HeartbeatRequest{}); err == nil {
				a.ring.Append("Heartbeat sent")
			}
		}()
	case protocol.ActionStatusNotification:
		a.stMu.RLock()
		status := a.st.status
		a.stMu.RUnlock()
		go func() {
			_ = a.sendStatus(ctx, status)
		}()
	case protocol.ActionMeterValues:
		txID, _, energyWh := a.sessionSnapshot()
		if txID == 0 {
			return protocol.TriggerMessageResponse{Status: protocol.StatusRejected}, nil
		}
		go func() {
			a.sendMeterValues(ctx, txID, energyWh, 0, 0)
		}()
	default:
		return protocol.TriggerMessageResponse{Status: protocol.StatusNotImplemented}, nil
	}

	a.ring.Appendf("TriggerMessage: %s", req.RequestedMessage)
	return protocol.TriggerMessageResponse{Status: protocol.StatusAccepted}, nil
}
