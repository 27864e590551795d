package station

import (
	"context"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"voltfleet/internal/ocpp"
	"voltfleet/internal/ocpp/protocol"
	"voltfleet/internal/policy"
)

// lifecycle is the per-session main task: boot, initial status, heartbeat
// task, then the session loop until the session context ends.
func (a *Agent) lifecycle(ctx context.Context) {
	a.ring.Append("Station startup initiated")

	if !a.boot(ctx) {
		return
	}
	if txID, _, _ := a.sessionSnapshot(); txID == 0 {
		if err := a.sendStatus(ctx, protocol.ConnectorAvailable); err == nil {
			a.ring.Append("Connector available")
		}
	}

	go a.heartbeatLoop(ctx)
	a.sessionLoop(ctx)
}

// boot sends BootNotification until the CSMS accepts the station, adopting
// the heartbeat interval the CSMS returns.
func (a *Agent) boot(ctx context.Context) bool {
	for ctx.Err() == nil {
		a.ring.Append("BootNotification sent")
		raw, err := a.call(ctx, protocol.ActionBootNotification, protocol.BootNotificationRequest{
			ChargePointVendor: "VoltFleet-Vendor",
			ChargePointModel:  "VoltFleet-Model",
			FirmwareVersion:   "1.6.0",
		})
		if err != nil {
			a.logger.Warn("boot notification failed", zap.Error(err))
			if !sleepCtx(ctx, a.cfg.BackoffBase) {
				return false
			}
			continue
		}

		resp, err := ocpp.Decode[protocol.BootNotificationResponse](raw)
		if err != nil {
			a.logger.Warn("unreadable boot response", zap.Error(err))
			if !sleepCtx(ctx, a.cfg.BackoffBase) {
				return false
			}
			continue
		}

		if resp.Status != protocol.RegistrationAccepted {
			a.logger.Warn("not accepted by csms", zap.String("status", resp.Status))
			a.ring.Appendf("BootNotification rejected: %s", resp.Status)
			retry := time.Duration(resp.Interval) * time.Second
			if retry <= 0 {
				retry = 30 * time.Second
			}
			if !sleepCtx(ctx, retry) {
				return false
			}
			continue
		}

		if resp.Interval > 0 {
			a.hbInterval.Store(int64(resp.Interval))
		}
		a.ring.Append("BootNotification accepted")
		return true
	}
	return false
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(a.hbInterval.Load()) * time.Second
	if interval <= 0 {
		interval = a.cfg.Profile.HeartbeatInterval
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.call(ctx, protocol.ActionHeartbeat, protocol.HeartbeatRequest{}); err != nil {
				a.logger.Warn("heartbeat failed", zap.Error(err))
				continue
			}
			a.ring.Append("Heartbeat sent")
		}
	}
}

// sendStatus emits a StatusNotification and records the connector status.
func (a *Agent) sendStatus(ctx context.Context, status string) error {
	a.setStatusField(status)
	ts := protocol.NewDateTime(a.now().UTC())
	_, err := a.call(ctx, protocol.ActionStatusNotification, protocol.StatusNotificationRequest{
		ConnectorID: a.cfg.ConnectorID,
		ErrorCode:   protocol.ErrorCodeNoError,
		Status:      status,
		Timestamp:   &ts,
	})
	if err != nil {
		a.logger.Warn("status notification failed", zap.String("status", status), zap.Error(err))
	}
	return err
}

// sessionLoop drives charging sessions until the session context ends.
func (a *Agent) sessionLoop(ctx context.Context) {
	if !a.cfg.Profile.EnableTransactions {
		a.logger.Info("transactions disabled by profile")
		<-ctx.Done()
		return
	}

	for ctx.Err() == nil {
		if txID, txStart, _ := a.sessionSnapshot(); txID != 0 {
			a.resumeChargingSession(ctx, txID, txStart)
			continue
		}

		idTag, ok := a.waitForSessionStart(ctx)
		if !ok {
			return
		}

		if a.unavailable.Load() {
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		hour := a.now().UTC().Hour()
		decision := policy.Evaluate(policy.State{}, a.cfg.Profile.PolicyRules(), policy.Env{
			Price: a.Price(),
			Hour:  hour,
		})
		if decision.Action != policy.ActionCharge {
			a.logger.Info("smart charging blocked", zap.String("reason", decision.Reason))
			a.ring.Appendf("%s - waiting", decision.Reason)
			if !sleepCtx(ctx, a.cfg.BlockedRetry) {
				return
			}
			continue
		}

		if a.cfg.Profile.OfflineProbability > 0 && a.randF() < a.cfg.Profile.OfflineProbability {
			a.logger.Info("simulating offline window",
				zap.Duration("duration", a.cfg.Profile.OfflineDuration))
			a.ring.Append("Simulating offline period")
			a.offlineUntil.Store(a.now().Add(a.cfg.Profile.OfflineDuration).UnixNano())
			a.closeSession()
			return
		}

		a.runChargingSession(ctx, idTag)
	}
}

// waitForSessionStart idles between sessions, preempted by a remote start.
func (a *Agent) waitForSessionStart(ctx context.Context) (string, bool) {
	idle := a.randDuration(a.cfg.Profile.IdleMin, a.cfg.Profile.IdleMax)
	timer := time.NewTimer(idle)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", false
	case tag := <-a.remoteStart:
		a.ring.Appendf("Remote start requested (id_tag: %s)", tag)
		return tag, true
	case <-timer.C:
		return a.pickIDTag(), true
	}
}

func (a *Agent) pickIDTag() string {
	tags := a.cfg.Profile.IDTags
	if len(tags) == 0 {
		return "ABC123"
	}
	return tags[a.randIntN(len(tags))]
}

func (a *Agent) randDuration(low, high time.Duration) time.Duration {
	if high <= low {
		return low
	}
	return low + time.Duration(a.randIntN(int(high-low)))
}

// runChargingSession runs one authorize-start-meter-stop cycle.
func (a *Agent) runChargingSession(ctx context.Context, idTag string) {
	price := a.Price()

	raw, err := a.call(ctx, protocol.ActionAuthorize, protocol.AuthorizeRequest{IdTag: idTag})
	if err != nil {
		a.logger.Warn("authorize failed", zap.Error(err))
		return
	}
	auth, err := ocpp.Decode[protocol.AuthorizeResponse](raw)
	if err != nil || auth.IdTagInfo.Status != protocol.AuthorizationAccepted {
		verdict := "Unknown"
		if err == nil {
			verdict = auth.IdTagInfo.Status
		}
		a.ring.Appendf("Authorization failed - %s (%s)", idTag, verdict)
		return
	}
	a.ring.Appendf("Authorization successful - %s", idTag)

	if a.sendStatus(ctx, protocol.ConnectorPreparing) != nil {
		return
	}

	start := a.now().UTC()
	raw, err = a.call(ctx, protocol.ActionStartTransaction, protocol.StartTransactionRequest{
		ConnectorID: a.cfg.ConnectorID,
		IdTag:       idTag,
		MeterStart:  0,
		Timestamp:   protocol.NewDateTime(start),
	})
	if err != nil {
		a.logger.Warn("start transaction failed", zap.Error(err))
		_ = a.sendStatus(ctx, protocol.ConnectorAvailable)
		return
	}

	startResp, err := ocpp.Decode[protocol.StartTransactionResponse](raw)
	txID := startResp.TransactionID
	if err != nil || txID == 0 {
		txID = 1000 + a.randIntN(9000)
		a.logger.Warn("missing transaction id, using local", zap.Int("transaction_id", txID))
	}

	a.stMu.Lock()
	a.st.transactionID = txID
	a.st.txStart = start
	a.st.energyWh = 0
	a.stMu.Unlock()

	a.ring.Appendf("Charging started (price: $%.2f, id_tag: %s)", price, idTag)
	_ = a.sendStatus(ctx, protocol.ConnectorCharging)

	reason := a.meterLoop(ctx, txID, start)
	if reason == "" {
		if id, _, _ := a.sessionSnapshot(); id != 0 {
			a.ring.Appendf("Connection lost, transaction %d preserved", id)
		}
		return
	}
	a.finishTransaction(ctx, reason)
}

// resumeChargingSession picks up a transaction that outlived its socket:
// metering continues under the same transaction id with the accumulated
// energy, and no new StartTransaction is sent.
func (a *Agent) resumeChargingSession(ctx context.Context, txID int, txStart time.Time) {
	a.ring.Appendf("Resuming transaction %d after reconnect", txID)
	_ = a.sendStatus(ctx, protocol.ConnectorCharging)

	reason := a.meterLoop(ctx, txID, txStart)
	if reason == "" {
		a.ring.Appendf("Connection lost, transaction %d preserved", txID)
		return
	}
	a.finishTransaction(ctx, reason)
}

// meterLoop emits MeterValues every sample interval. An active OCPP profile
// cap takes absolute precedence over the legacy policy; without one the
// policy engine decides, with a soft peak-hour reduction.
func (a *Agent) meterLoop(ctx context.Context, txID int, txStart time.Time) string {
	samples := a.cfg.Profile.SamplesMin
	if spread := a.cfg.Profile.SamplesMax - a.cfg.Profile.SamplesMin; spread > 0 {
		samples += a.randIntN(spread + 1)
	}
	if samples <= 0 {
		samples = 1
	}
	maxWh := a.cfg.Profile.MaxEnergyKWh * 1000

	for i := 0; i < samples; i++ {
		interval := a.randDuration(a.cfg.Profile.SampleIntervalMin, a.cfg.Profile.SampleIntervalMax)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			// session died under the loop. An empty reason tells the caller
			// the transaction stays open; a deliberate Stop has already
			// claimed it through gracefulShutdown.
			timer.Stop()
			return ""
		case reason := <-a.stopRequest:
			timer.Stop()
			return reason
		case <-timer.C:
		}

		now := a.now()
		base := float64(a.cfg.Profile.EnergyStepMinWh)
		if spread := a.cfg.Profile.EnergyStepMaxWh - a.cfg.Profile.EnergyStepMinWh; spread > 0 {
			base += float64(a.randIntN(spread + 1))
		}

		step := base
		capW, capActive := a.profiles.CurrentLimit(a.cfg.ConnectorID, txID, txStart, now)
		if capActive {
			maxStep := capW * interval.Seconds() / 3600
			if maxStep < step {
				step = maxStep
				a.logger.Info("ocpp profile limiting charge",
					zap.Float64("limit_w", capW),
					zap.Float64("base_wh", base),
					zap.Float64("step_wh", step))
				a.ring.Appendf("OCPP limit: %.0fW → %.0fWh this interval", capW, step)
			}
			a.setControlMode(ControlModeOCPP, capW)
		} else {
			a.setControlMode(ControlModePolicy, 0)

			_, _, energyWh := a.sessionSnapshot()
			hour := now.UTC().Hour()
			decision := policy.EvaluateMeterTick(
				policy.State{EnergyKWh: energyWh / 1000, Charging: true, SessionActive: true},
				a.cfg.Profile.PolicyRules(),
				policy.Env{Price: a.Price(), Hour: hour},
				energyWh, maxWh)
			if decision.Action == policy.ActionStop {
				a.logger.Info("policy stopping session", zap.String("reason", decision.Reason))
				a.ring.Appendf("%s - stopping", decision.Reason)
				return protocol.ReasonLocal
			}
			if policy.IsPeakHour(hour, a.cfg.Profile.PeakHours) && a.cfg.Profile.AllowPeak {
				step = math.Max(base/2, 10)
			}
		}

		a.stMu.Lock()
		a.st.energyWh = math.Min(a.st.energyWh+step, maxWh)
		a.st.lastStepWh = step
		a.st.lastInterval = interval
		energyWh := a.st.energyWh
		a.stMu.Unlock()

		a.sendMeterValues(ctx, txID, energyWh, step, interval)

		if energyWh >= maxWh {
			return protocol.ReasonLocal
		}
	}
	return protocol.ReasonLocal
}

// sendMeterValues is best effort: a failed sample is logged, never fatal to
// the session.
func (a *Agent) sendMeterValues(ctx context.Context, txID int, energyWh, stepWh float64, interval time.Duration) {
	powerW := 0.0
	if interval > 0 {
		powerW = stepWh * 3600 / interval.Seconds()
	}

	req := protocol.MeterValuesRequest{
		ConnectorID:   a.cfg.ConnectorID,
		TransactionID: &txID,
		MeterValue: []protocol.MeterValue{{
			Timestamp: protocol.NewDateTime(a.now().UTC()),
			SampledValue: []protocol.SampledValue{
				{
					Value:     strconv.Itoa(int(energyWh)),
					Measurand: protocol.MeasurandEnergyActiveImportRegister,
					Unit:      protocol.UnitWh,
				},
				{
					Value:     strconv.FormatFloat(powerW, 'f', 1, 64),
					Measurand: protocol.MeasurandPowerActiveImport,
					Unit:      protocol.UnitW,
				},
			},
		}},
	}
	if _, err := a.call(ctx, protocol.ActionMeterValues, req); err != nil {
		a.logger.Warn("meter values failed", zap.Error(err))
	}
}

// finishTransaction atomically claims and closes the active transaction, so
// the normal session path and graceful shutdown never both send a
// StopTransaction.
func (a *Agent) finishTransaction(ctx context.Context, reason string) {
	a.stMu.Lock()
	txID := a.st.transactionID
	energyWh := a.st.energyWh
	a.st.transactionID = 0
	a.st.txStart = time.Time{}
	a.st.lastStepWh = 0
	a.st.controlMode = ControlModePolicy
	a.st.ocppLimitW = 0
	a.stMu.Unlock()

	if txID == 0 {
		return
	}

	_, err := a.call(ctx, protocol.ActionStopTransaction, protocol.StopTransactionRequest{
		TransactionID: txID,
		MeterStop:     int(energyWh),
		Timestamp:     protocol.NewDateTime(a.now().UTC()),
		Reason:        reason,
	})
	if err != nil {
		a.logger.Warn("stop transaction failed", zap.Error(err))
	}
	a.ring.Appendf("Charging stopped (%.2f kWh delivered)", energyWh/1000)

	_ = a.sendStatus(ctx, protocol.ConnectorFinishing)
	_ = a.sendStatus(ctx, protocol.ConnectorAvailable)
}

func (a *Agent) setControlMode(mode string, limitW float64) {
	a.stMu.Lock()
	a.st.controlMode = mode
	a.st.ocppLimitW = limitW
	a.stMu.Unlock()
}
