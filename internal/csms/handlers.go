package csms

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"voltfleet/internal/ocpp"
	"voltfleet/internal/ocpp/protocol"
	"voltfleet/internal/storage"
)

func (b *Backend) registerHandlers() {
	b.router.Register(protocol.ActionBootNotification, b.handleBootNotification)
	b.router.Register(protocol.ActionHeartbeat, b.handleHeartbeat)
	b.router.Register(protocol.ActionAuthorize, b.handleAuthorize)
	b.router.Register(protocol.ActionStartTransaction, b.handleStartTransaction)
	b.router.Register(protocol.ActionMeterValues, b.handleMeterValues)
	b.router.Register(protocol.ActionStopTransaction, b.handleStopTransaction)
	b.router.Register(protocol.ActionStatusNotification, b.handleStatusNotification)
}

func (b *Backend) handleBootNotification(_ context.Context, stationID string, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.BootNotificationRequest](payload)
	if err != nil {
		return nil, err
	}
	b.logger.Info("boot notification",
		zap.String("station_id", stationID),
		zap.String("vendor", req.ChargePointVendor),
		zap.String("model", req.ChargePointModel))

	return protocol.BootNotificationResponse{
		CurrentTime: protocol.NewDateTime(b.now().UTC()),
		Interval:    int(b.cfg.HeartbeatInterval.Seconds()),
		Status:      protocol.RegistrationAccepted,
	}, nil
}

func (b *Backend) handleHeartbeat(_ context.Context, _ string, _ json.RawMessage) (interface{}, error) {
	return protocol.HeartbeatResponse{CurrentTime: protocol.NewDateTime(b.now().UTC())}, nil
}

func (b *Backend) handleAuthorize(_ context.Context, stationID string, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.AuthorizeRequest](payload)
	if err != nil {
		return nil, err
	}

	status := protocol.AuthorizationAccepted
	if _, blocked := b.blocked[req.IdTag]; blocked {
		status = protocol.AuthorizationBlocked
		b.logger.Warn("blocked id tag",
			zap.String("station_id", stationID),
			zap.String("id_tag", req.IdTag))
	}
	return protocol.AuthorizeResponse{IdTagInfo: protocol.IdTagInfo{Status: status}}, nil
}

func (b *Backend) handleStartTransaction(_ context.Context, stationID string, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.StartTransactionRequest](payload)
	if err != nil {
		return nil, err
	}

	txID := int(b.nextTx.Add(1))
	startedAt := req.Timestamp.Time
	if startedAt.IsZero() {
		startedAt = b.now().UTC()
	}

	b.txMu.Lock()
	b.open[txID] = &openTransaction{
		stationID:   stationID,
		connectorID: req.ConnectorID,
		idTag:       req.IdTag,
		meterStart:  req.MeterStart,
		startedAt:   startedAt,
	}
	b.txMu.Unlock()

	b.logger.Info("transaction started",
		zap.String("station_id", stationID),
		zap.Int("transaction_id", txID),
		zap.String("id_tag", req.IdTag))

	return protocol.StartTransactionResponse{
		IdTagInfo:     protocol.IdTagInfo{Status: protocol.AuthorizationAccepted},
		TransactionID: txID,
	}, nil
}

func (b *Backend) handleMeterValues(_ context.Context, stationID string, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.MeterValuesRequest](payload)
	if err != nil {
		return nil, err
	}

	lastWh, samples := -1, 0
	for _, mv := range req.MeterValue {
		for _, sv := range mv.SampledValue {
			if sv.Measurand != "" && sv.Measurand != protocol.MeasurandEnergyActiveImportRegister {
				continue
			}
			if wh, err := strconv.ParseFloat(sv.Value, 64); err == nil {
				lastWh = int(wh)
			}
		}
		samples++
	}

	b.stateMu.Lock()
	agg := b.meters[stationID]
	if agg == nil {
		agg = &MeterAggregate{}
		b.meters[stationID] = agg
	}
	agg.Samples += samples
	if lastWh >= 0 {
		agg.LastWh = lastWh
	}
	b.stateMu.Unlock()

	return protocol.MeterValuesResponse{}, nil
}

func (b *Backend) handleStopTransaction(_ context.Context, stationID string, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.StopTransactionRequest](payload)
	if err != nil {
		return nil, err
	}

	b.txMu.Lock()
	open := b.open[req.TransactionID]
	delete(b.open, req.TransactionID)
	b.txMu.Unlock()

	record := storage.Transaction{
		ID:        req.TransactionID,
		StationID: stationID,
		MeterStop: req.MeterStop,
		StoppedAt: b.now().UTC(),
		Reason:    req.Reason,
	}
	if !req.Timestamp.Time.IsZero() {
		record.StoppedAt = req.Timestamp.Time
	}
	if open != nil {
		record.ConnectorID = open.connectorID
		record.IDTag = open.idTag
		record.MeterStart = open.meterStart
		record.StartedAt = open.startedAt
	} else {
		b.logger.Warn("stop for unknown transaction",
			zap.String("station_id", stationID),
			zap.Int("transaction_id", req.TransactionID))
	}

	// persisted off the read pump; a slow store must not stall the
	// station's inbound processing
	go func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.store.SaveTransaction(saveCtx, record); err != nil {
			b.logger.Error("failed to persist transaction",
				zap.Int("transaction_id", req.TransactionID), zap.Error(err))
		}
	}()

	b.logger.Info("transaction stopped",
		zap.String("station_id", stationID),
		zap.Int("transaction_id", req.TransactionID),
		zap.Int("energy_wh", record.EnergyWh()),
		zap.String("reason", req.Reason))

	return protocol.StopTransactionResponse{
		IdTagInfo: &protocol.IdTagInfo{Status: protocol.AuthorizationAccepted},
	}, nil
}

func (b *Backend) handleStatusNotification(_ context.Context, stationID string, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.StatusNotificationRequest](payload)
	if err != nil {
		return nil, err
	}

	b.stateMu.Lock()
	if b.statuses[stationID] == nil {
		b.statuses[stationID] = make(map[int]string)
	}
	b.statuses[stationID][req.ConnectorID] = req.Status
	b.stateMu.Unlock()

	b.logger.Debug("status notification",
		zap.String("station_id", stationID),
		zap.Int("connector_id", req.ConnectorID),
		zap.String("status", req.Status))

	return protocol.StatusNotificationResponse{}, nil
}
