package protocol

// BootNotificationRequest announces a charge point to the CSMS.
type BootNotificationRequest struct {
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	ChargeBoxSerialNumber   string `json:"chargeBoxSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
}

// BootNotificationResponse carries the registration verdict and the
// heartbeat interval the station should adopt.
type BootNotificationResponse struct {
	CurrentTime DateTime `json:"currentTime"`
	Interval    int      `json:"interval"`
	Status      string   `json:"status"`
}

// HeartbeatRequest is empty.
type HeartbeatRequest struct{}

// HeartbeatResponse returns server time.
type HeartbeatResponse struct {
	CurrentTime DateTime `json:"currentTime"`
}

// StatusNotificationRequest reports a connector status change.
type StatusNotificationRequest struct {
	ConnectorID int       `json:"connectorId"`
	ErrorCode   string    `json:"errorCode"`
	Status      string    `json:"status"`
	Info        string    `json:"info,omitempty"`
	Timestamp   *DateTime `json:"timestamp,omitempty"`
	VendorID    string    `json:"vendorId,omitempty"`
}

// StatusNotificationResponse is empty (ack).
type StatusNotificationResponse struct{}

// AuthorizeRequest asks the CSMS to vet an id tag.
type AuthorizeRequest struct {
	IdTag string `json:"idTag"`
}

// AuthorizeResponse returns the verdict.
type AuthorizeResponse struct {
	IdTagInfo IdTagInfo `json:"idTagInfo"`
}

// StartTransactionRequest opens a transaction.
type StartTransactionRequest struct {
	ConnectorID   int      `json:"connectorId"`
	IdTag         string   `json:"idTag"`
	MeterStart    int      `json:"meterStart"`
	ReservationID *int     `json:"reservationId,omitempty"`
	Timestamp     DateTime `json:"timestamp"`
}

// StartTransactionResponse returns the allocated transaction id.
type StartTransactionResponse struct {
	IdTagInfo     IdTagInfo `json:"idTagInfo"`
	TransactionID int       `json:"transactionId"`
}

// MeterValuesRequest ships periodic meter readings.
type MeterValuesRequest struct {
	ConnectorID   int          `json:"connectorId"`
	TransactionID *int         `json:"transactionId,omitempty"`
	MeterValue    []MeterValue `json:"meterValue"`
}

// MeterValuesResponse is empty (ack).
type MeterValuesResponse struct{}

// StopTransactionRequest closes a transaction.
type StopTransactionRequest struct {
	TransactionID   int          `json:"transactionId"`
	IdTag           string       `json:"idTag,omitempty"`
	MeterStop       int          `json:"meterStop"`
	Timestamp       DateTime     `json:"timestamp"`
	Reason          string       `json:"reason,omitempty"`
	TransactionData []MeterValue `json:"transactionData,omitempty"`
}

// StopTransactionResponse may carry an updated id tag verdict.
type StopTransactionResponse struct {
	IdTagInfo *IdTagInfo `json:"idTagInfo,omitempty"`
}

// SetChargingProfileRequest installs a charging profile on a connector
// (connector 0 addresses the whole charge point).
type SetChargingProfileRequest struct {
	ConnectorID        int             `json:"connectorId"`
	CsChargingProfiles ChargingProfile `json:"csChargingProfiles"`
}

// SetChargingProfileResponse returns Accepted or Rejected.
type SetChargingProfileResponse struct {
	Status string `json:"status"`
}

// GetCompositeScheduleRequest asks for the aggregate limit curve.
type GetCompositeScheduleRequest struct {
	ConnectorID      int    `json:"connectorId"`
	Duration         int    `json:"duration"`
	ChargingRateUnit string `json:"chargingRateUnit,omitempty"`
}

// GetCompositeScheduleResponse returns the merged schedule when accepted.
type GetCompositeScheduleResponse struct {
	Status           string            `json:"status"`
	ConnectorID      *int              `json:"connectorId,omitempty"`
	ScheduleStart    *DateTime         `json:"scheduleStart,omitempty"`
	ChargingSchedule *ChargingSchedule `json:"chargingSchedule,omitempty"`
}

// ClearChargingProfileRequest removes profiles matching every supplied filter.
type ClearChargingProfileRequest struct {
	ID                     *int   `json:"id,omitempty"`
	ConnectorID            *int   `json:"connectorId,omitempty"`
	ChargingProfilePurpose string `json:"chargingProfilePurpose,omitempty"`
	StackLevel             *int   `json:"stackLevel,omitempty"`
}

// ClearChargingProfileResponse returns Accepted when at least one profile
// was removed, Unknown otherwise.
type ClearChargingProfileResponse struct {
	Status string `json:"status"`
}

// ResetRequest asks the station to restart.
type ResetRequest struct {
	Type string `json:"type"`
}

// ResetResponse acknowledges the reset.
type ResetResponse struct {
	Status string `json:"status"`
}

// ChangeAvailabilityRequest toggles a connector in or out of service.
type ChangeAvailabilityRequest struct {
	ConnectorID int    `json:"connectorId"`
	Type        string `json:"type"`
}

// ChangeAvailabilityResponse returns Accepted, Rejected, or Scheduled.
type ChangeAvailabilityResponse struct {
	Status string `json:"status"`
}

// TriggerMessageRequest asks the station to emit a specific message.
type TriggerMessageRequest struct {
	RequestedMessage string `json:"requestedMessage"`
	ConnectorID      *int   `json:"connectorId,omitempty"`
}

// TriggerMessageResponse acknowledges the trigger.
type TriggerMessageResponse struct {
	Status string `json:"status"`
}

// RemoteStartTransactionRequest asks the station to begin a session.
type RemoteStartTransactionRequest struct {
	ConnectorID     *int             `json:"connectorId,omitempty"`
	IdTag           string           `json:"idTag"`
	ChargingProfile *ChargingProfile `json:"chargingProfile,omitempty"`
}

// RemoteStartTransactionResponse acknowledges the remote start.
type RemoteStartTransactionResponse struct {
	Status string `json:"status"`
}

// RemoteStopTransactionRequest asks the station to end a transaction.
type RemoteStopTransactionRequest struct {
	TransactionID int `json:"transactionId"`
}

// RemoteStopTransactionResponse acknowledges the remote stop.
type RemoteStopTransactionResponse struct {
	Status string `json:"status"`
}
