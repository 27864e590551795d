package protocol

// Charge point to CSMS actions.
const (
	ActionBootNotification   = "BootNotification"
	ActionHeartbeat          = "Heartbeat"
	ActionStatusNotification = "StatusNotification"
	ActionAuthorize          = "Authorize"
	ActionStartTransaction   = "StartTransaction"
	ActionMeterValues        = "MeterValues"
	ActionStopTransaction    = "StopTransaction"
)

// CSMS to charge point actions.
const (
	ActionSetChargingProfile     = "SetChargingProfile"
	ActionGetCompositeSchedule   = "GetCompositeSchedule"
	ActionClearChargingProfile   = "ClearChargingProfile"
	ActionReset                  = "Reset"
	ActionChangeAvailability     = "ChangeAvailability"
	ActionTriggerMessage         = "TriggerMessage"
	ActionRemoteStartTransaction = "RemoteStartTransaction"
	ActionRemoteStopTransaction  = "RemoteStopTransaction"
)

// Registration status values.
const (
	RegistrationAccepted = "Accepted"
	RegistrationPending  = "Pending"
	RegistrationRejected = "Rejected"
)

// Authorization status values.
const (
	AuthorizationAccepted     = "Accepted"
	AuthorizationBlocked      = "Blocked"
	AuthorizationExpired      = "Expired"
	AuthorizationInvalid      = "Invalid"
	AuthorizationConcurrentTx = "ConcurrentTx"
)

// Connector status values for StatusNotification.
const (
	ConnectorAvailable   = "Available"
	ConnectorPreparing   = "Preparing"
	ConnectorCharging    = "Charging"
	ConnectorFinishing   = "Finishing"
	ConnectorFaulted     = "Faulted"
	ConnectorUnavailable = "Unavailable"
	ConnectorReserved    = "Reserved"
)

// StatusNotification error codes (subset).
const (
	ErrorCodeNoError = "NoError"
)

// StopTransaction reasons.
const (
	ReasonLocal     = "Local"
	ReasonRemote    = "Remote"
	ReasonHardReset = "HardReset"
	ReasonSoftReset = "SoftReset"
	ReasonPowerLoss = "PowerLoss"
)

// Charging profile purposes, in increasing priority.
const (
	PurposeChargePointMax = "ChargePointMaxProfile"
	PurposeTxDefault      = "TxDefaultProfile"
	PurposeTx             = "TxProfile"
)

// Charging profile kinds.
const (
	KindAbsolute  = "Absolute"
	KindRecurring = "Recurring"
	KindRelative  = "Relative"
)

// Recurrency kinds.
const (
	RecurrencyDaily  = "Daily"
	RecurrencyWeekly = "Weekly"
)

// Charging rate units.
const (
	UnitWatts = "W"
	UnitAmps  = "A"
)

// Generic request statuses shared by several confirmations.
const (
	StatusAccepted       = "Accepted"
	StatusRejected       = "Rejected"
	StatusScheduled      = "Scheduled"
	StatusUnknown        = "Unknown"
	StatusNotSupported   = "NotSupported"
	StatusNotImplemented = "NotImplemented"
)

// Reset types.
const (
	ResetHard = "Hard"
	ResetSoft = "Soft"
)

// ChangeAvailability types.
const (
	AvailabilityOperative   = "Operative"
	AvailabilityInoperative = "Inoperative"
)

// Measurands and units used by MeterValues.
const (
	MeasurandEnergyActiveImportRegister = "Energy.Active.Import.Register"
	MeasurandPowerActiveImport          = "Power.Active.Import"
	UnitWh                              = "Wh"
	UnitW                               = "W"
)
