package csms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voltfleet/internal/ocpp"
	"voltfleet/internal/ocpp/protocol"
	"voltfleet/internal/smartcharging"
	"voltfleet/internal/storage"
)

type testBackend struct {
	backend *Backend
	store   *storage.Memory
	srv     *httptest.Server
}

func newTestBackend(t *testing.T, cfg Config) *testBackend {
	t.Helper()
	store := storage.NewMemory(0)
	b := NewBackend(cfg, store, zap.NewNop())
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	return &testBackend{backend: b, store: store, srv: srv}
}

func newTestBackendWithStore(t *testing.T, cfg Config, store storage.Store) *testBackend {
	t.Helper()
	b := NewBackend(cfg, store, zap.NewNop())
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	return &testBackend{backend: b, srv: srv}
}

// gatedStore holds every SaveTransaction until released, standing in for a
// stalled database.
type gatedStore struct {
	*storage.Memory
	release chan struct{}
}

func (s *gatedStore) SaveTransaction(ctx context.Context, tx storage.Transaction) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Memory.SaveTransaction(ctx, tx)
}

func (tb *testBackend) wsURL(stationID string) string {
	return "ws" + strings.TrimPrefix(tb.srv.URL, "http") + "/ocpp/" + stationID
}

// fakeStation is a raw OCPP client: it answers server-originated calls from
// a canned response table and matches replies to its own calls by id.
type fakeStation struct {
	t    *testing.T
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	responses map[string]interface{}
	replies   map[string]chan json.RawMessage
	errs      map[string]chan string
	nextID    int
	closeCode int
	serverGot []string

	done chan struct{}
}

func dialStation(t *testing.T, tb *testBackend, stationID string) (*fakeStation, error) {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: []string{"ocpp1.6"}}
	conn, resp, err := dialer.Dial(tb.wsURL(stationID), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}

	f := &fakeStation{
		t:    t,
		conn: conn,
		responses: map[string]interface{}{
			"SetChargingProfile":   protocol.SetChargingProfileResponse{Status: protocol.StatusAccepted},
			"ClearChargingProfile": protocol.ClearChargingProfileResponse{Status: protocol.StatusAccepted},
		},
		replies:   make(map[string]chan json.RawMessage),
		errs:      make(map[string]chan string),
		closeCode: -1,
		done:      make(chan struct{}),
	}
	t.Cleanup(func() { _ = conn.Close() })
	go f.readLoop()
	return f, nil
}

func (f *fakeStation) readLoop() {
	defer close(f.done)
	for {
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				f.mu.Lock()
				f.closeCode = closeErr.Code
				f.mu.Unlock()
			}
			return
		}

		var frame []json.RawMessage
		if json.Unmarshal(data, &frame) != nil || len(frame) < 3 {
			continue
		}
		var msgType int
		_ = json.Unmarshal(frame[0], &msgType)
		var id string
		_ = json.Unmarshal(frame[1], &id)

		switch msgType {
		case 2:
			var action string
			_ = json.Unmarshal(frame[2], &action)
			f.mu.Lock()
			f.serverGot = append(f.serverGot, action)
			resp, ok := f.responses[action]
			f.mu.Unlock()
			if !ok {
				resp = map[string]interface{}{}
			}
			reply, _ := json.Marshal([]interface{}{3, id, resp})
			f.write(reply)
		case 3:
			f.mu.Lock()
			ch := f.replies[id]
			delete(f.replies, id)
			f.mu.Unlock()
			if ch != nil {
				ch <- frame[2]
			}
		case 4:
			var code string
			_ = json.Unmarshal(frame[2], &code)
			f.mu.Lock()
			ch := f.errs[id]
			delete(f.errs, id)
			f.mu.Unlock()
			if ch != nil {
				ch <- code
			}
		}
	}
}

func (f *fakeStation) write(frame []byte) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = f.conn.WriteMessage(websocket.TextMessage, frame)
}

// call sends a station-originated CALL and waits for the CALLRESULT.
func (f *fakeStation) call(action string, payload interface{}) json.RawMessage {
	f.t.Helper()

	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("st-%d", f.nextID)
	ch := make(chan json.RawMessage, 1)
	f.replies[id] = ch
	f.mu.Unlock()

	frame, err := json.Marshal([]interface{}{2, id, action, payload})
	if err != nil {
		f.t.Fatalf("marshal %s: %v", action, err)
	}
	f.write(frame)

	select {
	case resp := <-ch:
		return resp
	case <-time.After(2 * time.Second):
		f.t.Fatalf("no reply to %s within 2s", action)
		return nil
	}
}

func (f *fakeStation) lastCloseCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeStation) serverActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.serverGot))
	copy(out, f.serverGot)
	return out
}

func TestBootHeartbeatAuthorize(t *testing.T) {
	tb := newTestBackend(t, Config{BlockedIDTags: []string{"STOLEN1"}})
	f, err := dialStation(t, tb, "PY-SIM-0001")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var boot protocol.BootNotificationResponse
	raw := f.call("BootNotification", protocol.BootNotificationRequest{
		ChargePointVendor: "VoltFleet-Vendor",
		ChargePointModel:  "VoltFleet-Model",
	})
	if err := json.Unmarshal(raw, &boot); err != nil {
		t.Fatalf("decode boot: %v", err)
	}
	if boot.Status != protocol.RegistrationAccepted {
		t.Errorf("expected Accepted boot, got %s", boot.Status)
	}
	if boot.Interval != 60 {
		t.Errorf("expected default interval 60, got %d", boot.Interval)
	}

	var hb protocol.HeartbeatResponse
	if err := json.Unmarshal(f.call("Heartbeat", protocol.HeartbeatRequest{}), &hb); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if hb.CurrentTime.Time.IsZero() {
		t.Errorf("heartbeat missing current time")
	}

	var auth protocol.AuthorizeResponse
	if err := json.Unmarshal(f.call("Authorize", protocol.AuthorizeRequest{IdTag: "TAG001"}), &auth); err != nil {
		t.Fatalf("decode authorize: %v", err)
	}
	if auth.IdTagInfo.Status != protocol.AuthorizationAccepted {
		t.Errorf("expected Accepted, got %s", auth.IdTagInfo.Status)
	}

	if err := json.Unmarshal(f.call("Authorize", protocol.AuthorizeRequest{IdTag: "STOLEN1"}), &auth); err != nil {
		t.Fatalf("decode blocked authorize: %v", err)
	}
	if auth.IdTagInfo.Status != protocol.AuthorizationBlocked {
		t.Errorf("expected Blocked for blocklisted tag, got %s", auth.IdTagInfo.Status)
	}
}

func TestTransactionLifecyclePersists(t *testing.T) {
	tb := newTestBackend(t, Config{})
	f, err := dialStation(t, tb, "PY-SIM-0002")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	start := protocol.NewDateTime(time.Now().UTC().Add(-time.Minute))
	var startResp protocol.StartTransactionResponse
	raw := f.call("StartTransaction", protocol.StartTransactionRequest{
		ConnectorID: 1, IdTag: "TAG001", MeterStart: 0, Timestamp: start,
	})
	if err := json.Unmarshal(raw, &startResp); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	if startResp.TransactionID != 1 {
		t.Errorf("expected first transaction id 1, got %d", startResp.TransactionID)
	}

	txID := startResp.TransactionID
	f.call("MeterValues", protocol.MeterValuesRequest{
		ConnectorID:   1,
		TransactionID: &txID,
		MeterValue: []protocol.MeterValue{{
			Timestamp: protocol.NewDateTime(time.Now().UTC()),
			SampledValue: []protocol.SampledValue{{
				Value:     "450",
				Measurand: protocol.MeasurandEnergyActiveImportRegister,
				Unit:      protocol.UnitWh,
			}},
		}},
	})

	agg, ok := tb.backend.Meters("PY-SIM-0002")
	if !ok || agg.LastWh != 450 || agg.Samples != 1 {
		t.Errorf("unexpected meter aggregate: %+v (ok %v)", agg, ok)
	}

	f.call("StopTransaction", protocol.StopTransactionRequest{
		TransactionID: txID,
		MeterStop:     450,
		Timestamp:     protocol.NewDateTime(time.Now().UTC()),
		Reason:        protocol.ReasonLocal,
	})

	// persistence runs off the read pump, so poll for the record
	waitFor(t, 2*time.Second, func() bool {
		records, err := tb.store.ListTransactions(context.Background(), storage.Filter{})
		return err == nil && len(records) == 1
	})
	records, err := tb.store.ListTransactions(context.Background(), storage.Filter{})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	rec := records[0]
	if rec.ID != txID || rec.StationID != "PY-SIM-0002" || rec.IDTag != "TAG001" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.EnergyWh() != 450 {
		t.Errorf("expected 450 Wh, got %d", rec.EnergyWh())
	}
	if rec.Reason != protocol.ReasonLocal {
		t.Errorf("expected Local reason, got %s", rec.Reason)
	}

	// transaction ids increase monotonically
	raw = f.call("StartTransaction", protocol.StartTransactionRequest{
		ConnectorID: 1, IdTag: "TAG001", Timestamp: protocol.NewDateTime(time.Now().UTC()),
	})
	if err := json.Unmarshal(raw, &startResp); err != nil {
		t.Fatalf("decode second start: %v", err)
	}
	if startResp.TransactionID != 2 {
		t.Errorf("expected transaction id 2, got %d", startResp.TransactionID)
	}
}

func TestStopTransactionRepliesWhileStoreIsStalled(t *testing.T) {
	store := &gatedStore{Memory: storage.NewMemory(0), release: make(chan struct{})}
	tb := newTestBackendWithStore(t, Config{}, store)
	f, err := dialStation(t, tb, "PY-SIM-0010")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var startResp protocol.StartTransactionResponse
	raw := f.call("StartTransaction", protocol.StartTransactionRequest{
		ConnectorID: 1, IdTag: "TAG001", Timestamp: protocol.NewDateTime(time.Now().UTC()),
	})
	if err := json.Unmarshal(raw, &startResp); err != nil {
		t.Fatalf("decode start: %v", err)
	}

	// the store is blocked, yet the stop must be acknowledged promptly
	var stopResp protocol.StopTransactionResponse
	raw = f.call("StopTransaction", protocol.StopTransactionRequest{
		TransactionID: startResp.TransactionID,
		MeterStop:     300,
		Timestamp:     protocol.NewDateTime(time.Now().UTC()),
		Reason:        protocol.ReasonLocal,
	})
	if err := json.Unmarshal(raw, &stopResp); err != nil {
		t.Fatalf("decode stop: %v", err)
	}
	if stopResp.IdTagInfo == nil || stopResp.IdTagInfo.Status != protocol.AuthorizationAccepted {
		t.Errorf("unexpected stop response: %s", raw)
	}

	// the session keeps serving other calls during the stalled write
	var hb protocol.HeartbeatResponse
	if err := json.Unmarshal(f.call("Heartbeat", protocol.HeartbeatRequest{}), &hb); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}

	records, err := store.Memory.ListTransactions(context.Background(), storage.Filter{})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records before release, got %d", len(records))
	}

	close(store.release)
	waitFor(t, 2*time.Second, func() bool {
		records, err := store.Memory.ListTransactions(context.Background(), storage.Filter{})
		return err == nil && len(records) == 1
	})
}

func TestStatusNotificationRecorded(t *testing.T) {
	tb := newTestBackend(t, Config{})
	f, err := dialStation(t, tb, "PY-SIM-0003")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	ts := protocol.NewDateTime(time.Now().UTC())
	f.call("StatusNotification", protocol.StatusNotificationRequest{
		ConnectorID: 1,
		ErrorCode:   protocol.ErrorCodeNoError,
		Status:      protocol.ConnectorCharging,
		Timestamp:   &ts,
	})

	statuses := tb.backend.ConnectorStatuses("PY-SIM-0003")
	if statuses[1] != protocol.ConnectorCharging {
		t.Errorf("expected Charging recorded, got %q", statuses[1])
	}
}

func TestDuplicateStationRefused(t *testing.T) {
	tb := newTestBackend(t, Config{})
	if _, err := dialStation(t, tb, "PY-SIM-0004"); err != nil {
		t.Fatalf("first dial: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return tb.backend.registry.Len() == 1 })

	_, err := dialStation(t, tb, "PY-SIM-0004")
	if err == nil {
		t.Fatalf("expected second dial to fail")
	}
	if !strings.Contains(err.Error(), "409") {
		t.Errorf("expected 409 conflict, got %v", err)
	}
}

func TestAllowReplaceClosesOldSession(t *testing.T) {
	tb := newTestBackend(t, Config{AllowReplace: true})
	first, err := dialStation(t, tb, "PY-SIM-0005")
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return tb.backend.registry.Len() == 1 })

	second, err := dialStation(t, tb, "PY-SIM-0005")
	if err != nil {
		t.Fatalf("replacement dial: %v", err)
	}

	select {
	case <-first.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("old session not closed")
	}
	if code := first.lastCloseCode(); code != websocket.ClosePolicyViolation {
		t.Errorf("expected close code 1008, got %d", code)
	}

	// the new session answers calls
	var boot protocol.BootNotificationResponse
	raw := second.call("BootNotification", protocol.BootNotificationRequest{ChargePointVendor: "v", ChargePointModel: "m"})
	if err := json.Unmarshal(raw, &boot); err != nil || boot.Status != protocol.RegistrationAccepted {
		t.Errorf("replacement session not serving: %s (err %v)", raw, err)
	}
}

func TestSendChargingProfileRoundTrip(t *testing.T) {
	tb := newTestBackend(t, Config{})
	f, err := dialStation(t, tb, "PY-SIM-0006")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	status, err := tb.backend.SendChargingProfile(context.Background(), "PY-SIM-0006", 0,
		PeakShavingProfile(1, 22000))
	if err != nil {
		t.Fatalf("send charging profile: %v", err)
	}
	if status != protocol.StatusAccepted {
		t.Errorf("expected Accepted, got %s", status)
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, action := range f.serverActions() {
			if action == "SetChargingProfile" {
				return true
			}
		}
		return false
	})

	status, err = tb.backend.ClearChargingProfile(context.Background(), "PY-SIM-0006",
		protocol.ClearChargingProfileRequest{})
	if err != nil {
		t.Fatalf("clear charging profile: %v", err)
	}
	if status != protocol.StatusAccepted {
		t.Errorf("expected Accepted clear, got %s", status)
	}
}

func TestSendChargingProfileValidatesFirst(t *testing.T) {
	tb := newTestBackend(t, Config{})
	if _, err := dialStation(t, tb, "PY-SIM-0007"); err != nil {
		t.Fatalf("dial: %v", err)
	}

	bad := PeakShavingProfile(1, 22000)
	bad.ChargingSchedule.ChargingSchedulePeriod = nil

	_, err := tb.backend.SendChargingProfile(context.Background(), "PY-SIM-0007", 0, bad)
	var verr *smartcharging.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCallToUnknownStation(t *testing.T) {
	tb := newTestBackend(t, Config{})
	_, err := tb.backend.GetCompositeSchedule(context.Background(), "nope", 1, 600, "")
	if !errors.Is(err, ocpp.ErrStationDisconnected) {
		t.Fatalf("expected ErrStationDisconnected, got %v", err)
	}
}

func TestDropStation(t *testing.T) {
	tb := newTestBackend(t, Config{})
	f, err := dialStation(t, tb, "PY-SIM-0008")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if !tb.backend.DropStation("PY-SIM-0008") {
		t.Fatalf("expected drop to find the station")
	}
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("session not closed after drop")
	}

	waitFor(t, 2*time.Second, func() bool { return tb.backend.registry.Len() == 0 })
	if tb.backend.DropStation("PY-SIM-0008") {
		t.Errorf("expected drop of disconnected station to report false")
	}
}

func TestMalformedFrameClosesSession(t *testing.T) {
	tb := newTestBackend(t, Config{})
	f, err := dialStation(t, tb, "PY-SIM-0009")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	f.write([]byte("not an ocpp frame"))

	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("session not closed after malformed frame")
	}
	if code := f.lastCloseCode(); code != websocket.CloseProtocolError {
		t.Errorf("expected close code 1002, got %d", code)
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
