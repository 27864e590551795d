package station

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voltfleet/internal/ocpp/protocol"
)

// fakeCSMS is a minimal central system: it accepts stations on /ocpp/{id},
// answers every station call with a canned response, and lets tests send
// server-originated calls.
type fakeCSMS struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	bootStatus string
	authStatus string
	interval   int

	writeMu sync.Mutex

	mu        sync.Mutex
	byStation map[string]*websocket.Conn
	connCount int
	actions   []string
	requests  map[string][]json.RawMessage
	replies   map[string]chan json.RawMessage
	nextTx    int
	nextMsg   int
}

func newFakeCSMS(t *testing.T) *fakeCSMS {
	f := &fakeCSMS{
		t:          t,
		upgrader:   websocket.Upgrader{Subprotocols: []string{"ocpp1.6"}},
		bootStatus: "Accepted",
		authStatus: "Accepted",
		interval:   3600,
		byStation:  make(map[string]*websocket.Conn),
		requests:   make(map[string][]json.RawMessage),
		replies:    make(map[string]chan json.RawMessage),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCSMS) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ocpp"
}

func (f *fakeCSMS) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	station := path.Base(r.URL.Path)

	f.mu.Lock()
	f.connCount++
	f.byStation[station] = conn
	f.mu.Unlock()

	go f.serve(conn)
}

func (f *fakeCSMS) serve(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
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
			var payload json.RawMessage
			if len(frame) > 3 {
				payload = frame[3]
			}
			f.record(action, payload)
			reply, _ := json.Marshal([]interface{}{3, id, f.respond(action)})
			f.write(conn, reply)
		case 3, 4:
			f.mu.Lock()
			ch := f.replies[id]
			delete(f.replies, id)
			f.mu.Unlock()
			if ch != nil {
				if msgType == 3 {
					ch <- frame[2]
				} else {
					ch <- nil
				}
			}
		}
	}
}

func (f *fakeCSMS) record(action string, payload json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	f.requests[action] = append(f.requests[action], payload)
}

func (f *fakeCSMS) respond(action string) interface{} {
	switch action {
	case "BootNotification":
		return map[string]interface{}{
			"status":      f.bootStatus,
			"currentTime": time.Now().UTC().Format(time.RFC3339),
			"interval":    f.interval,
		}
	case "Authorize":
		return map[string]interface{}{
			"idTagInfo": map[string]interface{}{"status": f.authStatus},
		}
	case "StartTransaction":
		f.mu.Lock()
		f.nextTx++
		tx := 1000 + f.nextTx
		f.mu.Unlock()
		return map[string]interface{}{
			"transactionId": tx,
			"idTagInfo":     map[string]interface{}{"status": "Accepted"},
		}
	case "StopTransaction":
		return map[string]interface{}{
			"idTagInfo": map[string]interface{}{"status": "Accepted"},
		}
	default:
		return map[string]interface{}{}
	}
}

func (f *fakeCSMS) write(conn *websocket.Conn, frame []byte) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, frame)
}

// send issues a server-originated CALL and waits for the station's reply.
// A CALLERROR reply is returned as nil.
func (f *fakeCSMS) send(station, action string, payload interface{}) json.RawMessage {
	f.t.Helper()

	f.mu.Lock()
	conn := f.byStation[station]
	f.nextMsg++
	id := fmt.Sprintf("srv-%d", f.nextMsg)
	ch := make(chan json.RawMessage, 1)
	f.replies[id] = ch
	f.mu.Unlock()

	if conn == nil {
		f.t.Fatalf("no connection for station %s", station)
	}

	frame, err := json.Marshal([]interface{}{2, id, action, payload})
	if err != nil {
		f.t.Fatalf("marshal %s call: %v", action, err)
	}
	f.write(conn, frame)

	select {
	case resp := <-ch:
		return resp
	case <-time.After(2 * time.Second):
		f.t.Fatalf("no reply to %s within 2s", action)
		return nil
	}
}

func (f *fakeCSMS) actionCount(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests[action])
}

func (f *fakeCSMS) lastRequest(action string) json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	reqs := f.requests[action]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

func (f *fakeCSMS) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connCount
}

// drop severs the station's connection from the server side.
func (f *fakeCSMS) drop(station string) {
	f.mu.Lock()
	conn := f.byStation[station]
	f.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (f *fakeCSMS) connFor(station string) *websocket.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byStation[station]
}

func fastProfile() Profile {
	return Profile{
		Name:               "test",
		HeartbeatInterval:  time.Hour,
		IdleMin:            10 * time.Millisecond,
		IdleMax:            20 * time.Millisecond,
		EnergyStepMinWh:    50,
		EnergyStepMaxWh:    60,
		SampleIntervalMin:  5 * time.Millisecond,
		SampleIntervalMax:  10 * time.Millisecond,
		SamplesMin:         2,
		SamplesMax:         3,
		EnableTransactions: true,
		IDTags:             []string{"TAG001"},
		ChargeIfPriceBelow: 100,
		MaxEnergyKWh:       30,
		AllowPeak:          true,
	}
}

// longSessionProfile keeps a transaction running long enough for tests to
// interact with it.
func longSessionProfile() Profile {
	p := fastProfile()
	p.SampleIntervalMin = 20 * time.Millisecond
	p.SampleIntervalMax = 30 * time.Millisecond
	p.SamplesMin = 200
	p.SamplesMax = 200
	return p
}

func newTestAgent(t *testing.T, f *fakeCSMS, id string, p Profile, price float64) *Agent {
	t.Helper()
	a := NewAgent(Config{
		ID:           id,
		CSMSURL:      f.url(),
		Profile:      p,
		Voltage:      230,
		CallTimeout:  2 * time.Second,
		BackoffBase:  10 * time.Millisecond,
		BackoffMax:   100 * time.Millisecond,
		BlockedRetry: 20 * time.Millisecond,
	}, price, zap.NewNop())
	t.Cleanup(a.Stop)
	return a
}

func hasLogEntry(a *Agent, substr string) bool {
	for _, entry := range a.Logs() {
		if strings.Contains(entry, substr) {
			return true
		}
	}
	return false
}

func TestAgentRunsFullSession(t *testing.T) {
	f := newFakeCSMS(t)
	a := newTestAgent(t, f, "TEST-0001", fastProfile(), 10)
	a.Start()

	waitFor(t, 5*time.Second, func() bool { return f.actionCount("StopTransaction") >= 1 })

	for _, action := range []string{
		"BootNotification", "StatusNotification", "Authorize",
		"StartTransaction", "MeterValues", "StopTransaction",
	} {
		if f.actionCount(action) == 0 {
			t.Errorf("expected at least one %s", action)
		}
	}

	var stop protocol.StopTransactionRequest
	if err := json.Unmarshal(f.lastRequest("StopTransaction"), &stop); err != nil {
		t.Fatalf("decode stop transaction: %v", err)
	}
	if stop.TransactionID == 0 {
		t.Errorf("stop transaction missing transaction id")
	}
	if stop.MeterStop <= 0 {
		t.Errorf("expected positive meter stop, got %d", stop.MeterStop)
	}

	if !hasLogEntry(a, "Charging started") || !hasLogEntry(a, "Charging stopped") {
		t.Errorf("session log entries missing: %v", a.Logs())
	}
}

func TestAgentBlocksOnHighPrice(t *testing.T) {
	f := newFakeCSMS(t)
	p := fastProfile()
	p.ChargeIfPriceBelow = 25
	a := newTestAgent(t, f, "TEST-0002", p, 50)
	a.Start()

	waitFor(t, 5*time.Second, func() bool { return hasLogEntry(a, "Price too high") })

	if n := f.actionCount("StartTransaction"); n != 0 {
		t.Errorf("expected no transactions while blocked, got %d", n)
	}
}

func TestAgentChargesAtThresholdPrice(t *testing.T) {
	f := newFakeCSMS(t)
	p := fastProfile()
	p.ChargeIfPriceBelow = 25
	a := newTestAgent(t, f, "TEST-0003", p, 25)
	a.Start()

	waitFor(t, 5*time.Second, func() bool { return f.actionCount("StartTransaction") >= 1 })
}

func TestAgentRemoteStartAndStop(t *testing.T) {
	f := newFakeCSMS(t)
	p := longSessionProfile()
	p.IdleMin = 10 * time.Second
	p.IdleMax = 10 * time.Second
	a := newTestAgent(t, f, "TEST-0004", p, 10)
	a.Start()

	waitFor(t, 5*time.Second, func() bool { return f.actionCount("BootNotification") >= 1 })

	resp := f.send("TEST-0004", "RemoteStartTransaction", map[string]interface{}{"idTag": "REMOTE1"})
	var startAck protocol.RemoteStartTransactionResponse
	if err := json.Unmarshal(resp, &startAck); err != nil || startAck.Status != protocol.StatusAccepted {
		t.Fatalf("remote start not accepted: %s (err %v)", resp, err)
	}

	waitFor(t, 5*time.Second, func() bool { return f.actionCount("StartTransaction") >= 1 })

	var start protocol.StartTransactionRequest
	if err := json.Unmarshal(f.lastRequest("StartTransaction"), &start); err != nil {
		t.Fatalf("decode start transaction: %v", err)
	}
	if start.IdTag != "REMOTE1" {
		t.Errorf("expected remote id tag, got %s", start.IdTag)
	}

	waitFor(t, 5*time.Second, func() bool {
		txID, _, _ := a.sessionSnapshot()
		return txID != 0
	})
	txID, _, _ := a.sessionSnapshot()

	resp = f.send("TEST-0004", "RemoteStopTransaction", map[string]interface{}{"transactionId": txID})
	var stopAck protocol.RemoteStopTransactionResponse
	if err := json.Unmarshal(resp, &stopAck); err != nil || stopAck.Status != protocol.StatusAccepted {
		t.Fatalf("remote stop not accepted: %s (err %v)", resp, err)
	}

	waitFor(t, 5*time.Second, func() bool { return f.actionCount("StopTransaction") >= 1 })

	var stop protocol.StopTransactionRequest
	if err := json.Unmarshal(f.lastRequest("StopTransaction"), &stop); err != nil {
		t.Fatalf("decode stop transaction: %v", err)
	}
	if stop.Reason != protocol.ReasonRemote {
		t.Errorf("expected Remote stop reason, got %s", stop.Reason)
	}
}

func TestAgentRemoteStopUnknownTransactionRejected(t *testing.T) {
	f := newFakeCSMS(t)
	p := fastProfile()
	p.IdleMin = 10 * time.Second
	p.IdleMax = 10 * time.Second
	a := newTestAgent(t, f, "TEST-0005", p, 10)
	a.Start()

	waitFor(t, 5*time.Second, func() bool { return f.actionCount("BootNotification") >= 1 })

	resp := f.send("TEST-0005", "RemoteStopTransaction", map[string]interface{}{"transactionId": 99999})
	var ack protocol.RemoteStopTransactionResponse
	if err := json.Unmarshal(resp, &ack); err != nil || ack.Status != protocol.StatusRejected {
		t.Fatalf("expected Rejected for unknown transaction, got %s (err %v)", resp, err)
	}
}

func TestAgentAppliesChargingProfileCap(t *testing.T) {
	f := newFakeCSMS(t)
	a := newTestAgent(t, f, "TEST-0006", longSessionProfile(), 10)
	a.Start()

	waitFor(t, 5*time.Second, func() bool { return f.actionCount("StartTransaction") >= 1 })

	profile := protocol.ChargingProfile{
		ChargingProfileID:      1,
		StackLevel:             0,
		ChargingProfilePurpose: protocol.PurposeChargePointMax,
		ChargingProfileKind:    protocol.KindAbsolute,
		ChargingSchedule: protocol.ChargingSchedule{
			ChargingRateUnit: protocol.UnitWatts,
			ChargingSchedulePeriod: []protocol.ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: 100},
			},
		},
	}
	resp := f.send("TEST-0006", "SetChargingProfile", protocol.SetChargingProfileRequest{
		ConnectorID:        0,
		CsChargingProfiles: profile,
	})
	var ack protocol.SetChargingProfileResponse
	if err := json.Unmarshal(resp, &ack); err != nil || ack.Status != protocol.StatusAccepted {
		t.Fatalf("set charging profile not accepted: %s (err %v)", resp, err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return a.Snapshot().OCPPControlMode == ControlModeOCPP
	})
	if lim := a.Snapshot().OCPPLimitW; lim != 100 {
		t.Errorf("expected 100 W reported limit, got %.0f", lim)
	}
	waitFor(t, 5*time.Second, func() bool { return hasLogEntry(a, "OCPP limit") })

	// composite schedule over the installed profile
	resp = f.send("TEST-0006", "GetCompositeSchedule", protocol.GetCompositeScheduleRequest{
		ConnectorID: 1,
		Duration:    3600,
	})
	var sched protocol.GetCompositeScheduleResponse
	if err := json.Unmarshal(resp, &sched); err != nil || sched.Status != protocol.StatusAccepted {
		t.Fatalf("composite schedule not accepted: %s (err %v)", resp, err)
	}
	if sched.ChargingSchedule == nil || len(sched.ChargingSchedule.ChargingSchedulePeriod) == 0 {
		t.Fatalf("composite schedule missing periods: %s", resp)
	}
	if got := sched.ChargingSchedule.ChargingSchedulePeriod[0].Limit; got != 100 {
		t.Errorf("expected composite limit 100, got %.0f", got)
	}

	// clearing the profile hands control back to the policy engine
	id := 1
	resp = f.send("TEST-0006", "ClearChargingProfile", protocol.ClearChargingProfileRequest{ID: &id})
	var clearAck protocol.ClearChargingProfileResponse
	if err := json.Unmarshal(resp, &clearAck); err != nil || clearAck.Status != protocol.StatusAccepted {
		t.Fatalf("clear charging profile not accepted: %s (err %v)", resp, err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return a.Snapshot().OCPPControlMode == ControlModePolicy
	})
}

func TestAgentGetCompositeScheduleWithoutProfiles(t *testing.T) {
	f := newFakeCSMS(t)
	p := fastProfile()
	p.IdleMin = 10 * time.Second
	p.IdleMax = 10 * time.Second
	a := newTestAgent(t, f, "TEST-0007", p, 10)
	a.Start()

	waitFor(t, 5*time.Second, func() bool { return f.actionCount("BootNotification") >= 1 })

	resp := f.send("TEST-0007", "GetCompositeSchedule", protocol.GetCompositeScheduleRequest{
		ConnectorID: 1,
		Duration:    600,
	})
	var sched protocol.GetCompositeScheduleResponse
	if err := json.Unmarshal(resp, &sched); err != nil || sched.Status != protocol.StatusRejected {
		t.Fatalf("expected Rejected without profiles, got %s (err %v)", resp, err)
	}
}

func TestAgentReconnectsAfterMalformedFrame(t *testing.T) {
	f := newFakeCSMS(t)
	p := fastProfile()
	p.IdleMin = 10 * time.Second
	p.IdleMax = 10 * time.Second
	a := newTestAgent(t, f, "TEST-0008", p, 10)
	a.Start()

	waitFor(t, 5*time.Second, func() bool { return f.actionCount("BootNotification") >= 1 })

	conn := f.connFor("TEST-0008")
	f.write(conn, []byte("this is not ocpp"))

	waitFor(t, 5*time.Second, func() bool { return f.connections() >= 2 })
	waitFor(t, 5*time.Second, func() bool { return f.actionCount("BootNotification") >= 2 })
}

func TestAgentStopFinishesTransaction(t *testing.T) {
	f := newFakeCSMS(t)
	a := newTestAgent(t, f, "TEST-0009", longSessionProfile(), 10)
	a.Start()

	waitFor(t, 5*time.Second, func() bool { return f.actionCount("MeterValues") >= 1 })

	a.Stop()

	waitFor(t, 2*time.Second, func() bool { return f.actionCount("StopTransaction") >= 1 })
	var stop protocol.StopTransactionRequest
	if err := json.Unmarshal(f.lastRequest("StopTransaction"), &stop); err != nil {
		t.Fatalf("decode stop transaction: %v", err)
	}
	if stop.Reason != protocol.ReasonHardReset {
		t.Errorf("expected HardReset stop reason, got %s", stop.Reason)
	}
	if a.Running() {
		t.Errorf("agent still running after Stop")
	}
}

func TestAgentTriggerMessageHeartbeat(t *testing.T) {
	f := newFakeCSMS(t)
	p := fastProfile()
	p.IdleMin = 10 * time.Second
	p.IdleMax = 10 * time.Second
	a := newTestAgent(t, f, "TEST-0010", p, 10)
	a.Start()

	waitFor(t, 5*time.Second, func() bool { return f.actionCount("BootNotification") >= 1 })

	resp := f.send("TEST-0010", "TriggerMessage", protocol.TriggerMessageRequest{RequestedMessage: "Heartbeat"})
	var ack protocol.TriggerMessageResponse
	if err := json.Unmarshal(resp, &ack); err != nil || ack.Status != protocol.StatusAccepted {
		t.Fatalf("trigger message not accepted: %s (err %v)", resp, err)
	}
	waitFor(t, 5*time.Second, func() bool { return f.actionCount("Heartbeat") >= 1 })

	resp = f.send("TEST-0010", "TriggerMessage", protocol.TriggerMessageRequest{RequestedMessage: "FirmwareStatusNotification"})
	if err := json.Unmarshal(resp, &ack); err != nil || ack.Status != protocol.StatusNotImplemented {
		t.Fatalf("expected NotImplemented, got %s (err %v)", resp, err)
	}
}

func TestAgentChangeAvailability(t *testing.T) {
	f := newFakeCSMS(t)
	p := fastProfile()
	p.IdleMin = 10 * time.Second
	p.IdleMax = 10 * time.Second
	a := newTestAgent(t, f, "TEST-0011", p, 10)
	a.Start()

	waitFor(t, 5*time.Second, func() bool { return f.actionCount("BootNotification") >= 1 })

	resp := f.send("TEST-0011", "ChangeAvailability", protocol.ChangeAvailabilityRequest{
		ConnectorID: 1,
		Type:        protocol.AvailabilityInoperative,
	})
	var ack protocol.ChangeAvailabilityResponse
	if err := json.Unmarshal(resp, &ack); err != nil || ack.Status != protocol.StatusAccepted {
		t.Fatalf("change availability not accepted: %s (err %v)", resp, err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return a.Snapshot().Status == protocol.ConnectorUnavailable
	})

	resp = f.send("TEST-0011", "RemoteStartTransaction", map[string]interface{}{"idTag": "TAG001"})
	var startAck protocol.RemoteStartTransactionResponse
	if err := json.Unmarshal(resp, &startAck); err != nil || startAck.Status != protocol.StatusRejected {
		t.Fatalf("expected remote start rejection while inoperative, got %s (err %v)", resp, err)
	}

	resp = f.send("TEST-0011", "ChangeAvailability", protocol.ChangeAvailabilityRequest{
		ConnectorID: 1,
		Type:        protocol.AvailabilityOperative,
	})
	if err := json.Unmarshal(resp, &ack); err != nil || ack.Status != protocol.StatusAccepted {
		t.Fatalf("change availability back not accepted: %s (err %v)", resp, err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return a.Snapshot().Status == protocol.ConnectorAvailable
	})
}

func TestAgentResetReconnects(t *testing.T) {
	f := newFakeCSMS(t)
	a := newTestAgent(t, f, "TEST-0012", longSessionProfile(), 10)
	a.Start()

	waitFor(t, 5*time.Second, func() bool { return f.actionCount("StartTransaction") >= 1 })

	resp := f.send("TEST-0012", "Reset", protocol.ResetRequest{Type: protocol.ResetSoft})
	var ack protocol.ResetResponse
	if err := json.Unmarshal(resp, &ack); err != nil || ack.Status != protocol.StatusAccepted {
		t.Fatalf("reset not accepted: %s (err %v)", resp, err)
	}

	waitFor(t, 5*time.Second, func() bool { return f.actionCount("StopTransaction") >= 1 })
	var stop protocol.StopTransactionRequest
	if err := json.Unmarshal(f.lastRequest("StopTransaction"), &stop); err != nil {
		t.Fatalf("decode stop transaction: %v", err)
	}
	if stop.Reason != protocol.ReasonSoftReset {
		t.Errorf("expected SoftReset stop reason, got %s", stop.Reason)
	}

	waitFor(t, 5*time.Second, func() bool { return f.connections() >= 2 })
}

func TestAgentResumesTransactionAfterConnectionLoss(t *testing.T) {
	f := newFakeCSMS(t)
	a := newTestAgent(t, f, "TEST-0015", longSessionProfile(), 10)
	a.Start()

	waitFor(t, 5*time.Second, func() bool { return f.actionCount("MeterValues") >= 1 })
	txID, _, _ := a.sessionSnapshot()
	if txID == 0 {
		t.Fatalf("no transaction in flight")
	}

	f.drop("TEST-0015")

	waitFor(t, 5*time.Second, func() bool { return f.connections() >= 2 })
	waitFor(t, 5*time.Second, func() bool { return f.actionCount("BootNotification") >= 2 })
	waitFor(t, 5*time.Second, func() bool {
		return hasLogEntry(a, fmt.Sprintf("Resuming transaction %d", txID))
	})

	if got, _, _ := a.sessionSnapshot(); got != txID {
		t.Fatalf("transaction not preserved: had %d, now %d", txID, got)
	}
	if n := f.actionCount("StartTransaction"); n != 1 {
		t.Errorf("expected a single StartTransaction across reconnect, got %d", n)
	}
	if n := f.actionCount("StopTransaction"); n != 0 {
		t.Errorf("expected no StopTransaction while resumed, got %d", n)
	}

	before := f.actionCount("MeterValues")
	waitFor(t, 5*time.Second, func() bool { return f.actionCount("MeterValues") > before })
}

func TestMeterLoopPeakHourHalvesEnergyStep(t *testing.T) {
	f := newFakeCSMS(t)
	p := fastProfile()
	p.PeakHours = []int{12}
	p.EnergyStepMinWh = 400
	p.EnergyStepMaxWh = 400
	p.SamplesMin = 1
	p.SamplesMax = 1
	p.SampleIntervalMin = time.Millisecond
	p.SampleIntervalMax = time.Millisecond
	a := newTestAgent(t, f, "TEST-0016", p, 10)
	a.now = func() time.Time { return time.Date(2026, 3, 2, 12, 30, 0, 0, time.UTC) }

	if reason := a.meterLoop(context.Background(), 42, a.now()); reason != protocol.ReasonLocal {
		t.Fatalf("expected Local stop reason, got %q", reason)
	}
	if _, _, energyWh := a.sessionSnapshot(); energyWh != 200 {
		t.Errorf("expected halved 200 Wh step during peak hour, got %.0f", energyWh)
	}
}

func TestMeterLoopPeakHourFloorsEnergyStep(t *testing.T) {
	f := newFakeCSMS(t)
	p := fastProfile()
	p.PeakHours = []int{12}
	p.EnergyStepMinWh = 6
	p.EnergyStepMaxWh = 6
	p.SamplesMin = 1
	p.SamplesMax = 1
	p.SampleIntervalMin = time.Millisecond
	p.SampleIntervalMax = time.Millisecond
	a := newTestAgent(t, f, "TEST-0017", p, 10)
	a.now = func() time.Time { return time.Date(2026, 3, 2, 12, 30, 0, 0, time.UTC) }

	if reason := a.meterLoop(context.Background(), 43, a.now()); reason != protocol.ReasonLocal {
		t.Fatalf("expected Local stop reason, got %q", reason)
	}
	if _, _, energyWh := a.sessionSnapshot(); energyWh != 10 {
		t.Errorf("expected 10 Wh floor during peak hour, got %.0f", energyWh)
	}
}

func TestAgentApplyPrice(t *testing.T) {
	f := newFakeCSMS(t)
	a := newTestAgent(t, f, "TEST-0013", fastProfile(), 10)

	if got := a.Price(); got != 10 {
		t.Fatalf("expected initial price 10, got %.2f", got)
	}
	a.ApplyPrice(42.5)
	if got := a.Price(); got != 42.5 {
		t.Fatalf("expected updated price 42.5, got %.2f", got)
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	f := newFakeCSMS(t)
	a := newTestAgent(t, f, "TEST-0014", fastProfile(), 10)
	a.cfg.BackoffBase = time.Second
	a.cfg.BackoffMax = 60 * time.Second
	a.randF = func() float64 { return 0.5 } // jitter factor 1.0

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{10, 60 * time.Second},
		{40, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := a.backoffDelay(tc.attempt); got != tc.want {
			t.Errorf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
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
