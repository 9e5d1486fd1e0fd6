package tuyalan

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/quendro/tuyalan/internal/cipher"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"empty options", Options{}, true},
		{"id without key", Options{ID: testDeviceID}, true},
		{"ip without key", Options{IP: "192.168.1.10"}, true},
		{"fifteen byte key", Options{ID: testDeviceID, Key: "4226aa407d5c1e2"}, true},
		{"seventeen byte key", Options{ID: testDeviceID, Key: "4226aa407d5c1e2bX"}, true},
		{"bad version", Options{ID: testDeviceID, Key: testLocalKey, Version: "9.9"}, true},
		{"id and key", Options{ID: testDeviceID, Key: testLocalKey}, false},
		{"ip and key", Options{IP: "192.168.1.10", Key: testLocalKey}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !IsConfigError(err) {
				t.Errorf("New() error = %v, want a config error", err)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	d, err := New(Options{ID: testDeviceID, Key: testLocalKey})
	if err != nil {
		t.Fatal(err)
	}
	if d.opts.Port != 6668 {
		t.Errorf("default port = %d, want 6668", d.opts.Port)
	}
	if d.opts.GwID != testDeviceID {
		t.Errorf("GwID should default to ID, got %q", d.opts.GwID)
	}
	if d.Version() != "3.1" {
		t.Errorf("default version = %q, want 3.1", d.Version())
	}
	if d.State() != StateDisconnected {
		t.Errorf("initial state = %v, want disconnected", d.State())
	}
}

func TestSet_NoArguments(t *testing.T) {
	d, err := New(Options{ID: testDeviceID, Key: testLocalKey})
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.Set(context.Background(), SetOptions{})
	if !IsConfigError(err) {
		t.Errorf("Set({}) error = %v, want config error", err)
	}
}

func TestConnectAndGet(t *testing.T) {
	stub := newStub(t, cipher.V33)
	d := newTestDevice(t, stub, nil)

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !d.IsConnected() {
		t.Fatal("device should report connected")
	}

	schema, err := d.Get(context.Background(), GetOptions{Schema: true})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	m, ok := schema.(map[string]any)
	if !ok {
		t.Fatalf("schema type = %T, want map", schema)
	}
	if m["1"] != true {
		t.Errorf("DP 1 = %v, want true", m["1"])
	}

	one, err := d.Get(context.Background(), GetOptions{})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if one != true {
		t.Errorf("default Get = %v, want DP 1 (true)", one)
	}
}

func TestConnect_Idempotent(t *testing.T) {
	stub := newStub(t, cipher.V33)
	d := newTestDevice(t, stub, nil)

	for i := 0; i < 3; i++ {
		if err := d.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() #%d error = %v", i, err)
		}
	}
	if err := d.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := d.Disconnect(); err != nil {
		t.Fatalf("second Disconnect() error = %v", err)
	}
	if d.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", d.State())
	}
}

func TestSet_ResolvedByStatus(t *testing.T) {
	stub := newStub(t, cipher.V33)
	d := newTestDevice(t, stub, nil)

	result, err := d.Set(context.Background(), SetOptions{DPS: 1, Set: false})
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("result type = %T, want map", result)
	}
	dps, ok := m["dps"].(map[string]any)
	if !ok {
		t.Fatalf("result has no dps map: %#v", m)
	}
	if dps["1"] != false {
		t.Errorf("status dps[1] = %v, want false", dps["1"])
	}
	if got := stub.snapshotDPs()["1"]; got != false {
		t.Errorf("stub DP 1 = %v, want false", got)
	}
}

// Back-to-back sets reach the device in issue order.
func TestSet_Ordering(t *testing.T) {
	stub := newStub(t, cipher.V33)
	d := newTestDevice(t, stub, nil)

	for _, v := range []any{int64(1), int64(2), int64(3)} {
		if _, err := d.Set(context.Background(), SetOptions{DPS: 2, Set: v}); err != nil {
			t.Fatalf("Set(%v) error = %v", v, err)
		}
	}

	order := stub.setOrder()
	if len(order) != 3 {
		t.Fatalf("stub saw %d sets, want 3", len(order))
	}
	for i, want := range []float64{1, 2, 3} {
		if order[i]["2"] != want {
			t.Errorf("set #%d wrote %v, want %v", i, order[i]["2"], want)
		}
	}
}

// A set that never sees a status fails within the response deadline and
// leaves no pending state behind; the session stays up.
func TestSet_Timeout(t *testing.T) {
	stub := newStub(t, cipher.V33)
	stub.statusOnSet = false
	d := newTestDevice(t, stub, func(o *Options) { o.ResponseTimeout = 1 })

	start := time.Now()
	_, err := d.Set(context.Background(), SetOptions{DPS: 1, Set: false})
	elapsed := time.Since(start)

	var de *DeviceError
	if !asDeviceError(err, &de) || de.Type != ErrTypeSetTimeout {
		t.Fatalf("Set() error = %v, want SetTimeout", err)
	}
	// deadline is ResponseTimeout × 2500 ms
	if elapsed < 2*time.Second || elapsed > 4*time.Second {
		t.Errorf("timeout fired after %v, want ~2.5s", elapsed)
	}

	d.mu.Lock()
	pending := len(d.pending)
	setWait := d.setWait
	d.mu.Unlock()
	if pending != 0 || setWait != nil {
		t.Errorf("pending state not cleared: %d entries, setWait=%v", pending, setWait != nil)
	}
	if !d.IsConnected() {
		t.Error("session should survive a set timeout")
	}
}

// Disconnecting under an in-flight set fails the set and lands in
// Disconnected.
func TestDisconnect_DuringSet(t *testing.T) {
	stub := newStub(t, cipher.V33)
	stub.statusOnSet = false
	d := newTestDevice(t, stub, nil)

	if err := d.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Set(context.Background(), SetOptions{DPS: 1, Set: false})
		errCh <- err
	}()

	time.Sleep(300 * time.Millisecond)
	d.Disconnect()

	select {
	case err := <-errCh:
		if !IsDisconnected(err) {
			t.Errorf("Set() error = %v, want Disconnected", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Set() did not fail after Disconnect")
	}
	if d.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", d.State())
	}
}

func TestHeartbeat_Answered(t *testing.T) {
	stub := newStub(t, cipher.V33)
	d := newTestDevice(t, stub, func(o *Options) { o.HeartbeatInterval = 100 * time.Millisecond })

	sub := d.Subscribe()
	defer sub.Close()

	if err := d.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if _, ok := ev.(EventHeartbeat); ok {
				return
			}
		case <-deadline:
			t.Fatal("no heartbeat event within 3s")
		}
	}
}

// With a device that accepts TCP but never answers heartbeats, the session
// notices within one heartbeat period plus the pong deadline.
func TestHeartbeat_TimeoutDisconnects(t *testing.T) {
	stub := newStub(t, cipher.V33)
	stub.answerHeartbeat = false
	d := newTestDevice(t, stub, func(o *Options) { o.HeartbeatInterval = 200 * time.Millisecond })

	sub := d.Subscribe()
	defer sub.Close()

	if err := d.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if _, ok := ev.(EventDisconnected); ok {
				if d.State() != StateDisconnected {
					t.Errorf("state = %v after disconnect event", d.State())
				}
				return
			}
		case <-deadline:
			t.Fatal("no disconnect despite unanswered heartbeats")
		}
	}
}

func TestEvents_DataOnStatus(t *testing.T) {
	stub := newStub(t, cipher.V33)
	d := newTestDevice(t, stub, nil)

	sub := d.Subscribe()
	defer sub.Close()

	if _, err := d.Set(context.Background(), SetOptions{DPS: 1, Set: false}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if data, ok := ev.(EventData); ok {
				m, ok := data.Payload.(map[string]any)
				if !ok {
					t.Fatalf("event payload type = %T", data.Payload)
				}
				if _, ok := m["dps"]; !ok {
					t.Error("data event payload missing dps")
				}
				return
			}
		case <-deadline:
			t.Fatal("no data event for the status report")
		}
	}
}

func TestToggle_RoundTrips(t *testing.T) {
	stub := newStub(t, cipher.V33)
	d := newTestDevice(t, stub, nil)

	first, err := d.Toggle(context.Background(), 1)
	if err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	if first != false {
		t.Errorf("first toggle = %v, want false", first)
	}

	second, err := d.Toggle(context.Background(), 1)
	if err != nil {
		t.Fatalf("second Toggle() error = %v", err)
	}
	if second != true {
		t.Errorf("toggle ∘ toggle = %v, want the original true", second)
	}
}

// The v3.4 session: key negotiation, then traffic under the session key.
func TestHandshake_V34(t *testing.T) {
	stub := newStub(t, cipher.V34)
	d := newTestDevice(t, stub, nil)

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if bytes.Equal(d.cipher.Key(), []byte(testLocalKey)) {
		t.Error("active key should be the negotiated session key")
	}

	schema, err := d.Get(context.Background(), GetOptions{Schema: true})
	if err != nil {
		t.Fatalf("Get() over session key error = %v", err)
	}
	if m, ok := schema.(map[string]any); !ok || m["1"] != true {
		t.Errorf("schema = %#v, want DP 1 true", schema)
	}

	d.Disconnect()
	if !bytes.Equal(d.cipher.Key(), []byte(testLocalKey)) {
		t.Error("session key must be cleared on disconnect")
	}
}

// The v3.5 session: GCM framing end to end, including the double sequence
// increment on set.
func TestHandshake_V35(t *testing.T) {
	stub := newStub(t, cipher.V35)
	d := newTestDevice(t, stub, nil)

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if bytes.Equal(d.cipher.Key(), []byte(testLocalKey)) {
		t.Error("active key should be the negotiated session key")
	}

	result, err := d.Set(context.Background(), SetOptions{DPS: 1, Set: false})
	if err != nil {
		t.Fatalf("Set() over v3.5 error = %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("result type = %T", result)
	}
	if dps, ok := m["dps"].(map[string]any); !ok || dps["1"] != false {
		t.Errorf("status = %#v, want dps 1 false", m)
	}
}

func TestHandshake_Timeout(t *testing.T) {
	stub := newStub(t, cipher.V34)
	stub.answerHandshake = false
	d := newTestDevice(t, stub, func(o *Options) { o.ConnectTimeout = 300 * time.Millisecond })

	err := d.Connect(context.Background())
	var de *DeviceError
	if !asDeviceError(err, &de) || de.Type != ErrTypeConnectTimeout {
		t.Fatalf("Connect() error = %v, want ConnectTimeout", err)
	}
	if d.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", d.State())
	}
}

// Close is the terminal shutdown: the session goes down and every
// subscription channel is closed, unlike Disconnect which leaves
// subscribers attached for a later reconnect.
func TestClose_DetachesSubscribers(t *testing.T) {
	stub := newStub(t, cipher.V33)
	d := newTestDevice(t, stub, nil)

	if err := d.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sub := d.Subscribe()

	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if d.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", d.State())
	}

	// Drain whatever was buffered; the channel must then be closed
	deadline := time.After(2 * time.Second)
	closed := false
	for !closed {
		select {
		case _, open := <-sub.Events():
			if !open {
				closed = true
			}
		case <-deadline:
			t.Fatal("subscription channel not closed by Close()")
		}
	}

	// Close is idempotent, and a fresh Subscribe works afterwards
	if err := d.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	again := d.Subscribe()
	defer again.Close()
	if again.ID() == "" {
		t.Error("Subscribe after Close should return a live subscription")
	}
}

func TestState_String(t *testing.T) {
	pairs := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateHandshaking:  "handshaking",
		StateConnected:    "connected",
	}
	for s, want := range pairs {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
