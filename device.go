// Package tuyalan controls Tuya-protocol IoT devices over the local
// network: UDP presence discovery, the five framing/cipher variants of the
// LAN protocol (3.1 through 3.5), session key negotiation and a small
// data-point API on top.
package tuyalan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quendro/tuyalan/internal/cipher"
	"github.com/quendro/tuyalan/internal/discovery"
	"github.com/quendro/tuyalan/internal/logging"
	"github.com/quendro/tuyalan/internal/protocol"
)

// Device is a single Tuya device on the LAN. All methods are safe for
// concurrent use; Set calls are serialized so at most one is outstanding.
type Device struct {
	cipher *cipher.Cipher
	codec  *protocol.Codec
	log    *zap.Logger
	bus    *eventBus

	// setGate serializes Set calls: capacity-one semaphore.
	setGate chan struct{}

	mu          sync.Mutex
	opts        Options
	state       State
	conn        net.Conn
	gen         int
	seq         uint32
	pending     map[uint32]chan *protocol.Frame
	setWait     chan *protocol.Frame
	refreshWait chan *protocol.Frame

	handshakeWait chan *protocol.Frame
	connecting    bool
	connectDone   chan struct{}
	connectErr    error

	hbStop      chan struct{}
	pongPending bool
	lastPingAt  time.Time
	pongTimer   *time.Timer

	refreshDPs []int
}

// New validates the options and builds a Device. It fails when both ID and
// IP are missing, when the key is not exactly 16 bytes, or when the version
// string is unknown.
func New(opts Options) (*Device, error) {
	opts = opts.normalized()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	v, err := cipher.ParseVersion(opts.Version)
	if err != nil {
		return nil, NewConfigError(err.Error())
	}
	cp, err := cipher.New([]byte(opts.Key), v)
	if err != nil {
		return nil, NewConfigError(err.Error())
	}

	d := &Device{
		cipher:     cp,
		codec:      protocol.NewCodec(cp),
		log:        logging.GetLogger(),
		bus:        newEventBus(),
		setGate:    make(chan struct{}, 1),
		opts:       opts,
		pending:    make(map[uint32]chan *protocol.Frame),
		refreshDPs: defaultRefreshDPs,
	}
	return d, nil
}

// ID returns the device identifier, possibly resolved by Find.
func (d *Device) ID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts.ID
}

// IP returns the device address, possibly resolved by Find.
func (d *Device) IP() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts.IP
}

// Version returns the protocol version currently in use.
func (d *Device) Version() string { return d.cipher.Version().String() }

// State returns the session lifecycle phase.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsConnected reports whether the session is up.
func (d *Device) IsConnected() bool { return d.State() == StateConnected }

// Subscribe attaches a new event consumer. Events: EventConnected,
// EventDisconnected, EventHeartbeat, EventData, EventDPRefresh, EventError.
func (d *Device) Subscribe() *Subscription { return d.bus.subscribe() }

// Find listens for the device's UDP presence broadcast, filling in
// whichever of ID and IP is missing. A broadcast that advertises a
// different protocol version re-seats the cipher and codec on it.
func (d *Device) Find(ctx context.Context) error {
	d.mu.Lock()
	id, ip := d.opts.ID, d.opts.IP
	d.mu.Unlock()

	s := discovery.NewScanner()
	s.Timeout = d.opts.FindTimeout
	s.LocalKey = []byte(d.opts.Key)
	if len(d.opts.DiscoveryPorts) > 0 {
		s.Ports = d.opts.DiscoveryPorts
	}

	r, err := s.Find(ctx, id, ip)
	if err != nil {
		if errors.Is(err, discovery.ErrFindTimeout) {
			return &DeviceError{Type: ErrTypeFindTimeout, Message: "device did not broadcast within " + d.opts.FindTimeout.String(), DeviceID: id}
		}
		return err
	}

	d.mu.Lock()
	if d.opts.ID == "" {
		d.opts.ID = r.ID
	}
	if d.opts.GwID == "" {
		d.opts.GwID = d.opts.ID
	}
	if r.IP != "" {
		d.opts.IP = r.IP
	}
	if r.ProductKey != "" {
		d.opts.ProductKey = r.ProductKey
	}
	if dps := r.RefreshDPs(); dps != nil {
		d.refreshDPs = dps
	}
	d.mu.Unlock()

	if r.Version != "" && r.Version != d.cipher.Version().String() {
		if v, verr := cipher.ParseVersion(r.Version); verr == nil {
			d.log.Info("discovery reports different protocol version",
				zap.String("was", d.cipher.Version().String()),
				zap.String("now", r.Version),
			)
			d.cipher.SetVersion(v)
			d.mu.Lock()
			d.opts.Version = r.Version
			d.mu.Unlock()
		}
	}
	return nil
}

// DiscoveredDevice is one entry from a Discover sweep.
type DiscoveredDevice struct {
	ID         string
	IP         string
	ProductKey string
	Version    string
}

// Discover listens for the full timeout and returns every device that
// broadcast in that window, deduplicated by (id, ip).
func Discover(ctx context.Context, timeout time.Duration) ([]DiscoveredDevice, error) {
	s := discovery.NewScanner()
	if timeout > 0 {
		s.Timeout = timeout
	}
	records, err := s.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	devices := make([]DiscoveredDevice, 0, len(records))
	for _, r := range records {
		devices = append(devices, DiscoveredDevice{
			ID:         r.ID,
			IP:         r.IP,
			ProductKey: r.ProductKey,
			Version:    r.Version,
		})
	}
	return devices, nil
}

// Get queries the device's data points. By default it returns the value of
// DP 1; opts selects a specific index or, with Schema, the whole DP map.
//
// v3.2 firmwares (and any firmware answering "json obj data unvalid" or
// "data format error") cannot answer a plain query; those fall back to a
// null Set, which elicits the same status through a different code path.
func (d *Device) Get(ctx context.Context, opts GetOptions) (any, error) {
	v := d.cipher.Version()
	if v == cipher.V32 {
		return d.getViaSet(ctx, opts)
	}

	payload := d.basePayload(opts.CID)
	payload["dps"] = map[string]any{}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, NewConfigError(err.Error())
	}

	cmd := protocol.DpQuery
	if v == cipher.V34 || v == cipher.V35 {
		cmd = protocol.DpQueryNew
	}

	ch, seq, err := d.sendWithRetry(ctx, cmd, data, false, false, waitSeq)
	if err != nil {
		return nil, err
	}
	f, err := d.await(ctx, ch, seq, d.opts.responseDeadline(), ErrTypeGetTimeout)
	if err != nil {
		return nil, err
	}

	if text, ok := f.Text(); ok && isQuirkReply(text) {
		return d.getViaSet(ctx, opts)
	}
	return extractGetResult(f.Payload, opts)
}

// getViaSet is the quirky-firmware fallback: a null set whose status reply
// stands in for the query result.
func (d *Device) getViaSet(ctx context.Context, opts GetOptions) (any, error) {
	dps := opts.DPS
	if dps == 0 {
		dps = 1
	}
	payload, err := d.set(ctx, SetOptions{
		DPS:                dps,
		Set:                nil,
		CID:                opts.CID,
		isSetCallToGetData: true,
	})
	if err != nil {
		return nil, err
	}
	return extractGetResult(payload, opts)
}

func isQuirkReply(text string) bool {
	return text == "json obj data unvalid" || text == "data format error"
}

func extractGetResult(payload any, opts GetOptions) (any, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		// Devices occasionally answer with bare text; hand it through
		return payload, nil
	}
	dps, ok := m["dps"].(map[string]any)
	if !ok {
		return m, nil
	}
	if opts.Schema {
		return dps, nil
	}
	idx := opts.DPS
	if idx == 0 {
		idx = 1
	}
	return dps[strconv.Itoa(idx)], nil
}

// Refresh sends a DP_REFRESH, prodding the device into reporting DPs that
// otherwise stay silent (power metering indexes, typically). The index set
// is auto-tuned from discovery unless overridden.
func (d *Device) Refresh(ctx context.Context, opts RefreshOptions) (any, error) {
	indexes := opts.DPIndexes
	if len(indexes) == 0 {
		d.mu.Lock()
		indexes = d.refreshDPs
		d.mu.Unlock()
	}

	payload := d.basePayload(opts.CID)
	payload["dpId"] = indexes
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, NewConfigError(err.Error())
	}

	ch, seq, err := d.sendWithRetry(ctx, protocol.DpRefresh, data, true, false, waitRefresh)
	if err != nil {
		return nil, err
	}
	f, err := d.await(ctx, ch, seq, d.opts.responseDeadline(), ErrTypeGetTimeout)
	if err != nil {
		return nil, err
	}

	if text, ok := f.Text(); ok && isQuirkReply(text) {
		return d.getViaSet(ctx, GetOptions{Schema: true, CID: opts.CID})
	}
	return f.Payload, nil
}

// Set writes one DP (or several with Multiple) and waits for the device's
// status report confirming the change, unless ShouldWaitForResponse is
// false. At most one Set is in flight at a time; concurrent calls queue.
func (d *Device) Set(ctx context.Context, opts SetOptions) (any, error) {
	if opts.Set == nil && !opts.Multiple {
		return nil, NewConfigError("no arguments were passed")
	}
	return d.set(ctx, opts)
}

func (d *Device) set(ctx context.Context, opts SetOptions) (any, error) {
	var dps map[string]any
	if opts.Multiple {
		if opts.Data == nil {
			return nil, NewConfigError("Multiple requires Data")
		}
		dps = opts.Data
	} else {
		idx := opts.DPS
		if idx == 0 {
			idx = 1
		}
		dps = map[string]any{strconv.Itoa(idx): opts.Set}
	}

	v := d.cipher.Version()
	cid := opts.CID
	if cid == "" {
		cid = d.opts.CID
	}

	d.mu.Lock()
	gwID, devID := d.opts.GwID, d.opts.ID
	d.mu.Unlock()

	now := time.Now().Unix()
	var payload map[string]any
	if v == cipher.V34 || v == cipher.V35 {
		data := map[string]any{
			"ctype": 0,
			"gwId":  gwID,
			"devId": devID,
			"uid":   devID,
			"dps":   dps,
		}
		if cid != "" {
			data["cid"] = cid
		}
		payload = map[string]any{
			"data":     data,
			"protocol": 5,
			"t":        now,
		}
	} else {
		payload = map[string]any{
			"gwId":  gwID,
			"devId": devID,
			"uid":   devID,
			"t":     strconv.FormatInt(now, 10),
			"dps":   dps,
		}
		if cid != "" {
			payload["cid"] = cid
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, NewConfigError(err.Error())
	}

	cmd := protocol.Control
	if v == cipher.V34 || v == cipher.V35 {
		cmd = protocol.ControlNew
	}

	// One set at a time; the rest queue here
	select {
	case d.setGate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-d.setGate }()

	kind := waitSet
	if !opts.wait() {
		kind = waitNone
	}
	ch, seq, err := d.sendWithRetry(ctx, cmd, data, true, v == cipher.V35, kind)
	if err != nil {
		return nil, err
	}
	if !opts.wait() {
		return nil, nil
	}
	f, err := d.await(ctx, ch, seq, d.opts.responseDeadline(), ErrTypeSetTimeout)
	if err != nil {
		return nil, err
	}
	return f.Payload, nil
}

// Toggle reads a boolean DP, writes its negation and reads it back,
// returning the new value. DP 1 (the usual power switch) by default.
func (d *Device) Toggle(ctx context.Context, dps int) (bool, error) {
	if dps == 0 {
		dps = 1
	}
	cur, err := d.Get(ctx, GetOptions{DPS: dps})
	if err != nil {
		return false, err
	}
	b, ok := cur.(bool)
	if !ok {
		return false, NewConfigError(fmt.Sprintf("DP %d is not a boolean (got %T)", dps, cur))
	}
	if _, err := d.Set(ctx, SetOptions{DPS: dps, Set: !b}); err != nil {
		return false, err
	}
	next, err := d.Get(ctx, GetOptions{DPS: dps})
	if err != nil {
		return false, err
	}
	nb, ok := next.(bool)
	if !ok {
		return false, NewConfigError(fmt.Sprintf("DP %d is not a boolean (got %T)", dps, next))
	}
	return nb, nil
}

// basePayload builds the common request body.
func (d *Device) basePayload(cid string) map[string]any {
	d.mu.Lock()
	gwID, devID := d.opts.GwID, d.opts.ID
	deviceCID := d.opts.CID
	d.mu.Unlock()

	m := map[string]any{
		"gwId":  gwID,
		"devId": devID,
		"t":     strconv.FormatInt(time.Now().Unix(), 10),
		"uid":   devID,
	}
	if cid == "" {
		cid = deviceCID
	}
	if cid != "" {
		m["cid"] = cid
	}
	return m
}
