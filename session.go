package tuyalan

import (
	"context"
	"crypto/hmac"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/quendro/tuyalan/internal/cipher"
	"github.com/quendro/tuyalan/internal/protocol"
)

// State is the session lifecycle phase.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// sendRetries is how many times a write is attempted before surfacing the
// failure. Each retry re-runs the whole connect pipeline, handshake
// included, because a transient write failure usually means the socket died.
const sendRetries = 5

// waiterKind selects how a sent frame's reply is routed back.
type waiterKind int

const (
	waitNone    waiterKind = iota
	waitSeq                // reply matched by sequence number
	waitSet                // reply is the next device status report
	waitRefresh            // reply is the DP_REFRESH confirmation
)

// Connect opens the TCP session, running the session key negotiation on
// v3.4/v3.5. Calling it while connected is a no-op; calling it while a
// connect is in flight joins that attempt.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.state == StateConnected {
		d.mu.Unlock()
		return nil
	}
	if d.connecting {
		done := d.connectDone
		d.mu.Unlock()
		select {
		case <-done:
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.state == StateConnected {
				return nil
			}
			return d.connectErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.connecting = true
	d.connectDone = make(chan struct{})
	d.state = StateConnecting
	d.mu.Unlock()

	err := d.dial(ctx)

	d.mu.Lock()
	d.connecting = false
	d.connectErr = err
	close(d.connectDone)
	d.mu.Unlock()
	return err
}

func (d *Device) dial(ctx context.Context) error {
	d.mu.Lock()
	ip := d.opts.IP
	port := d.opts.Port
	d.mu.Unlock()
	if ip == "" {
		err := NewConfigError("no device IP known; call Find first")
		d.setDisconnected()
		return err
	}

	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: d.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		d.setDisconnected()
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			derr := &DeviceError{Type: ErrTypeConnectTimeout, Message: "connect to " + addr + " timed out", Err: err, Retryable: true}
			d.emitError(derr)
			return derr
		}
		serr := NewSocketError("connect to "+addr+" failed", err)
		d.emitError(serr)
		return serr
	}

	d.mu.Lock()
	d.conn = conn
	d.gen++
	gen := d.gen
	d.pending = make(map[uint32]chan *protocol.Frame)
	d.mu.Unlock()
	go d.readLoop(conn, gen)

	if d.cipher.Version().RequiresHandshake() {
		d.mu.Lock()
		d.state = StateHandshaking
		d.mu.Unlock()
		if err := d.handshake(ctx, conn); err != nil {
			d.teardown(err)
			return err
		}
	}

	d.onConnected(addr)
	return nil
}

func (d *Device) setDisconnected() {
	d.mu.Lock()
	d.state = StateDisconnected
	d.mu.Unlock()
}

// handshake runs the v3.4/v3.5 session key negotiation: exchange nonces,
// verify the device's HMAC over our nonce, answer with an HMAC over its
// nonce, and derive the session key from the XOR of both.
func (d *Device) handshake(ctx context.Context, conn net.Conn) error {
	local := cipher.Random(16)

	wait := make(chan *protocol.Frame, 1)
	d.mu.Lock()
	d.handshakeWait = wait
	d.seq++
	seq := d.seq
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.handshakeWait == wait {
			d.handshakeWait = nil
		}
		d.mu.Unlock()
	}()

	start, err := d.codec.Encode(protocol.SessKeyNegStart, local, seq, true)
	if err != nil {
		return err
	}
	if _, err := conn.Write(start); err != nil {
		return NewSocketError("handshake write failed", err)
	}

	var resp *protocol.Frame
	timer := time.NewTimer(d.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case f, ok := <-wait:
		if !ok {
			return &DeviceError{Type: ErrTypeDisconnected, Message: "connection closed during handshake"}
		}
		resp = f
	case <-timer.C:
		return &DeviceError{Type: ErrTypeConnectTimeout, Message: "session key negotiation timed out", Retryable: true}
	case <-ctx.Done():
		return ctx.Err()
	}

	body := resp.Bytes
	if len(body) < 48 {
		return &DeviceError{Type: ErrTypeHandshake, Message: "short session key reply"}
	}
	remote := body[:16]
	if !hmac.Equal(body[16:48], d.cipher.HMACLocal(local)) {
		return &DeviceError{Type: ErrTypeHandshake, Message: "device hmac over local nonce does not verify"}
	}

	d.mu.Lock()
	d.seq++
	finSeq := d.seq
	d.mu.Unlock()
	finish, err := d.codec.Encode(protocol.SessKeyNegFinish, d.cipher.HMACLocal(remote), finSeq, true)
	if err != nil {
		return err
	}
	if _, err := conn.Write(finish); err != nil {
		return NewSocketError("handshake write failed", err)
	}

	session := make([]byte, 16)
	for i := range session {
		session[i] = local[i] ^ remote[i]
	}
	switch d.cipher.Version() {
	case cipher.V34:
		sealed, err := d.cipher.Encrypt(session)
		if err != nil {
			return err
		}
		session = sealed[:16]
	case cipher.V35:
		sealed, err := d.cipher.SealGCM(session, local[:12], nil)
		if err != nil {
			return err
		}
		session = sealed[:16]
	}
	if err := d.cipher.SetSessionKey(session); err != nil {
		return err
	}

	// Re-sync the outbound counter to the device's view of the stream.
	d.mu.Lock()
	if resp.Seq > 0 {
		d.seq = resp.Seq - 1
	}
	d.mu.Unlock()

	d.log.Debug("session key negotiated", zap.Uint32("resync_seq", resp.Seq))
	return nil
}

func (d *Device) onConnected(addr string) {
	d.mu.Lock()
	d.state = StateConnected
	d.pongPending = false
	d.lastPingAt = time.Time{}
	hbStop := make(chan struct{})
	d.hbStop = hbStop
	d.mu.Unlock()

	d.log.Info("device connected", zap.String("addr", addr), zap.Stringer("version", d.cipher.Version()))
	d.bus.emit(EventConnected{})

	if d.opts.HeartbeatInterval > 0 {
		go d.heartbeatLoop(hbStop, d.opts.HeartbeatInterval)
	}
	if d.opts.issueGetOnConnect() {
		go d.backgroundOp(func(ctx context.Context) error {
			_, err := d.Get(ctx, GetOptions{})
			return err
		})
	}
	if d.opts.IssueRefreshOnConnect {
		go d.backgroundOp(func(ctx context.Context) error {
			_, err := d.Refresh(ctx, RefreshOptions{})
			return err
		})
	}
}

// backgroundOp runs a fire-and-forget operation triggered by the session
// itself; failures surface as error events only.
func (d *Device) backgroundOp(op func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.responseDeadline()+time.Second)
	defer cancel()
	if err := op(ctx); err != nil && !IsDisconnected(err) {
		d.log.Debug("background operation failed", zap.Error(err))
	}
}

// readLoop owns the inbound half of the socket: it reassembles the TCP
// stream into whole frames and dispatches them in arrival order.
func (d *Device) readLoop(conn net.Conn, gen int) {
	var acc []byte
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			acc = append(acc, chunk[:n]...)
			acc = d.drainFrames(acc)
		}
		if err != nil {
			d.mu.Lock()
			stale := gen != d.gen
			d.mu.Unlock()
			if stale {
				return
			}
			if errors.Is(err, io.EOF) {
				d.teardown(NewSocketError("connection closed by device", err))
			} else {
				d.teardown(NewSocketError("read failed", err))
			}
			return
		}
	}
}

// drainFrames parses every complete frame at the front of acc and returns
// the unconsumed tail. A malformed chunk is dropped whole; the stream may
// resync on the next read.
func (d *Device) drainFrames(acc []byte) []byte {
	for {
		total, err := protocol.FrameLen(acc)
		if err != nil {
			d.emitError(wrapFrameError(d.opts.ID, err))
			return nil
		}
		if total == 0 || len(acc) < total {
			return acc
		}
		frames, perr := d.codec.Parse(acc[:total])
		if perr != nil {
			d.emitError(wrapFrameError(d.opts.ID, perr))
		}
		for _, f := range frames {
			d.dispatch(f)
		}
		acc = acc[total:]
	}
}

// dispatch routes one inbound frame. Precedence: heartbeat and handshake
// bookkeeping, then the status-resolves-set rule, then sequence number
// match, then silent drop.
func (d *Device) dispatch(f *protocol.Frame) {
	d.log.Debug("frame received",
		zap.Stringer("cmd", f.Cmd),
		zap.Uint32("seq", f.Seq),
	)

	switch f.Cmd {
	case protocol.HeartBeat:
		d.mu.Lock()
		d.pongPending = false
		d.lastPingAt = time.Now()
		if d.pongTimer != nil {
			d.pongTimer.Stop()
			d.pongTimer = nil
		}
		d.mu.Unlock()
		d.bus.emit(EventHeartbeat{})
		if d.opts.IssueRefreshOnPing {
			go d.backgroundOp(func(ctx context.Context) error {
				if _, err := d.Refresh(ctx, RefreshOptions{}); err != nil {
					return err
				}
				_, err := d.Get(ctx, GetOptions{})
				return err
			})
		}
		return

	case protocol.SessKeyNegResponse:
		d.mu.Lock()
		w := d.handshakeWait
		d.handshakeWait = nil
		d.mu.Unlock()
		if w != nil {
			deliver(w, f)
		}
		return

	case protocol.Control, protocol.ControlNew:
		if f.Empty() {
			// write acknowledged; the status report still to come resolves
			// the pending set
			return
		}

	case protocol.DpRefresh:
		d.mu.Lock()
		w := d.refreshWait
		d.refreshWait = nil
		d.mu.Unlock()
		if w != nil {
			deliver(w, f)
			return
		}

	case protocol.Status:
		d.substituteNullPayload(f)
		if m, ok := f.Map(); ok {
			if dps, ok := m["dps"].(map[string]any); ok {
				if _, hasOne := dps["1"]; !hasOne {
					d.bus.emit(EventDPRefresh{Payload: f.Payload, Command: uint32(f.Cmd), Seq: f.Seq})
					return
				}
			}
		}
		if f.Payload != nil {
			d.bus.emit(EventData{Payload: f.Payload, Command: uint32(f.Cmd), Seq: f.Seq})
		}
		d.mu.Lock()
		w := d.setWait
		d.setWait = nil
		d.mu.Unlock()
		if w != nil {
			deliver(w, f)
			return
		}
	}

	d.mu.Lock()
	w := d.pending[f.Seq]
	if w != nil {
		delete(d.pending, f.Seq)
	}
	d.mu.Unlock()
	if w != nil {
		deliver(w, f)
	}
}

// deliver hands a frame to a waiter without ever blocking the dispatch
// path; a waiter that already completed simply misses it.
func deliver(w chan *protocol.Frame, f *protocol.Frame) {
	select {
	case w <- f:
	default:
	}
}

// substituteNullPayload implements the NullPayloadOnJSONError option:
// the device's "json obj data unvalid" text becomes an all-null DP map.
func (d *Device) substituteNullPayload(f *protocol.Frame) {
	if !d.opts.NullPayloadOnJSONError {
		return
	}
	if text, ok := f.Text(); ok && text == "json obj data unvalid" {
		f.Payload = map[string]any{
			"dps": map[string]any{
				"1": nil, "2": nil, "3": nil,
				"101": nil, "102": nil, "103": nil,
			},
		}
	}
}

// heartbeatLoop sends a HEART_BEAT every interval and tears the session
// down when a previous one stays unanswered past the pong deadline.
func (d *Device) heartbeatLoop(stop chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.mu.Lock()
			if d.state != StateConnected || d.conn == nil {
				d.mu.Unlock()
				return
			}
			outstanding := d.pongPending
			dispatchTime := time.Now()
			d.pongPending = true
			d.seq++
			seq := d.seq
			conn := d.conn
			if outstanding && d.pongTimer == nil {
				d.pongTimer = time.AfterFunc(pongTimeout, func() {
					d.mu.Lock()
					late := d.lastPingAt.Before(dispatchTime)
					d.mu.Unlock()
					if late {
						d.log.Warn("heartbeat unanswered, tearing session down")
						d.teardown(NewSocketError("heartbeat unanswered", nil))
					}
				})
			}
			d.mu.Unlock()

			frame, err := d.codec.Encode(protocol.HeartBeat, nil, seq, false)
			if err != nil {
				d.log.Warn("heartbeat encode failed", zap.Error(err))
				continue
			}
			if _, err := conn.Write(frame); err != nil {
				d.teardown(NewSocketError("heartbeat write failed", err))
				return
			}
		}
	}
}

// sendWithRetry builds and writes one frame, retrying up to sendRetries
// times with exponential backoff. Every retry re-runs Connect, so a failed
// write reconnects and re-handshakes before the next attempt, and the frame
// is re-encoded with a fresh sequence number each time.
func (d *Device) sendWithRetry(ctx context.Context, cmd protocol.Command, payload []byte, encrypt, bumpSeq bool, kind waiterKind) (chan *protocol.Frame, uint32, error) {
	var (
		ch  chan *protocol.Frame
		seq uint32
	)

	op := func() error {
		if err := d.Connect(ctx); err != nil {
			if IsConfigError(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		d.mu.Lock()
		if d.state != StateConnected || d.conn == nil {
			d.mu.Unlock()
			return NewSocketError("not connected", nil)
		}
		if bumpSeq {
			// v3.5 devices account for a pre-command; skip one counter value
			d.seq++
		}
		d.seq++
		seq = d.seq
		conn := d.conn
		d.mu.Unlock()

		frame, err := d.codec.Encode(cmd, payload, seq, encrypt)
		if err != nil {
			return backoff.Permanent(wrapFrameError(d.opts.ID, err))
		}

		w := make(chan *protocol.Frame, 1)
		d.mu.Lock()
		switch kind {
		case waitSeq:
			d.pending[seq] = w
		case waitSet:
			d.setWait = w
		case waitRefresh:
			d.refreshWait = w
			d.pending[seq] = w
		}
		d.mu.Unlock()

		if _, err := conn.Write(frame); err != nil {
			d.clearWaiter(w, seq)
			serr := NewSocketError("write failed", err)
			d.teardown(serr)
			return serr
		}
		ch = w
		d.log.Debug("frame sent",
			zap.Stringer("cmd", cmd),
			zap.Uint32("seq", seq),
			zap.Int("len", len(frame)),
		)
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(sendRetries-1)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, 0, err
	}
	return ch, seq, nil
}

// await blocks for the reply routed to ch, bounding the wait by deadline.
// The waiter registration is cleared on every exit path so a late reply
// never finds a stale entry.
func (d *Device) await(ctx context.Context, ch chan *protocol.Frame, seq uint32, deadline time.Duration, timeoutType ErrorType) (*protocol.Frame, error) {
	defer d.clearWaiter(ch, seq)

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case f, ok := <-ch:
		if !ok {
			return nil, &DeviceError{Type: ErrTypeDisconnected, Message: "disconnected while awaiting reply"}
		}
		return f, nil
	case <-timer.C:
		terr := &DeviceError{Type: timeoutType, Message: "no reply within " + deadline.String(), DeviceID: d.opts.ID}
		d.emitError(terr)
		return nil, terr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Device) clearWaiter(ch chan *protocol.Frame, seq uint32) {
	d.mu.Lock()
	if d.pending[seq] == ch {
		delete(d.pending, seq)
	}
	if d.setWait == ch {
		d.setWait = nil
	}
	if d.refreshWait == ch {
		d.refreshWait = nil
	}
	d.mu.Unlock()
}

// Disconnect tears the session down: heartbeat and pong timers cancelled,
// socket closed, session key cleared, every pending waiter failed.
// Disconnecting an already-disconnected device is a no-op. Subscriptions
// stay attached so a later Connect keeps feeding them; use Close to shut
// the device down for good.
func (d *Device) Disconnect() error {
	d.teardown(nil)
	return nil
}

// Close shuts the device down permanently: the session is torn down and
// every event subscription is detached, closing its channel. After Close a
// caller wanting events must Subscribe again. Close is idempotent.
func (d *Device) Close() error {
	d.teardown(nil)
	d.bus.close()
	return nil
}

func (d *Device) teardown(cause error) {
	d.mu.Lock()
	if d.state == StateDisconnected && d.conn == nil {
		d.mu.Unlock()
		return
	}
	d.gen++
	if d.hbStop != nil {
		close(d.hbStop)
		d.hbStop = nil
	}
	if d.pongTimer != nil {
		d.pongTimer.Stop()
		d.pongTimer = nil
	}
	conn := d.conn
	d.conn = nil
	pend := d.pending
	d.pending = make(map[uint32]chan *protocol.Frame)
	waiters := []chan *protocol.Frame{d.setWait, d.refreshWait, d.handshakeWait}
	d.setWait, d.refreshWait, d.handshakeWait = nil, nil, nil
	d.state = StateDisconnected
	d.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	d.cipher.ClearSessionKey()
	// A refresh waiter sits in both the pending table and its slot; close
	// each channel exactly once.
	closed := make(map[chan *protocol.Frame]bool)
	for _, ch := range pend {
		if !closed[ch] {
			closed[ch] = true
			close(ch)
		}
	}
	for _, ch := range waiters {
		if ch != nil && !closed[ch] {
			closed[ch] = true
			close(ch)
		}
	}
	if cause != nil {
		d.emitError(cause)
	}
	d.log.Info("device disconnected")
	d.bus.emit(EventDisconnected{})
}

func (d *Device) emitError(err error) {
	d.log.Warn("device error", zap.Error(err))
	d.bus.emit(EventError{Err: err})
}
