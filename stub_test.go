package tuyalan

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/quendro/tuyalan/internal/cipher"
	"github.com/quendro/tuyalan/internal/protocol"
)

func asDeviceError(err error, target **DeviceError) bool {
	return errors.As(err, target)
}

const (
	testDeviceID = "22325186db4a2217dc8e"
	testLocalKey = "4226aa407d5c1e2b"
)

// stubDevice is a minimal in-process device: it answers queries from a DP
// map, applies sets, confirms them with status reports, echoes heartbeats
// and, on v3.4 and v3.5, runs the session key negotiation.
type stubDevice struct {
	t       *testing.T
	ln      net.Listener
	version cipher.Version
	key     []byte

	answerHeartbeat bool
	answerQuery     bool
	statusOnSet     bool
	answerHandshake bool

	mu       sync.Mutex
	dps      map[string]any
	seenSets []map[string]any
}

func newStub(t *testing.T, version cipher.Version) *stubDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("stub listen: %v", err)
	}
	s := &stubDevice{
		t:               t,
		ln:              ln,
		version:         version,
		key:             []byte(testLocalKey),
		answerHeartbeat: true,
		answerQuery:     true,
		statusOnSet:     true,
		answerHandshake: true,
		dps:             map[string]any{"1": true, "2": float64(0)},
	}
	go s.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *stubDevice) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *stubDevice) snapshotDPs() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.dps))
	for k, v := range s.dps {
		out[k] = v
	}
	return out
}

func (s *stubDevice) setOrder() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any{}, s.seenSets...)
}

func (s *stubDevice) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *stubDevice) serve(conn net.Conn) {
	defer conn.Close()

	cp, err := cipher.New(s.key, s.version)
	if err != nil {
		return
	}
	codec := protocol.NewCodec(cp)

	var localNonce []byte

	var acc []byte
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		acc = append(acc, buf[:n]...)
		for {
			total, ferr := protocol.FrameLen(acc)
			if ferr != nil {
				return
			}
			if total == 0 || len(acc) < total {
				break
			}
			frames, perr := codec.Parse(acc[:total])
			acc = acc[total:]
			if perr != nil {
				continue
			}
			for _, f := range frames {
				s.handle(conn, codec, cp, f, &localNonce)
			}
		}
	}
}

func (s *stubDevice) handle(conn net.Conn, codec *protocol.Codec, cp *cipher.Cipher, f *protocol.Frame, localNonce *[]byte) {
	switch f.Cmd {
	case protocol.HeartBeat:
		if s.answerHeartbeat {
			s.reply(conn, codec, protocol.HeartBeat, nil, f.Seq)
		}

	case protocol.DpQuery, protocol.DpQueryNew:
		if !s.answerQuery {
			return
		}
		body, _ := json.Marshal(map[string]any{
			"devId": testDeviceID,
			"dps":   s.snapshotDPs(),
		})
		s.reply(conn, codec, f.Cmd, body, f.Seq)

	case protocol.Control, protocol.ControlNew:
		if m, ok := f.Map(); ok {
			if dps, ok := m["dps"].(map[string]any); ok {
				s.mu.Lock()
				s.seenSets = append(s.seenSets, dps)
				for k, v := range dps {
					if v != nil {
						s.dps[k] = v
					}
				}
				s.mu.Unlock()
			}
		}
		if s.statusOnSet {
			body, _ := json.Marshal(map[string]any{"dps": s.snapshotDPs()})
			s.reply(conn, codec, protocol.Status, body, f.Seq)
		}

	case protocol.SessKeyNegStart:
		if !s.answerHandshake {
			return
		}
		nonce := make([]byte, 16)
		copy(nonce, f.Bytes)
		*localNonce = nonce
		remote := cipher.Random(16)
		payload := append(append([]byte{}, remote...), cp.HMACLocal(nonce)...)
		s.reply(conn, codec, protocol.SessKeyNegResponse, payload, f.Seq)

		// Pre-compute and install the session key once FINISH arrives;
		// stash the remote nonce alongside the local one for it.
		*localNonce = append(nonce, remote...)

	case protocol.SessKeyNegFinish:
		nonces := *localNonce
		if len(nonces) != 32 {
			return
		}
		session := make([]byte, 16)
		for i := range session {
			session[i] = nonces[i] ^ nonces[16+i]
		}
		var sealed []byte
		var err error
		if s.version == cipher.V35 {
			sealed, err = cp.SealGCM(session, nonces[:12], nil)
		} else {
			sealed, err = cp.Encrypt(session)
		}
		if err != nil {
			return
		}
		cp.SetSessionKey(sealed[:16])
	}
}

func (s *stubDevice) reply(conn net.Conn, codec *protocol.Codec, cmd protocol.Command, payload []byte, seq uint32) {
	buf, err := codec.Encode(cmd, payload, seq, true)
	if err != nil {
		return
	}
	conn.Write(buf)
}

// newTestDevice builds a Device pointed at the stub with test-friendly
// defaults: no auto-get, no heartbeats unless a test enables them.
func newTestDevice(t *testing.T, stub *stubDevice, mutate func(*Options)) *Device {
	t.Helper()
	noGet := false
	opts := Options{
		ID:                testDeviceID,
		IP:                "127.0.0.1",
		Port:              stub.port(),
		Key:               testLocalKey,
		Version:           stub.version.String(),
		IssueGetOnConnect: &noGet,
		HeartbeatInterval: -1,
	}
	if mutate != nil {
		mutate(&opts)
	}
	d, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}
