package discovery

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/quendro/tuyalan/internal/cipher"
	"github.com/quendro/tuyalan/internal/logging"
	"github.com/quendro/tuyalan/internal/protocol"
)

const (
	// PortPlain receives unencrypted presence broadcasts.
	PortPlain = 6666

	// PortEncrypted receives broadcasts encrypted with the well-known key.
	PortEncrypted = 6667

	// DefaultTimeout bounds a discovery run.
	DefaultTimeout = 10 * time.Second

	maxDatagram = 2048
)

// ErrFindTimeout is returned when no matching broadcast arrived before the
// scanner's deadline.
var ErrFindTimeout = errors.New("no matching device broadcast received")

// The broadcast key every firmware shares.
var wellKnownKey = md5.Sum([]byte("yGAdlopoPVldABfn"))

// Key returns the well-known 16-byte UDP broadcast key.
func Key() []byte {
	k := wellKnownKey
	return k[:]
}

// Scanner listens for device presence broadcasts on the discovery ports.
//
// Broadcasts are first decrypted with the well-known key; when that fails
// and a LocalKey is set, a second attempt runs with it, because some
// firmwares broadcast under the device key instead.
type Scanner struct {
	// Timeout is the maximum time to wait for broadcasts.
	Timeout time.Duration

	// Ports to bind; defaults to the plaintext and encrypted broadcast
	// ports. Overridable for tests.
	Ports []int

	// LocalKey enables the device-key fallback decrypt attempt.
	LocalKey []byte

	log *zap.Logger
}

// NewScanner returns a Scanner with default settings.
func NewScanner() *Scanner {
	return &Scanner{
		Timeout: DefaultTimeout,
		Ports:   []int{PortPlain, PortEncrypted},
		log:     logging.GetLogger(),
	}
}

// Find waits for a broadcast matching the given device id or ip (either may
// be empty) and returns its record. Fails with ErrFindTimeout when nothing
// matches within the timeout.
func (s *Scanner) Find(ctx context.Context, id, ip string) (*Record, error) {
	var found *Record
	err := s.run(ctx, func(r *Record) bool {
		if (id != "" && r.ID == id) || (ip != "" && r.IP == ip) {
			found = r
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrFindTimeout
	}
	return found, nil
}

// FindAll accumulates every distinct (id, ip) pair observed until the
// timeout expires, then returns the full set. Unlike Find, running out the
// clock is the success path.
func (s *Scanner) FindAll(ctx context.Context) ([]*Record, error) {
	seen := make(map[string]*Record)
	err := s.run(ctx, func(r *Record) bool {
		key := r.ID + "|" + r.IP
		if _, dup := seen[key]; !dup {
			seen[key] = r
		}
		return false
	})
	if err != nil && !errors.Is(err, ErrFindTimeout) {
		return nil, err
	}
	records := make([]*Record, 0, len(seen))
	for _, r := range seen {
		records = append(records, r)
	}
	return records, nil
}

// run binds the listener sockets and feeds decoded records to handle until
// handle returns true, the context ends, or the timeout expires. All
// sockets are closed on every exit path.
func (s *Scanner) run(ctx context.Context, handle func(*Record) bool) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ports := s.Ports
	if len(ports) == 0 {
		ports = []int{PortPlain, PortEncrypted}
	}

	records := make(chan *Record, 16)
	var conns []net.PacketConn
	for _, port := range ports {
		conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return fmt.Errorf("bind discovery port %d: %w", port, err)
		}
		conns = append(conns, conn)
		go s.listen(conn, records)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	for {
		select {
		case r := <-records:
			s.log.Debug("device broadcast",
				zap.String("id", r.ID),
				zap.String("ip", r.IP),
				zap.String("version", r.Version),
			)
			if handle(r) {
				return nil
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrFindTimeout
			}
			return ctx.Err()
		}
	}
}

// listen reads datagrams until the socket is closed, decoding each into
// zero or more records.
func (s *Scanner) listen(conn net.PacketConn, records chan<- *Record) {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		for _, r := range s.decode(datagram) {
			if r.IP == "" {
				if udp, ok := addr.(*net.UDPAddr); ok {
					r.IP = udp.IP.String()
				}
			}
			select {
			case records <- r:
			default:
				// listener outpaced the consumer; drop rather than block
			}
		}
	}
}

// decode parses one datagram, trying the well-known key and then the
// device local key.
func (s *Scanner) decode(datagram []byte) []*Record {
	if len(datagram) < 4 {
		return nil
	}
	version := cipher.V33
	if binary.BigEndian.Uint32(datagram[0:4]) == protocol.Prefix6699 {
		version = cipher.V35
	}

	keys := [][]byte{Key()}
	if len(s.LocalKey) == cipher.KeyLength {
		keys = append(keys, s.LocalKey)
	}

	for _, key := range keys {
		records, err := decodeWith(datagram, key, version)
		if err == nil && len(records) > 0 {
			return records
		}
	}
	return nil
}

func decodeWith(datagram, key []byte, version cipher.Version) ([]*Record, error) {
	cp, err := cipher.New(key, version)
	if err != nil {
		return nil, err
	}
	frames, err := protocol.NewCodec(cp).Parse(datagram)
	if err != nil && len(frames) == 0 {
		return nil, err
	}

	var records []*Record
	for _, f := range frames {
		var b broadcast
		if jsonErr := json.Unmarshal(f.Bytes, &b); jsonErr != nil {
			continue
		}
		if b.GwID == "" && b.IP == "" {
			continue
		}
		records = append(records, b.record())
	}
	return records, nil
}
