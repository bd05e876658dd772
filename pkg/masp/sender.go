package masp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/vterm/masp/pkg/metrics"
)

// Tunable timings.
const (
	maxHandshakeAttempts  = 3
	handshakeTimeout      = 3 * time.Second
	retransmitPeriod      = 100 * time.Millisecond
	holePunchCount        = 10
	holePunchDelay        = 5 * time.Millisecond
	handshakeRecvBufSize  = 1024
	ackConsumerBufSize    = 1024
)

// Sender is a clonable handle onto one outgoing UDP endpoint. All mutable
// state (the sequence counter and the unacknowledged table) lives behind a
// single mutex, shared by every copy of the handle: the send path, the ack
// consumer, and the retransmitter all address the same underlying socket
// concurrently.
type Sender struct {
	conn    *net.UDPConn
	remote  net.Addr
	metrics *metrics.Collector

	mu       sync.Mutex
	sequence uint32
	unacked  map[uint32]Packet
}

// NewSender binds a UDP socket on localAddr and targets remoteAddr for
// outgoing data.
func NewSender(localAddr, remoteAddr *net.UDPAddr, m *metrics.Collector) (*Sender, error) {
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, errors.Wrap(err, "bind sender socket")
	}
	return &Sender{
		conn:    conn,
		remote:  remoteAddr,
		metrics: m,
		unacked: make(map[uint32]Packet),
	}, nil
}

// Close releases the underlying socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}

// LocalAddr returns the bound local address.
func (s *Sender) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// RemoteAddr returns the endpoint packets are sent to.
func (s *Sender) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Send increments the sequence counter (wrapping), writes the packet to the
// socket, and, for any type other than Ack/RetransmitRequest, inserts it
// into the unacknowledged table keyed by its new sequence.
func (s *Sender) Send(ctx context.Context, t PacketType, payload []byte) (uint32, error) {
	s.mu.Lock()
	s.sequence++
	seq := s.sequence
	pkt := NewPacket(t, seq, payload)
	if t.isDataType() {
		s.unacked[seq] = pkt
		s.metrics.SetUnacked(len(s.unacked))
	}
	remote := s.remote
	s.mu.Unlock()

	if err := s.writeTo(ctx, pkt, remote); err != nil {
		return seq, err
	}
	return seq, nil
}

// sendRaw writes a packet without touching the sequence counter or the
// unacknowledged table. Used for the HandshakeFinalAck, which carries the
// current counter value rather than a newly incremented one.
func (s *Sender) sendRaw(ctx context.Context, pkt Packet, to net.Addr) error {
	return s.writeTo(ctx, pkt, to)
}

func (s *Sender) writeTo(ctx context.Context, pkt Packet, to net.Addr) error {
	_, err := s.conn.WriteTo(pkt.Serialize(), to)
	if err != nil {
		dlog.Errorf(ctx, "masp: send %s seq=%d failed: %v", pkt.Type, pkt.Sequence, err)
		return errors.Wrap(err, "send packet")
	}
	s.metrics.IncSent(pkt.Type.String())
	return nil
}

// resend rewrites a previously-sent packet to the wire verbatim (same
// sequence number), used by the retransmitter.
func (s *Sender) resend(ctx context.Context, pkt Packet, to net.Addr) {
	if err := s.writeTo(ctx, pkt, to); err != nil {
		dlog.Errorf(ctx, "masp: retransmit seq=%d failed: %v", pkt.Sequence, err)
		return
	}
	s.metrics.IncRetransmits()
}

// ackRemove deletes seq from the unacknowledged table, if present.
func (s *Sender) ackRemove(seq uint32) {
	s.mu.Lock()
	delete(s.unacked, seq)
	s.metrics.SetUnacked(len(s.unacked))
	s.mu.Unlock()
}

// UnackedCount reports the current size of the unacknowledged table.
func (s *Sender) UnackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unacked)
}

// InitHandshake drives the three-way handshake from the initiating side: up
// to three attempts of (HandshakeRequest, wait up to 3s for HandshakeAck from
// the configured remote), followed by a HandshakeFinalAck on success.
func (s *Sender) InitHandshake(ctx context.Context) error {
	for attempt := 0; attempt < maxHandshakeAttempts; attempt++ {
		dlog.Debugf(ctx, "masp: handshake attempt %d", attempt+1)

		reqSeq, err := s.Send(ctx, HandshakeRequest, nil)
		if err != nil {
			return err
		}

		err = s.awaitHandshakeAck(ctx, handshakeTimeout)
		// The attempt's outcome settles this request, so it is dropped from
		// the unacknowledged table rather than left for the retransmitter.
		s.ackRemove(reqSeq)
		if err == nil {
			s.mu.Lock()
			seq := s.sequence
			remote := s.remote
			s.mu.Unlock()
			finalAck := NewPacket(HandshakeFinalAck, seq, nil)
			if err := s.sendRaw(ctx, finalAck, remote); err != nil {
				return err
			}
			dlog.Infof(ctx, "masp: handshake completed")
			return nil
		}
		dlog.Debugf(ctx, "masp: handshake attempt %d failed: %v", attempt+1, err)
	}
	return ErrHandshakeFailed
}

// awaitHandshakeAck blocks for up to timeout for a HandshakeAck from the
// configured remote. Any other packet type, or a packet from an unexpected
// source, counts as a failed attempt.
func (s *Sender) awaitHandshakeAck(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return errors.Wrap(err, "set read deadline")
	}
	defer s.conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	buf := make([]byte, handshakeRecvBufSize)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return ErrTimeout
			}
			return errors.Wrap(err, "read handshake ack")
		}
		s.mu.Lock()
		remote := s.remote
		s.mu.Unlock()
		if addr.String() != remote.String() {
			return ErrUnexpectedSource
		}
		pkt, err := ParsePacket(buf[:n])
		if err != nil {
			return err
		}
		if pkt.Type != HandshakeAck {
			return ErrUnexpectedType
		}
		return nil
	}
}

// PunchHole sends holePunchCount Punch packets spaced by holePunchDelay,
// twice over, to each of remoteRxPort and remoteTxPort on the remote host,
// restoring the original remote binding on exit. Every punch leaves from
// this Sender's own socket: the local side of the 2x2 (local, remote) port
// matrix is not varied, so no punches leave from the receiver's port. Must
// run before the handshake so
// the initiator's HandshakeRequest isn't the first datagram to cross the
// NAT.
func (s *Sender) PunchHole(ctx context.Context, remoteRxPort, remoteTxPort int) error {
	s.mu.Lock()
	originalRemote := s.remote
	s.mu.Unlock()

	remoteUDP, ok := originalRemote.(*net.UDPAddr)
	if !ok {
		return errors.New("remote address is not a UDP address")
	}

	remotePorts := []int{remoteRxPort, remoteTxPort}

	// A single Sender owns one bound local port, so the "own_rx/own_tx" half
	// of the 2x2 matrix can't be realized by rebinding mid-burst without
	// losing the conntrack entries the first punches just opened. The inner
	// loop still runs twice per remote port to keep the burst count matching
	// the intended per-pairing count (holePunchCount per (L,R) combination);
	// both iterations punch from the socket this Sender already owns.
	const localPairings = 2
	for _, rp := range remotePorts {
		s.mu.Lock()
		s.remote = &net.UDPAddr{IP: remoteUDP.IP, Port: rp}
		s.mu.Unlock()

		for pairing := 0; pairing < localPairings; pairing++ {
			for i := 0; i < holePunchCount; i++ {
				if _, err := s.Send(ctx, Punch, nil); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(holePunchDelay):
				}
			}
		}
	}

	s.mu.Lock()
	s.remote = originalRemote
	s.mu.Unlock()
	return nil
}

// ConsumeAcks loops reading from the socket; for each accepted Ack whose
// source matches the remote, decodes the acknowledged sequence and removes
// it from the unacknowledged table. All other packet types and unexpected
// sources are dropped.
func (s *Sender) ConsumeAcks(ctx context.Context) error {
	buf := make([]byte, ackConsumerBufSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			return errors.Wrap(err, "set read deadline")
		}
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "read ack")
		}
		s.mu.Lock()
		remote := s.remote
		s.mu.Unlock()
		if addr.String() != remote.String() {
			continue
		}
		pkt, err := ParsePacket(buf[:n])
		if err != nil {
			dlog.Debugf(ctx, "masp: dropping malformed packet on ack path: %v", err)
			continue
		}
		if pkt.Type != Ack {
			continue
		}
		seq, err := decodeSequence(pkt.Payload)
		if err != nil {
			continue
		}
		s.ackRemove(seq)
		s.metrics.IncAcksConsumed()
	}
}

// RetransmitLoop resends every packet still in the unacknowledged table
// every retransmitPeriod, with no backoff and no retry cap.
func (s *Sender) RetransmitLoop(ctx context.Context) error {
	ticker := time.NewTicker(retransmitPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.mu.Lock()
			snapshot := make([]Packet, 0, len(s.unacked))
			for _, pkt := range s.unacked {
				snapshot = append(snapshot, pkt)
			}
			remote := s.remote
			s.mu.Unlock()
			for _, pkt := range snapshot {
				s.resend(ctx, pkt, remote)
			}
		}
	}
}
