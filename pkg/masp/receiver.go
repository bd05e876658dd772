package masp

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/vterm/masp/pkg/ascii"
	"github.com/vterm/masp/pkg/metrics"
)

const (
	finalAckTimeout     = 3 * time.Second
	receiveBufSize      = 10 * 1024 // accommodate a compressed video frame
	renderThreshold     = 24
	textReorderMaxTries = 3 // matches the handshake's retry budget by convention
)

// frameEntry is one reassembled ASCII video frame awaiting render.
type frameEntry struct {
	frame string
	seq   uint32
}

// parkedText is an out-of-order TextData payload awaiting its predecessor.
type parkedText struct {
	payload []byte
	waiting int // retransmission requests issued for the gap ahead of it
}

// Receiver owns one incoming UDP socket. Unlike Sender it is not designed to
// be cloned across goroutines beyond the handful of internal loops it starts
// itself (handshake acceptance, receive loop, render loop).
type Receiver struct {
	conn    *net.UDPConn
	metrics *metrics.Collector

	mu               sync.Mutex
	remote           net.Addr
	sequenceSynced   bool // true once expectedSequence has tracked a real data packet
	expectedSequence uint32
	reassembly       []frameEntry

	textMu      sync.Mutex
	textParked  map[uint32]*parkedText
	textOut     chan string
	sender      *Sender // used to emit RetransmitRequest packets; Acks go out on conn
}

// NewReceiver binds a UDP socket on 0.0.0.0:port. The bound remote is
// unknown until a handshake completes.
func NewReceiver(port int, m *metrics.Collector) (*Receiver, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, errors.Wrap(err, "bind receiver socket")
	}
	return &Receiver{
		conn:       conn,
		metrics:    m,
		textParked: make(map[uint32]*parkedText),
		textOut:    make(chan string, 16),
	}, nil
}

// Close releases the underlying socket.
func (r *Receiver) Close() error {
	return r.conn.Close()
}

// LocalAddr returns the bound local address.
func (r *Receiver) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// RemoteAddr returns the bound remote endpoint, or nil before handshake.
func (r *Receiver) RemoteAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remote
}

// ReceiveText exposes in-order TextData payloads to a caller.
func (r *Receiver) ReceiveText() <-chan string {
	return r.textOut
}

// AttachSender lets the receiver emit RetransmitRequest packets for
// out-of-order TextData back over the paired Sender. Optional: a receiver
// with no attached sender simply parks out-of-order text forever without
// requesting a fill.
func (r *Receiver) AttachSender(s *Sender) {
	r.sender = s
}

// WaitForHandshake loops accepting datagrams until a HandshakeRequest
// arrives; binds the remote endpoint to its source, replies with a
// HandshakeAck echoing the request's sequence, then waits up to
// finalAckTimeout for a HandshakeFinalAck from that same source.
// On timeout it returns to the outer loop without resetting the bound
// remote, so a retried HandshakeRequest from the same peer (the initiator's
// own retry budget) can still complete the handshake. Exactly one handshake
// completes per session: once remote is bound, a HandshakeRequest from a
// different source is silently ignored rather than rebinding it.
func (r *Receiver) WaitForHandshake(ctx context.Context) error {
	buf := make([]byte, handshakeRecvBufSize)
	for {
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			return errors.Wrap(err, "receive handshake")
		}
		pkt, err := ParsePacket(buf[:n])
		if err != nil {
			dlog.Debugf(ctx, "masp: dropping malformed packet during handshake: %v", err)
			continue
		}
		if pkt.Type != HandshakeRequest {
			continue
		}

		r.mu.Lock()
		boundToOther := r.remote != nil && r.remote.String() != addr.String()
		if r.remote == nil {
			r.remote = addr
		}
		r.mu.Unlock()
		if boundToOther {
			// Exactly one handshake completes per session.
			continue
		}

		dlog.Infof(ctx, "masp: handshake request from %s", addr)
		ackPkt := NewPacket(HandshakeAck, pkt.Sequence, nil)
		if _, err := r.conn.WriteTo(ackPkt.Serialize(), addr); err != nil {
			dlog.Errorf(ctx, "masp: send handshake ack failed: %v", err)
			continue
		}

		if err := r.awaitFinalAck(ctx, addr, finalAckTimeout); err != nil {
			dlog.Debugf(ctx, "masp: final ack wait failed, awaiting retry from %s: %v", addr, err)
			continue
		}
		dlog.Infof(ctx, "masp: handshake completed with %s", addr)
		return nil
	}
}

func (r *Receiver) awaitFinalAck(ctx context.Context, expected net.Addr, timeout time.Duration) error {
	if err := r.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return errors.Wrap(err, "set read deadline")
	}
	defer r.conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	buf := make([]byte, handshakeRecvBufSize)
	for {
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return ErrTimeout
			}
			return errors.Wrap(err, "read final ack")
		}
		// Anything other than a HandshakeFinalAck from expected (another
		// peer's request, a retried request) is skipped until the deadline.
		if addr.String() != expected.String() {
			continue
		}
		pkt, err := ParsePacket(buf[:n])
		if err != nil {
			return err
		}
		if pkt.Type != HandshakeFinalAck {
			continue
		}
		return nil
	}
}

// StartReceiving runs the main receive loop: reads datagrams, drops any not
// from the bound remote, parses (logging and continuing on failure), and
// dispatches by type. Socket read errors are fatal and propagate to the
// caller; socket write errors (e.g. sending an Ack) are logged and the loop
// continues.
func (r *Receiver) StartReceiving(ctx context.Context) error {
	buf := make([]byte, receiveBufSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "receive loop")
		}

		r.mu.Lock()
		remote := r.remote
		r.mu.Unlock()
		if remote == nil || addr.String() != remote.String() {
			continue
		}

		pkt, err := ParsePacket(buf[:n])
		if err != nil {
			dlog.Debugf(ctx, "masp: dropping malformed packet: %v", err)
			r.metrics.IncParseErrors()
			continue
		}
		r.metrics.IncReceived(pkt.Type.String())

		r.mu.Lock()
		if !r.sequenceSynced {
			// The sender's counter is shared with the hole-punch burst and
			// the handshake, so it is already well past zero by the time data
			// packets start; anchor to whatever sequence the first one
			// carries instead of assuming the two sides start at the same
			// value.
			r.expectedSequence = pkt.Sequence
			r.sequenceSynced = true
		} else {
			r.expectedSequence++
		}
		r.mu.Unlock()

		switch pkt.Type {
		case VideoData:
			r.handleVideoFrame(ctx, pkt)
		case AudioData:
			// reserved, no-op
		case TextData:
			r.handleText(ctx, pkt)
		case HandshakeRequest, HandshakeAck, HandshakeFinalAck:
			// silently ignored once a handshake has already bound the remote
		default:
			// Ack/RetransmitRequest/Punch arriving on the receive socket
			// have no meaning here; the sender handles Acks on its own
			// socket. Drop.
		}
	}
}

// handleVideoFrame makes the received sequence authoritative (video frames
// never trigger a retransmit request, unlike text), decompresses the
// payload, appends it to the reassembly buffer, and acks it.
func (r *Receiver) handleVideoFrame(ctx context.Context, pkt Packet) {
	r.mu.Lock()
	r.expectedSequence = pkt.Sequence
	r.mu.Unlock()

	frame := ascii.Decompress(pkt.Payload)

	r.mu.Lock()
	r.reassembly = append(r.reassembly, frameEntry{frame: frame, seq: pkt.Sequence})
	depth := len(r.reassembly)
	r.mu.Unlock()
	r.metrics.SetReassemblyDepth(depth)

	r.sendAck(ctx, pkt.Sequence)
}

func (r *Receiver) sendAck(ctx context.Context, seq uint32) {
	r.mu.Lock()
	remote := r.remote
	r.mu.Unlock()
	if remote == nil {
		return
	}
	ackPkt := NewPacket(Ack, 0, encodeSequence(seq))
	if _, err := r.conn.WriteTo(ackPkt.Serialize(), remote); err != nil {
		dlog.Errorf(ctx, "masp: send ack failed: %v", err)
		return
	}
	r.metrics.IncSent(Ack.String())
}

// handleText parks out-of-order TextData and requests retransmission of the
// gap; in-order text is delivered immediately and any now-contiguous parked
// entries are drained.
func (r *Receiver) handleText(ctx context.Context, pkt Packet) {
	r.textMu.Lock()
	defer r.textMu.Unlock()

	r.mu.Lock()
	expected := r.expectedSequence
	r.mu.Unlock()

	if pkt.Sequence != expected {
		entry, exists := r.textParked[pkt.Sequence]
		if !exists {
			entry = &parkedText{payload: pkt.Payload}
			r.textParked[pkt.Sequence] = entry
		}
		if entry.waiting < textReorderMaxTries {
			entry.waiting++
			// StartReceiving advanced the counter before dispatch; step it
			// back so the packet that fills the gap at expected compares
			// equal.
			r.mu.Lock()
			r.expectedSequence = expected - 1
			r.mu.Unlock()
			r.requestRetransmit(ctx, expected)
		} else {
			// Give up waiting for the gap; deliver what arrived so the
			// stream doesn't stall forever on one lost packet.
			r.deliverText(pkt.Payload)
			delete(r.textParked, pkt.Sequence)
		}
		return
	}

	r.deliverText(pkt.Payload)
	next := r.drainParkedText(pkt.Sequence + 1)
	r.mu.Lock()
	r.expectedSequence = next - 1
	r.mu.Unlock()
}

// drainParkedText delivers parked entries from next onwards while they are
// contiguous and returns the first sequence that was not parked.
func (r *Receiver) drainParkedText(next uint32) uint32 {
	for {
		entry, ok := r.textParked[next]
		if !ok {
			return next
		}
		r.deliverText(entry.payload)
		delete(r.textParked, next)
		next++
	}
}

func (r *Receiver) deliverText(payload []byte) {
	select {
	case r.textOut <- string(payload):
	default:
		// Slow consumer: drop rather than block the receive loop.
	}
}

func (r *Receiver) requestRetransmit(ctx context.Context, seq uint32) {
	if r.sender == nil {
		return
	}
	if _, err := r.sender.Send(ctx, RetransmitRequest, encodeSequence(seq)); err != nil {
		dlog.Errorf(ctx, "masp: retransmit request failed: %v", err)
	}
}

// RenderLoop periodically drains the reassembly buffer once it reaches
// renderThreshold entries: sorts by sequence descending (latest first),
// renders the head via render, and pops it.
func (r *Receiver) RenderLoop(ctx context.Context, render func(string)) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.mu.Lock()
			if len(r.reassembly) < renderThreshold {
				r.mu.Unlock()
				continue
			}
			sort.Slice(r.reassembly, func(i, j int) bool {
				return r.reassembly[i].seq > r.reassembly[j].seq
			})
			head := r.reassembly[0]
			r.reassembly = r.reassembly[1:]
			depth := len(r.reassembly)
			r.mu.Unlock()
			r.metrics.SetReassemblyDepth(depth)
			render(head.frame)
			r.metrics.IncFramesRendered()
		}
	}
}

// ReassemblyLen reports the current reassembly buffer depth.
func (r *Receiver) ReassemblyLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reassembly)
}

// ExpectedSequence reports the receiver's current expected sequence number.
func (r *Receiver) ExpectedSequence() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expectedSequence
}
