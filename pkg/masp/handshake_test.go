package masp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackTo returns 127.0.0.1 at r's port. r listens on the wildcard
// address, which an IPv4 socket cannot use as a destination.
func loopbackTo(r *Receiver) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: r.LocalAddr().Port}
}

func loopbackPair(t *testing.T) (*Sender, *Receiver) {
	t.Helper()
	receiver, err := NewReceiver(0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { receiver.Close() })

	senderLocal := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	sender, err := NewSender(senderLocal, loopbackTo(receiver), nil)
	require.NoError(t, err)
	t.Cleanup(func() { sender.Close() })

	return sender, receiver
}

func TestHandshakeCompletesOnFirstAttempt(t *testing.T) {
	sender, receiver := loopbackPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- receiver.WaitForHandshake(ctx) }()

	require.NoError(t, sender.InitHandshake(ctx))
	require.NoError(t, <-errCh)
	assert.Equal(t, sender.LocalAddr().String(), receiver.RemoteAddr().String())
}

// TestHandshakeIgnoresRequestFromSecondPeerOnceBound drives the handshake
// by hand (rather than through Sender.InitHandshake) so a second peer's
// HandshakeRequest can be injected in the window after the legitimate peer
// binds the remote but before it sends its FinalAck.
func TestHandshakeIgnoresRequestFromSecondPeerOnceBound(t *testing.T) {
	receiver, err := NewReceiver(0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { receiver.Close() })

	legit, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer legit.Close()

	other, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer other.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- receiver.WaitForHandshake(ctx) }()

	req := NewPacket(HandshakeRequest, 1, nil)
	_, err = legit.WriteTo(req.Serialize(), loopbackTo(receiver))
	require.NoError(t, err)

	buf := make([]byte, 64)
	require.NoError(t, legit.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := legit.ReadFrom(buf)
	require.NoError(t, err)
	ack, err := ParsePacket(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, HandshakeAck, ack.Type)

	// The legitimate peer is now bound but hasn't sent FinalAck yet. An
	// impostor's request arriving in this window must be ignored.
	impostor := NewPacket(HandshakeRequest, 1, nil)
	_, err = other.WriteTo(impostor.Serialize(), loopbackTo(receiver))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	finalAck := NewPacket(HandshakeFinalAck, 1, nil)
	_, err = legit.WriteTo(finalAck.Serialize(), loopbackTo(receiver))
	require.NoError(t, err)

	require.NoError(t, <-errCh)
	assert.Equal(t, legit.LocalAddr().String(), receiver.RemoteAddr().String())
}

func TestHandshakeRetriesSucceedAfterInitialTimeout(t *testing.T) {
	receiver, err := NewReceiver(0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { receiver.Close() })

	senderLocal := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	sender, err := NewSender(senderLocal, loopbackTo(receiver), nil)
	require.NoError(t, err)
	t.Cleanup(func() { sender.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Delay the receiver's handshake acceptance past the sender's first
	// handshakeTimeout window so InitHandshake must retry.
	errCh := make(chan error, 1)
	go func() {
		time.Sleep(handshakeTimeout + 200*time.Millisecond)
		errCh <- receiver.WaitForHandshake(ctx)
	}()

	require.NoError(t, sender.InitHandshake(ctx))
	require.NoError(t, <-errCh)
}
