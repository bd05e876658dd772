package masp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vterm/masp/pkg/ascii"
)

func establishedPair(t *testing.T) (*Sender, *Receiver) {
	t.Helper()
	sender, receiver := loopbackPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- receiver.WaitForHandshake(ctx) }()
	require.NoError(t, sender.InitHandshake(ctx))
	require.NoError(t, <-errCh)
	return sender, receiver
}

func TestReceiverAcksVideoFrameAndAppendsToReassembly(t *testing.T) {
	sender, receiver := establishedPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go receiver.StartReceiving(ctx) //nolint:errcheck
	go sender.ConsumeAcks(ctx)      //nolint:errcheck

	compressed := ascii.Compress("@@@   \n")
	_, err := sender.Send(ctx, VideoData, compressed)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return receiver.ReassemblyLen() == 1
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return sender.UnackedCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestReceiverExpectedSequenceFollowsReceivedVideoSequence(t *testing.T) {
	sender, receiver := establishedPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go receiver.StartReceiving(ctx) //nolint:errcheck
	go sender.ConsumeAcks(ctx)      //nolint:errcheck

	_, err := sender.Send(ctx, VideoData, ascii.Compress("@"))
	require.NoError(t, err)
	_, err = sender.Send(ctx, VideoData, ascii.Compress("#"))
	require.NoError(t, err)
	seq, err := sender.Send(ctx, VideoData, ascii.Compress("0"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return receiver.ExpectedSequence() == seq
	}, time.Second, 10*time.Millisecond)
}

func TestReceiverDeliversInOrderText(t *testing.T) {
	sender, receiver := establishedPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go receiver.StartReceiving(ctx) //nolint:errcheck

	_, err := sender.Send(ctx, TextData, []byte("hello"))
	require.NoError(t, err)

	select {
	case text := <-receiver.ReceiveText():
		assert.Equal(t, "hello", text)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for text delivery")
	}
}

func TestReceiverParksOutOfOrderTextThenDrainsOnGapFill(t *testing.T) {
	sender, receiver := establishedPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go receiver.StartReceiving(ctx) //nolint:errcheck

	send := func(seq uint32, payload string) {
		pkt := NewPacket(TextData, seq, []byte(payload))
		_, err := sender.conn.WriteTo(pkt.Serialize(), loopbackTo(receiver))
		require.NoError(t, err)
	}

	// The first packet received anchors expectedSequence to its own
	// sequence, so it is trivially in order.
	send(100, "one")
	select {
	case text := <-receiver.ReceiveText():
		assert.Equal(t, "one", text)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the anchor packet")
	}

	// 101 is skipped; 102 arrives first and must park rather than deliver.
	send(102, "three")
	select {
	case <-receiver.ReceiveText():
		t.Fatal("out-of-order text must not deliver ahead of the gap")
	case <-time.After(100 * time.Millisecond):
	}

	// Filling the gap must deliver both, in order.
	send(101, "two")

	select {
	case text := <-receiver.ReceiveText():
		assert.Equal(t, "two", text)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the gap-filling packet")
	}
	select {
	case text := <-receiver.ReceiveText():
		assert.Equal(t, "three", text)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the drained packet")
	}
}

func TestReceiverDropsPacketsFromUnboundSource(t *testing.T) {
	_, receiver := establishedPair(t)

	impostor, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer impostor.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go receiver.StartReceiving(ctx) //nolint:errcheck

	pkt := NewPacket(TextData, 1, []byte("spoofed"))
	_, err = impostor.WriteTo(pkt.Serialize(), loopbackTo(receiver))
	require.NoError(t, err)

	select {
	case <-receiver.ReceiveText():
		t.Fatal("text from an unbound source must not be delivered")
	case <-time.After(200 * time.Millisecond):
	}
}
