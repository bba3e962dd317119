package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/omnivoice-pbx/codec"
	"github.com/agentplexus/omnivoice-pbx/frame"
)

const testCallID = "0d6f5c5e-7f3a-4f7e-9a2b-3c4d5e6f7a8b"

func mustFrame(t *testing.T, callID string, kind frame.Kind, payload []byte) []byte {
	t.Helper()
	buf, err := frame.Marshal(callID, kind, payload)
	require.NoError(t, err)
	return buf
}

func TestAudioSocketStreamEvents(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	s := NewAudioSocketStream(server)
	defer s.Close()

	other := "11111111-2222-3333-4444-555555555555"
	var wire bytes.Buffer
	wire.Write(mustFrame(t, testCallID, frame.KindAudio, codec.PCM16ToBytes([]int16{1, 2, 3})))
	wire.Write(mustFrame(t, testCallID, frame.KindSilence, nil))
	// Later frames belong to the first call id whatever they carry.
	wire.Write(mustFrame(t, other, frame.KindAudio, []byte{1, 0, 2}))
	wire.Write(mustFrame(t, testCallID, frame.Kind(0x42), []byte{9}))
	wire.Write(mustFrame(t, testCallID, frame.KindHangup, nil))
	go func() {
		_, _ = client.Write(wire.Bytes())
		_ = client.Close()
	}()

	ctx := context.Background()
	var events []Event
	for {
		ev, err := s.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		events = append(events, ev)
	}

	require.Len(t, events, 6)
	assert.Equal(t, EventStart, events[0].Kind)
	assert.Equal(t, testCallID, events[0].CallID)

	assert.Equal(t, EventAudio, events[1].Kind)
	assert.Equal(t, []int16{1, 2, 3}, events[1].Audio.Samples)
	assert.Equal(t, codec.TelephonyRate, events[1].Audio.SampleRate)

	assert.Equal(t, EventSilence, events[2].Kind)

	assert.Equal(t, EventAudio, events[3].Kind)
	assert.Equal(t, testCallID, events[3].CallID)
	assert.Equal(t, []int16{1}, events[3].Audio.Samples)

	assert.Equal(t, EventUnknown, events[4].Kind)
	assert.Equal(t, []byte{9}, events[4].Raw)

	assert.Equal(t, EventHangup, events[5].Kind)
	assert.Equal(t, testCallID, s.CallID())
}

func TestAudioSocketStreamTruncatedTrailingFrame(t *testing.T) {
	client, server := net.Pipe()
	s := NewAudioSocketStream(server, WithEncoding(codec.EncodingMulaw))
	defer s.Close()

	buf := mustFrame(t, testCallID, frame.KindAudio, bytes.Repeat([]byte{0xFF}, 160))
	go func() {
		_, _ = client.Write(buf[:frame.HeaderSize+100])
		_ = client.Close()
	}()

	ctx := context.Background()
	ev, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventStart, ev.Kind)

	ev, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventAudio, ev.Kind)
	assert.Len(t, ev.Audio.Samples, 100)

	_, err = s.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestAudioSocketStreamContextCancel(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	s := NewAudioSocketStream(server)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAudioSocketStreamSend(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	s := NewAudioSocketStream(server, WithEncoding(codec.EncodingMulaw))
	defer s.Close()

	err := s.Send(context.Background(), codec.AudioChunk{Samples: make([]int16, 10), SampleRate: codec.TelephonyRate})
	require.Error(t, err)

	silence := mustFrame(t, testCallID, frame.KindSilence, nil)
	go func() {
		_, _ = client.Write(silence)
	}()
	_, err = s.Next(context.Background())
	require.NoError(t, err)

	// 50 ms at 16 kHz is resampled to 400 samples at 8 kHz: two full
	// packets and a half packet.
	chunk := codec.AudioChunk{Samples: make([]int16, 800), SampleRate: codec.TranscriptionRate}
	sent := make(chan error, 1)
	go func() { sent <- s.Send(context.Background(), chunk) }()

	r := frame.NewReader(client)
	var sizes []int
	for i := 0; i < 3; i++ {
		f, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, frame.KindAudio, f.Kind)
		assert.Equal(t, testCallID, f.CallID)
		sizes = append(sizes, len(f.Payload))
	}
	require.NoError(t, <-sent)
	assert.Equal(t, []int{160, 160, 80}, sizes)

	go func() { sent <- s.Hangup() }()
	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, frame.KindHangup, f.Kind)
	require.NoError(t, <-sent)
}

func TestWritePacketsPacing(t *testing.T) {
	chunk := codec.AudioChunk{Samples: make([]int16, 480), SampleRate: codec.TelephonyRate}

	var n int
	start := time.Now()
	err := writePackets(context.Background(), chunk, true, func(codec.AudioChunk) error {
		n++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.GreaterOrEqual(t, time.Since(start), 2*PacketDuration)
}

func TestWritePacketsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := writePackets(ctx, codec.AudioChunk{Samples: make([]int16, 160), SampleRate: codec.TelephonyRate}, false, func(codec.AudioChunk) error {
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
