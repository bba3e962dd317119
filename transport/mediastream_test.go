package transport

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentplexus/omnivoice/transport"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pbx "github.com/agentplexus/omnivoice-pbx"
	"github.com/agentplexus/omnivoice-pbx/codec"
)

const mediaPath = "/media"

func startMediaStreams(t *testing.T, opts ...MediaStreamsOption) (*MediaStreams, <-chan transport.Connection, *httptest.Server) {
	t.Helper()

	ms := NewMediaStreams(opts...)
	conns, err := ms.Listen(context.Background(), mediaPath)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle(mediaPath, ms.Handler(mediaPath))
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		_ = ms.Close()
	})
	return ms, conns, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func sign(token, url string) string {
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(url))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func acceptConnection(t *testing.T, conns <-chan transport.Connection) transport.Connection {
	t.Helper()
	select {
	case c := <-conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no media stream connection accepted")
		return nil
	}
}

func TestMediaStreamsListenTwice(t *testing.T) {
	ms := NewMediaStreams()
	_, err := ms.Listen(context.Background(), mediaPath)
	require.NoError(t, err)
	_, err = ms.Listen(context.Background(), mediaPath)
	assert.Error(t, err)
}

func TestMediaStreamsSignature(t *testing.T) {
	_, conns, srv := startMediaStreams(t, WithAuthToken("secret"))
	url := wsURL(srv, mediaPath)

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Twilio-Signature": {sign("wrong", url)}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	client, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Twilio-Signature": {sign("secret", url)}})
	require.NoError(t, err)
	defer client.Close()
	conn := acceptConnection(t, conns)
	defer conn.Close()
}

func TestMediaStreamsNoListener(t *testing.T) {
	ms := NewMediaStreams()
	srv := httptest.NewServer(ms.Handler("/unregistered"))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMediaStreamsForeignAccount(t *testing.T) {
	_, conns, srv := startMediaStreams(t, WithAccountSID("AC-mine"))

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv, mediaPath), nil)
	require.NoError(t, err)
	defer client.Close()
	conn := acceptConnection(t, conns)

	require.NoError(t, client.WriteJSON(map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "MZ1", "accountSid": "AC-other", "callSid": "CA1"},
	}))

	var started bool
	for ev := range conn.Events() {
		if ev.Type == transport.EventAudioStarted {
			started = true
		}
	}
	assert.False(t, started)
}

func TestConnectionStreamLifecycle(t *testing.T) {
	ms, conns, srv := startMediaStreams(t)
	digits := make(chan string, 1)
	ms.OnDTMF(func(_ transport.Connection, digit string) { digits <- digit })

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv, mediaPath), nil)
	require.NoError(t, err)
	defer client.Close()

	stream := FromConnection(acceptConnection(t, conns), pbx.ProtocolMediaStreams)
	defer stream.Close()

	audio := codec.PCM16ToMulaw(make([]int16, 160))
	msgs := []map[string]any{
		{"event": "connected"},
		{"event": "start", "start": map[string]any{
			"streamSid":        "MZ123",
			"accountSid":       "AC1",
			"callSid":          "CA123",
			"customParameters": map[string]string{"call_id": "call-42", "persona": "support"},
		}},
		{"event": "media", "media": map[string]any{"payload": base64.StdEncoding.EncodeToString(audio)}},
		{"event": "dtmf", "dtmf": map[string]any{"digit": "5"}},
		{"event": "stop", "stop": map[string]any{"callSid": "CA123"}},
	}
	for _, m := range msgs {
		require.NoError(t, client.WriteJSON(m))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []Event
	for {
		ev, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	assert.Equal(t, EventStart, events[0].Kind)
	assert.Equal(t, "call-42", events[0].CallID)
	assert.Equal(t, "support", events[0].Metadata["persona"])
	assert.Equal(t, "call-42", stream.CallID())

	var samples int
	var hangup bool
	var unknown []string
	for _, ev := range events[1:] {
		switch ev.Kind {
		case EventUnknown:
			unknown = append(unknown, string(ev.Raw))
		case EventAudio:
			assert.Equal(t, codec.TelephonyRate, ev.Audio.SampleRate)
			samples += ev.Audio.Len()
		case EventHangup:
			hangup = true
		}
	}
	assert.Equal(t, 160, samples)
	assert.True(t, hangup)
	assert.Equal(t, []string{"5"}, unknown)
	assert.Equal(t, "5", <-digits)
}

func TestConnectionStreamSend(t *testing.T) {
	_, conns, srv := startMediaStreams(t)

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv, mediaPath), nil)
	require.NoError(t, err)
	defer client.Close()

	stream := FromConnection(acceptConnection(t, conns), pbx.ProtocolMediaStreams)
	defer stream.Close()

	require.NoError(t, client.WriteJSON(map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "MZ9", "callSid": "CA9"},
	}))
	ev, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, EventStart, ev.Kind)
	assert.Equal(t, "CA9", ev.CallID)

	chunk := codec.AudioChunk{Samples: make([]int16, 320), SampleRate: codec.TranscriptionRate}
	require.NoError(t, stream.Send(context.Background(), chunk))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))

	var media streamMessage
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &media))
	assert.Equal(t, "media", media.Event)
	assert.Equal(t, "MZ9", media.StreamSID)
	payload, err := base64.StdEncoding.DecodeString(media.Media.Payload)
	require.NoError(t, err)
	assert.Len(t, payload, 160)

	var mark streamMessage
	_, data, err = client.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &mark))
	assert.Equal(t, "mark", mark.Event)
	require.NotNil(t, mark.Mark)
	assert.NotEmpty(t, mark.Mark.Name)
}

func TestOutboxDropsOldest(t *testing.T) {
	o := newOutbox(2)
	require.NoError(t, o.push(outbound{mark: "a"}))
	require.NoError(t, o.push(outbound{mark: "b"}))
	require.NoError(t, o.push(outbound{mark: "c"}))

	assert.Equal(t, "b", (<-o.items).mark)
	assert.Equal(t, "c", (<-o.items).mark)

	require.NoError(t, o.Close())
	_, err := o.Write([]byte{1})
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestInboundAudio(t *testing.T) {
	a := newInboundAudio(4)
	a.push([]byte{1, 2, 3})
	a.push([]byte{4, 5, 6})

	buf := make([]byte, 8)
	n, err := a.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5, 6}, buf[:n])

	done := make(chan error, 1)
	go func() {
		_, err := a.Read(buf)
		done <- err
	}()
	a.close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not return after close")
	}
}
