package bridge

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/omnivoice-pbx/callsystem"
	"github.com/agentplexus/omnivoice-pbx/codec"
	"github.com/agentplexus/omnivoice-pbx/dialer"
	"github.com/agentplexus/omnivoice-pbx/frame"
	"github.com/agentplexus/omnivoice-pbx/internal/eventsocket/eventsockettest"
	"github.com/agentplexus/omnivoice-pbx/pipeline"
	"github.com/agentplexus/omnivoice-pbx/session"
	"github.com/agentplexus/omnivoice-pbx/store"
)

var (
	originationUUID = regexp.MustCompile(`origination_uuid=([0-9a-f-]{36})`)
	uuidPattern     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

// answerOriginate echoes the pre-assigned origination uuid and accepts
// every other command.
func answerOriginate(cmd string) string {
	if m := originationUUID.FindStringSubmatch(cmd); m != nil && strings.HasPrefix(cmd, "api originate") {
		return eventsockettest.APIResponse("+OK " + m[1] + "\n")
	}
	return eventsockettest.APIResponse("+OK Success\n")
}

// echoPipeline transcribes every turn as "hello" and replies with 20 ms of
// audio.
type echoPipeline struct {
	mu    sync.Mutex
	turns []pipeline.TurnRequest
}

func (p *echoPipeline) Turn(_ context.Context, req pipeline.TurnRequest) (*pipeline.TurnResult, error) {
	p.mu.Lock()
	p.turns = append(p.turns, req)
	p.mu.Unlock()
	return &pipeline.TurnResult{
		User:      pipeline.Message{Role: pipeline.RoleUser, Content: "hello"},
		Assistant: pipeline.Message{Role: pipeline.RoleAssistant, Content: "Hi there."},
		Audio:     codec.AudioChunk{Samples: make([]int16, 160), SampleRate: 8000},
	}, nil
}

func (p *echoPipeline) Speak(_ context.Context, _ string, req pipeline.SynthesisRequest) (codec.AudioChunk, pipeline.Costs, error) {
	if req.Text == "" {
		return codec.AudioChunk{SampleRate: 8000}, pipeline.Costs{}, nil
	}
	return codec.AudioChunk{Samples: make([]int16, 160), SampleRate: 8000}, pipeline.Costs{}, nil
}

func (p *echoPipeline) callIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.turns))
	for _, t := range p.turns {
		ids = append(ids, t.CallID)
	}
	return ids
}

var personas = dialer.PersonaMap{
	"sales": {ID: "sales", SystemPrompt: "You sell dental plans.", Greeting: "Hello from Acme."},
}

func newRegistry(t *testing.T, p session.Pipeline, opts ...session.Option) *session.Registry {
	t.Helper()
	opts = append([]session.Option{
		session.WithPipeline(p),
		session.WithBufferDuration(20 * time.Millisecond),
	}, opts...)
	r, err := session.NewRegistry(opts...)
	require.NoError(t, err)
	return r
}

func serveAudioSocket(t *testing.T, s *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeAudioSocket(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		assert.NoError(t, s.Shutdown(shutdownCtx))
	})
	return ln.Addr().String()
}

func writeFrame(t *testing.T, conn net.Conn, callID string, kind frame.Kind, payload []byte) {
	t.Helper()
	buf, err := frame.Marshal(callID, kind, payload)
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)
}

func TestOutboundCallEndToEnd(t *testing.T) {
	sw := eventsockettest.NewServer(t, "ClueCon", answerOriginate)
	esl, err := callsystem.NewESL(
		callsystem.WithAddress(sw.Addr()),
		callsystem.WithCredentials("", "ClueCon"),
		callsystem.WithGateway("trunk"),
		callsystem.WithDialTimeout(time.Second),
	)
	require.NoError(t, err)

	st := store.NewMemory()
	d, err := dialer.New(esl, st, personas,
		dialer.WithBridgeTarget("999", "default"),
		dialer.WithStream(dialer.StreamConfig{
			SocketURL:  "ws://bridge.internal:8090/audio",
			Encoding:   codec.EncodingPCM16,
			SampleRate: 8000,
		}),
	)
	require.NoError(t, err)

	ctx := context.Background()
	res, err := d.Dial(ctx, dialer.DialRequest{To: "+60123456789", PersonaID: "sales", CampaignID: "spring"})
	require.NoError(t, err)
	require.Regexp(t, uuidPattern, res.CallID)
	other, err := d.Dial(ctx, dialer.DialRequest{To: "+60111111111", PersonaID: "sales"})
	require.NoError(t, err)

	cmds := sw.Commands()
	require.Len(t, cmds, 4)
	assert.Contains(t, cmds[0], "sofia/gateway/trunk/+60123456789 999 XML default")
	assert.Contains(t, cmds[1], "uuid_audio_stream "+res.CallID+" start ws://bridge.internal:8090/audio mono 8k")

	p := &echoPipeline{}
	reg := newRegistry(t, p, session.WithStore(st))
	addr := serveAudioSocket(t, New(reg))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	otherConn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer otherConn.Close()

	writeFrame(t, conn, res.CallID, frame.KindAudio, codec.PCM16ToBytes(make([]int16, 160)))
	writeFrame(t, otherConn, other.CallID, frame.KindSilence, nil)

	require.Eventually(t, func() bool { return len(p.callIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{res.CallID}, p.callIDs())
	assert.Equal(t, 2, reg.Len())

	// The greeting comes back on the call's own connection.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := frame.NewReader(conn).Next()
	require.NoError(t, err)
	assert.Equal(t, res.CallID, f.CallID)
	assert.Equal(t, frame.KindAudio, f.Kind)

	rec, err := st.Get(ctx, res.CallID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConnected, rec.Status)
	assert.Equal(t, "spring", rec.CampaignID)

	sess, ok := reg.Get(res.CallID)
	require.True(t, ok)
	require.Eventually(t, func() bool { return len(sess.History()) == 3 }, 2*time.Second, 10*time.Millisecond)

	writeFrame(t, conn, res.CallID, frame.KindHangup, nil)
	require.Eventually(t, func() bool {
		_, ok := reg.Get(res.CallID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, reg.Hangup(res.CallID, session.EndHangup))

	require.Eventually(t, func() bool {
		rec, err := st.Get(ctx, res.CallID)
		return err == nil && rec.Status == store.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	rec, err = st.Get(ctx, res.CallID)
	require.NoError(t, err)
	require.Len(t, rec.Transcript, 3)
	assert.Equal(t, "Hello from Acme.", rec.Transcript[0].Content)

	_, ok = reg.Get(other.CallID)
	assert.True(t, ok)
}

func TestUnknownCallIsDropped(t *testing.T) {
	reg := newRegistry(t, &echoPipeline{}, session.WithStore(store.NewMemory()))
	addr := serveAudioSocket(t, New(reg))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	writeFrame(t, conn, "0d6f5c5e-7f3a-4f7e-9a2b-3c4d5e6f7a8b", frame.KindAudio, codec.PCM16ToBytes(make([]int16, 160)))

	// The server closes the connection without creating a session.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Zero(t, reg.Len())
}

func TestDuplicateConnectionRejected(t *testing.T) {
	const callID = "0d6f5c5e-7f3a-4f7e-9a2b-3c4d5e6f7a8b"
	reg := newRegistry(t, &echoPipeline{}, session.WithDefaultPersona(session.Persona{ID: "default"}))
	addr := serveAudioSocket(t, New(reg))

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()
	writeFrame(t, first, callID, frame.KindSilence, nil)
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	s, _ := reg.Get(callID)

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()
	writeFrame(t, second, callID, frame.KindSilence, nil)

	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = second.Read(make([]byte, 1))
	assert.Error(t, err)

	got, ok := reg.Get(callID)
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestTransportCloseEndsSession(t *testing.T) {
	const callID = "0d6f5c5e-7f3a-4f7e-9a2b-3c4d5e6f7a8b"
	reg := newRegistry(t, &echoPipeline{}, session.WithDefaultPersona(session.Persona{ID: "default"}))
	addr := serveAudioSocket(t, New(reg))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	writeFrame(t, conn, callID, frame.KindSilence, nil)
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	s, _ := reg.Get(callID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, session.EndTransportClosed, s.EndReason())
}

func TestStaleSweepClosesConnection(t *testing.T) {
	const callID = "0d6f5c5e-7f3a-4f7e-9a2b-3c4d5e6f7a8b"
	reg := newRegistry(t, &echoPipeline{}, session.WithDefaultPersona(session.Persona{ID: "default"}))
	addr := serveAudioSocket(t, New(reg))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	writeFrame(t, conn, callID, frame.KindSilence, nil)
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	s, _ := reg.Get(callID)

	// Only silence follows, so nothing on the wire ends the call.
	require.Eventually(t, func() bool { return reg.SweepStale(time.Millisecond) == 1 }, 2*time.Second, 10*time.Millisecond)

	// The bridge hangs up in-band and closes the connection.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), frame.HeaderSize)
	last := frame.Parse(data[len(data)-frame.HeaderSize:])
	assert.Equal(t, frame.KindHangup, last.Kind)
	assert.Equal(t, callID, last.CallID)

	assert.Equal(t, session.EndStale, s.EndReason())
	assert.Zero(t, reg.Len())
}

func TestAudioStreamRejectedAfterShutdown(t *testing.T) {
	srv := New(newRegistry(t, &echoPipeline{}))
	require.NoError(t, srv.Shutdown(context.Background()))

	rec := httptest.NewRecorder()
	srv.AudioStreamHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audio-stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStartTimeout(t *testing.T) {
	reg := newRegistry(t, &echoPipeline{})
	addr := serveAudioSocket(t, New(reg, WithStartTimeout(50*time.Millisecond)))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestShutdownEndsSessions(t *testing.T) {
	const callID = "0d6f5c5e-7f3a-4f7e-9a2b-3c4d5e6f7a8b"
	reg := newRegistry(t, &echoPipeline{}, session.WithDefaultPersona(session.Persona{ID: "default"}))
	srv := New(reg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.ServeAudioSocket(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	writeFrame(t, conn, callID, frame.KindSilence, nil)
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	s, _ := reg.Get(callID)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, srv.Shutdown(shutdownCtx))
	assert.Zero(t, reg.Len())
	assert.Equal(t, session.EndShutdown, s.EndReason())
}

func dialAudioStream(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func TestAudioStreamNegotiatedCall(t *testing.T) {
	p := &echoPipeline{}
	reg := newRegistry(t, p)
	srv := New(reg, WithPersonas(personas))
	hs := httptest.NewServer(srv.AudioStreamHandler())
	defer hs.Close()

	ws := dialAudioStream(t, hs.URL)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"call_id":"c-42","persona_id":"sales","account_id":"acct-1","sample_rate":8000}`)))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, codec.PCM16ToBytes(make([]int16, 160))))

	require.Eventually(t, func() bool { return len(p.callIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)
	s, ok := reg.Get("c-42")
	require.True(t, ok)
	assert.Equal(t, "sales", s.Metadata().Persona.ID)
	assert.Equal(t, "acct-1", s.Metadata().AccountID)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"hangup"}`)))
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, session.EndHangup, s.EndReason())
}

func TestAudioStreamPendingFallback(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.Create(ctx, &store.CallRecord{
		CallID:    "c-pending",
		PersonaID: "sales",
		Greeting:  "Hello from Acme.",
		Status:    store.StatusInitiated,
		CreatedAt: time.Now(),
	}))

	t.Run("disabled", func(t *testing.T) {
		reg := newRegistry(t, &echoPipeline{}, session.WithStore(st))
		hs := httptest.NewServer(New(reg).AudioStreamHandler())
		defer hs.Close()

		ws := dialAudioStream(t, hs.URL)
		require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, codec.PCM16ToBytes(make([]int16, 160))))

		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := ws.ReadMessage()
		assert.Error(t, err)
		assert.Zero(t, reg.Len())
	})

	t.Run("enabled", func(t *testing.T) {
		p := &echoPipeline{}
		reg := newRegistry(t, p, session.WithStore(st), session.WithPendingFallback(time.Minute))
		hs := httptest.NewServer(New(reg).AudioStreamHandler())
		defer hs.Close()

		ws := dialAudioStream(t, hs.URL)
		audio := codec.PCM16ToBytes(make([]int16, 160))
		require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, audio))
		require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, audio))

		require.Eventually(t, func() bool { return len(p.callIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, []string{"c-pending"}, p.callIDs())

		// The greeting is sent back once the call id is attached.
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := ws.ReadMessage()
		require.NoError(t, err)
	})
}
