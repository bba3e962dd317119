package callsystem

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCallSID = "CA0123456789abcdef0123456789abcdef"

func newTestTwilio(t *testing.T, h http.HandlerFunc, opts ...TwilioOption) *Twilio {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	opts = append([]TwilioOption{
		WithAccountSID("AC123"),
		WithAuthToken("tok"),
		WithPhoneNumber("+15550001111"),
		WithAPIBaseURL(srv.URL),
	}, opts...)
	p, err := NewTwilio(opts...)
	require.NoError(t, err)
	return p
}

func TestTwilioOriginateConnectsStream(t *testing.T) {
	var (
		mu    sync.Mutex
		twiml string
	)
	p := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		mu.Lock()
		twiml = r.PostForm.Get("Twiml")
		mu.Unlock()
		assert.Equal(t, "+60123456789", r.PostForm.Get("To"))
		assert.Equal(t, "+15550001111", r.PostForm.Get("From"))
		_, _ = w.Write([]byte(`{"sid":"` + testCallSID + `","status":"queued"}`))
	})

	res, err := p.Originate(context.Background(), OriginateRequest{
		Destination:  "+60123456789",
		BridgeTarget: "wss://bridge.example/media-stream",
		Variables:    map[string]string{"persona_id": "sales"},
	})
	require.NoError(t, err)
	assert.Equal(t, testCallSID, res.CallID)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, twiml, `<Stream url="wss://bridge.example/media-stream">`)
	assert.Contains(t, twiml, `<Parameter name="persona_id" value="sales"></Parameter>`)
}

func TestTwilioOriginateTwiMLURL(t *testing.T) {
	p := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "https://app.example/twiml", r.PostForm.Get("Url"))
		assert.Empty(t, r.PostForm.Get("Twiml"))
		_, _ = w.Write([]byte(`{"sid":"` + testCallSID + `"}`))
	})

	_, err := p.Originate(context.Background(), OriginateRequest{
		Destination:  "+60123456789",
		BridgeTarget: "https://app.example/twiml",
	})
	require.NoError(t, err)
}

func TestTwilioOriginateErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"auth", http.StatusUnauthorized, `{"code":20003,"message":"Authenticate","status":401}`, ErrAuthFailed},
		{"rejected", http.StatusBadRequest, `{"code":21211,"message":"Invalid 'To' Phone Number","status":400}`, ErrCommandFailed},
		{"no sid", http.StatusCreated, `{"sid":""}`, ErrNoCallID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := p.Originate(context.Background(), OriginateRequest{
				Destination:  "+1",
				BridgeTarget: "wss://bridge.example/media-stream",
			})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestTwilioUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, err := NewTwilio(WithAccountSID("AC123"), WithAuthToken("tok"), WithPhoneNumber("+1"), WithAPIBaseURL(url))
	require.NoError(t, err)

	err = p.Ping(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestTwilioStreamLifecycle(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	p := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		assert.NoError(t, r.ParseForm())
		if strings.HasSuffix(r.URL.Path, "/Streams.json") {
			assert.Equal(t, "wss://bridge.example/media-stream", r.PostForm.Get("Url"))
			assert.Equal(t, streamName, r.PostForm.Get("Name"))
		}
		_, _ = w.Write([]byte(`{"sid":"MZ1"}`))
	})
	ctx := context.Background()

	require.NoError(t, p.StartStream(ctx, StreamRequest{CallID: testCallSID, SocketURL: "wss://bridge.example/media-stream"}))
	require.NoError(t, p.StopStream(ctx, testCallSID))
	require.NoError(t, p.Hangup(ctx, testCallSID))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"/Accounts/AC123/Calls/" + testCallSID + "/Streams.json",
		"/Accounts/AC123/Calls/" + testCallSID + "/Streams/" + streamName + ".json",
		"/Accounts/AC123/Calls/" + testCallSID + ".json",
	}, paths)
}

func TestTwilioRequiresFrom(t *testing.T) {
	p, err := NewTwilio(WithAccountSID("AC123"), WithAuthToken("tok"))
	require.NoError(t, err)

	_, err = p.Originate(context.Background(), OriginateRequest{Destination: "+1", BridgeTarget: "wss://x"})
	assert.Error(t, err)
}

func TestBuildConnectStreamTwiML(t *testing.T) {
	twiml, err := buildConnectStreamTwiML("wss://b/s", map[string]string{"b": "2", "a": "1"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(twiml, "<?xml"))
	assert.Contains(t, twiml, `<Response><Connect><Stream url="wss://b/s"><Parameter name="a" value="1"></Parameter><Parameter name="b" value="2"></Parameter></Stream></Connect></Response>`)
}
