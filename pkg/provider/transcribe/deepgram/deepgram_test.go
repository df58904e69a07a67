package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/coachflow/coachflow/pkg/provider/transcribe"
)

// startListenServer launches a test server delivering accepted connections
// and their request URLs on channels.
func startListenServer(t *testing.T) (*httptest.Server, <-chan *websocket.Conn, <-chan *url.URL) {
	t.Helper()
	conns := make(chan *websocket.Conn, 4)
	urls := make(chan *url.URL, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token test-key" {
			http.Error(w, "bad credential", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		urls <- r.URL
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return srv, conns, urls
}

func connectStream(t *testing.T, srv *httptest.Server, cfg transcribe.StreamConfig) transcribe.Connection {
	t.Helper()
	d, err := New("test-key",
		WithURL("ws"+strings.TrimPrefix(srv.URL, "http")),
		WithReconnectBackoff(5*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := d.Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func nextResult(t *testing.T, conn transcribe.Connection) transcribe.Result {
	t.Helper()
	select {
	case res, ok := <-conn.Results():
		if !ok {
			t.Fatal("results channel closed")
		}
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("no result within deadline")
		return transcribe.Result{}
	}
}

func TestConnect_EncodesStreamConfigInURL(t *testing.T) {
	t.Parallel()
	srv, _, urls := startListenServer(t)

	connectStream(t, srv, transcribe.StreamConfig{
		Model:      "nova-3-medical",
		Encoding:   "linear16",
		SampleRate: 24000,
	})

	select {
	case u := <-urls:
		q := u.Query()
		if q.Get("model") != "nova-3-medical" {
			t.Errorf("model = %q", q.Get("model"))
		}
		if q.Get("encoding") != "linear16" || q.Get("sample_rate") != "24000" {
			t.Errorf("audio params = %v", q)
		}
		if q.Get("interim_results") != "true" {
			t.Error("interim_results not requested")
		}
		if q.Get("language") != "en" {
			t.Errorf("language = %q, want default en", q.Get("language"))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no connection")
	}
}

func TestResults_InterimAndFinalParsed(t *testing.T) {
	t.Parallel()
	srv, conns, _ := startListenServer(t)
	conn := connectStream(t, srv, transcribe.StreamConfig{Model: "nova-3-medical"})
	upstream := <-conns

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	interim := `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel","confidence":0.4}]}}`
	if err := upstream.Write(ctx, websocket.MessageText, []byte(interim)); err != nil {
		t.Fatalf("write: %v", err)
	}
	res := nextResult(t, conn)
	if res.IsFinal || res.Alt != "hel" {
		t.Errorf("interim result = %+v", res)
	}

	final := `{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"hello there","confidence":0.98,"words":[{"speaker":1}]}]}}`
	if err := upstream.Write(ctx, websocket.MessageText, []byte(final)); err != nil {
		t.Fatalf("write: %v", err)
	}
	res = nextResult(t, conn)
	if !res.IsFinal || !res.SpeechFinal || res.Alt != "hello there" {
		t.Errorf("final result = %+v", res)
	}
	if res.SpeakerTag != "1" {
		t.Errorf("speaker tag = %q, want 1", res.SpeakerTag)
	}
}

func TestResults_NonResultMessagesIgnored(t *testing.T) {
	t.Parallel()
	srv, conns, _ := startListenServer(t)
	conn := connectStream(t, srv, transcribe.StreamConfig{Model: "nova-3-medical"})
	upstream := <-conns

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, payload := range []string{
		`{"type":"Metadata","request_id":"r1"}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"kept","confidence":1}]}}`,
	} {
		if err := upstream.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	if res := nextResult(t, conn); res.Alt != "kept" {
		t.Errorf("result = %+v, want the single valid Results message", res)
	}
}

func TestSendAudio_ForwardedAsBinary(t *testing.T) {
	t.Parallel()
	srv, conns, _ := startListenServer(t)
	conn := connectStream(t, srv, transcribe.StreamConfig{Model: "nova-3-medical"})
	upstream := <-conns

	if !conn.SendAudio([]byte{5, 5}) {
		t.Fatal("SendAudio rejected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	kind, data, err := upstream.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.MessageBinary || len(data) != 2 {
		t.Errorf("got kind %v payload %v", kind, data)
	}
}

func TestAbnormalClose_Reconnects(t *testing.T) {
	t.Parallel()
	srv, conns, _ := startListenServer(t)
	conn := connectStream(t, srv, transcribe.StreamConfig{Model: "nova-3-medical"})
	first := <-conns

	first.Close(websocket.StatusInternalError, "upstream hiccup")

	var second *websocket.Conn
	select {
	case second = <-conns:
	case <-time.After(3 * time.Second):
		t.Fatal("no reconnect attempt")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	payload := `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"after reconnect","confidence":1}]}}`
	if err := second.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if res := nextResult(t, conn); res.Alt != "after reconnect" {
		t.Errorf("result = %+v", res)
	}
}

func TestNormalClose_EndsStream(t *testing.T) {
	t.Parallel()
	srv, conns, _ := startListenServer(t)
	conn := connectStream(t, srv, transcribe.StreamConfig{Model: "nova-3-medical"})
	upstream := <-conns

	upstream.Close(websocket.StatusNormalClosure, "")

	select {
	case _, ok := <-conn.Results():
		if ok {
			t.Error("unexpected result after close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("results channel never closed")
	}
	if err := conn.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after normal close", err)
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Error("New(\"\") succeeded")
	}
}
