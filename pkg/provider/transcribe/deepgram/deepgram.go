// Package deepgram implements the transcribe interfaces against the Deepgram
// streaming WebSocket API (the /v1/listen endpoint).
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/coachflow/coachflow/pkg/provider/transcribe"
)

var (
	_ transcribe.Dialer     = (*Dialer)(nil)
	_ transcribe.Connection = (*connection)(nil)
)

const (
	defaultEndpoint    = "wss://api.deepgram.com/v1/listen"
	defaultDialTimeout = 5 * time.Second

	reconnectBackoff = 1 * time.Second
	reconnectCap     = 3

	// keepAliveIdle is the silence duration after which a KeepAlive control
	// message is sent so the upstream does not time the session out.
	keepAliveIdle = 5 * time.Second

	outboundQueueDepth = 256
	resultBufferDepth  = 64
)

// Option is a functional option for configuring the Dialer.
type Option func(*Dialer)

// WithURL overrides the listen endpoint. Primarily used in tests.
func WithURL(endpoint string) Option {
	return func(d *Dialer) { d.url = endpoint }
}

// WithDialTimeout overrides the per-attempt connect timeout. Default 5 s.
func WithDialTimeout(timeout time.Duration) Option {
	return func(d *Dialer) { d.dialTimeout = timeout }
}

// WithReconnectBackoff overrides the backoff unit. Useful in tests.
func WithReconnectBackoff(backoff time.Duration) Option {
	return func(d *Dialer) { d.backoff = backoff }
}

// Dialer opens streaming transcription sessions.
type Dialer struct {
	apiKey      string
	url         string
	dialTimeout time.Duration
	backoff     time.Duration
}

// New creates a Dialer for the Deepgram streaming API. apiKey must be
// non-empty.
func New(apiKey string, opts ...Option) (*Dialer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram listen: apiKey must not be empty")
	}
	d := &Dialer{
		apiKey:      apiKey,
		url:         defaultEndpoint,
		dialTimeout: defaultDialTimeout,
		backoff:     reconnectBackoff,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Connect implements [transcribe.Dialer].
func (d *Dialer) Connect(ctx context.Context, cfg transcribe.StreamConfig) (transcribe.Connection, error) {
	wsURL, err := d.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram listen: build URL: %w", err)
	}

	ws, err := d.dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("deepgram listen: dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &connection{
		dialer:  d,
		wsURL:   wsURL,
		ws:      ws,
		out:     make(chan []byte, outboundQueueDepth),
		results: make(chan transcribe.Result, resultBufferDepth),
		ctx:     connCtx,
		cancel:  cancel,
	}
	c.lastSend.Store(time.Now().UnixNano())

	go c.readLoop()
	go c.writeLoop()
	go c.keepAliveLoop()

	return c, nil
}

func (d *Dialer) dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	ws, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	return ws, err
}

// buildURL constructs the streaming endpoint URL for the given config.
func (d *Dialer) buildURL(cfg transcribe.StreamConfig) (string, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = "en"
	}
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "linear16"
	}
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 24000
	}

	q := u.Query()
	q.Set("model", cfg.Model)
	q.Set("language", lang)
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// resultsMessage is the JSON structure of a Deepgram Results event.
type resultsMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Speaker *int `json:"speaker,omitempty"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
	SpeechFinal bool `json:"speech_final"`
}

// parseResults parses a raw message into a Result. Returns false for
// non-Results messages and empty alternatives.
func parseResults(data []byte) (transcribe.Result, bool) {
	var msg resultsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return transcribe.Result{}, false
	}
	if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
		return transcribe.Result{}, false
	}

	alt := msg.Channel.Alternatives[0]
	res := transcribe.Result{
		Alt:         alt.Transcript,
		Confidence:  alt.Confidence,
		IsFinal:     msg.IsFinal,
		SpeechFinal: msg.SpeechFinal,
	}
	if len(alt.Words) > 0 && alt.Words[0].Speaker != nil {
		res.SpeakerTag = strconv.Itoa(*alt.Words[0].Speaker)
	}
	return res, true
}

// ── connection ────────────────────────────────────────────────────────────────

type connection struct {
	dialer *Dialer
	wsURL  string

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
	errVal error

	out      chan []byte
	results  chan transcribe.Result
	buffered atomic.Int64
	lastSend atomic.Int64 // unix nanos of the most recent audio enqueue

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *connection) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

// SendAudio implements [transcribe.Connection].
func (c *connection) SendAudio(data []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.out <- data:
		c.buffered.Add(int64(len(data)))
		c.lastSend.Store(time.Now().UnixNano())
		return true
	default:
		return false
	}
}

// BufferedBytes implements [transcribe.Connection].
func (c *connection) BufferedBytes() int {
	return int(c.buffered.Load())
}

// Results implements [transcribe.Connection].
func (c *connection) Results() <-chan transcribe.Result { return c.results }

// Err implements [transcribe.Connection].
func (c *connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close implements [transcribe.Connection]. Sends CloseStream so the upstream
// flushes pending audio, then closes normally. Idempotent.
func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	_ = ws.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
	c.cancel()
	ws.Close(websocket.StatusNormalClosure, "")
	return nil
}

func (c *connection) setErr(err error) {
	c.mu.Lock()
	if c.errVal == nil {
		c.errVal = err
	}
	c.mu.Unlock()
}

// writeLoop drains the audio queue onto the socket. Sole writer. Errors are
// surfaced by the reader, which owns reconnection.
func (c *connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case chunk := <-c.out:
			ws := c.currentConn()
			err := ws.Write(c.ctx, websocket.MessageBinary, chunk)
			c.buffered.Add(-int64(len(chunk)))
			_ = err
		}
	}
}

// keepAliveLoop emits a KeepAlive control message when no audio has been
// sent for keepAliveIdle, preventing upstream idle timeouts during silence.
func (c *connection) keepAliveLoop() {
	ticker := time.NewTicker(keepAliveIdle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastSend.Load())
			if time.Since(last) < keepAliveIdle {
				continue
			}
			ws := c.currentConn()
			if err := ws.Write(c.ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err == nil {
				c.lastSend.Store(time.Now().UnixNano())
			}
		}
	}
}

// readLoop receives Results messages and drives reconnection on abnormal
// close, mirroring the voice-agent policy.
func (c *connection) readLoop() {
	for {
		ws := c.currentConn()
		_, data, err := ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || c.isClosed() {
				c.finish()
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.finish()
				return
			}
			if !c.reconnect() {
				c.setErr(fmt.Errorf("deepgram listen: reconnect budget exhausted: %w", err))
				c.finish()
				return
			}
			continue
		}

		res, ok := parseResults(data)
		if !ok {
			continue
		}
		select {
		case c.results <- res:
		case <-c.ctx.Done():
		}
	}
}

// reconnect re-dials with linear backoff. Reports false on budget exhaustion.
func (c *connection) reconnect() bool {
	for attempt := 1; attempt <= reconnectCap; attempt++ {
		select {
		case <-time.After(time.Duration(attempt) * c.dialer.backoff):
		case <-c.ctx.Done():
			return false
		}

		ws, err := c.dialer.dial(c.ctx, c.wsURL)
		if err != nil {
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.Close(websocket.StatusNormalClosure, "")
			return false
		}
		c.ws = ws
		c.mu.Unlock()
		return true
	}
	return false
}

// finish closes the results channel exactly once.
func (c *connection) finish() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.results)
	})
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
