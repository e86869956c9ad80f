package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "beam/shared/contracts/broadcast/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "beam.broadcast.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsDefaultHelloWait    = 10 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for Beam.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, then runs the session protocol: hello handshake, fan-out
// attachment, catch-up replay, and publish handling.
type WSGateway struct {
	log      *slog.Logger
	ingest   *Ingestor
	fanout   *Broadcaster
	resolver *Resolver

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks: Accept authorizes
	// same-host origins by default but needs OriginPatterns for cross-origin.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	helloTimeout    time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
func NewWSGateway(log *slog.Logger, ingest *Ingestor, fanout *Broadcaster, resolver *Resolver) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &WSGateway{log: log, ingest: ingest, fanout: fanout, resolver: resolver}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification), not an origin policy.
	g.devInsecure = envBoolWS("BEAM_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("BEAM_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("BEAM_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.originPatterns = originPatternsFromAllowlist(g.allowedOrigins)

	g.writeTimeout = envDurationWS("BEAM_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("BEAM_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.helloTimeout = envDurationWS("BEAM_WS_HELLO_TIMEOUT", wsDefaultHelloWait)

	g.sendQueueSize = envIntWS("BEAM_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("BEAM_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("BEAM_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("BEAM_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("BEAM_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// broadcast loop for it.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The first envelope must be hello: it carries the resumed hint and the
	// client's cursor, both needed before anything can be delivered.
	session, err := g.awaitHello(ctx, conn)
	if err != nil {
		g.log.Info("ws.hello.fail", "err", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "hello required")
		return
	}

	var closeOnce sync.Once

	// shutdown is idempotent. Detach removes the session from fan-out and
	// closes it; session.Send stays open so broadcasters never panic.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.fanout.Detach(session.ID)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-session.Done():
				return
			case env := <-session.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", session.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-session.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", session.ID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	if err := g.ackHello(ctx, session); err != nil {
		shutdown(websocket.StatusAbnormalClosure, "hello ack failed")
		return
	}

	// Attach BEFORE catch-up: a message ingested while replay is running may
	// then arrive twice but can never be missed. Clients apply per-sequence.
	g.fanout.Attach(session)

	go func() {
		if err := g.resolver.Resolve(ctx, session); err != nil {
			// Partial replay is acceptable; the connection stays live and the
			// client reconciles from its own last-seen on next reconnect.
			g.log.Warn("catchup.fail", "session_id", session.ID, "err", err)
		}
	}()

	g.log.Info("ws.session.start", "session_id", session.ID, "resumed", session.Resumed, "cursor", session.Cursor)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, session, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", session.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, session, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, session, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypePublish:
			if err := g.onPublish(ctx, session, env, now); err != nil {
				g.trySendError(ctx, session, "publish_failed", err.Error())
				continue readLoop
			}

		case v1.TypeHello:
			// Session parameters are fixed at establishment.
			g.trySendError(ctx, session, "already_established", "hello already processed")

		default:
			g.trySendError(ctx, session, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handshake ----

func (g *WSGateway) awaitHello(parent context.Context, conn *websocket.Conn) (*Session, error) {
	ctx, cancel := context.WithTimeout(parent, g.helloTimeout)
	defer cancel()

	env, err := readEnvelope(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.Type != v1.TypeHello {
		return nil, fmt.Errorf("expected hello, got %q", env.Type)
	}

	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid hello payload: %w", err)
		}
	}

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		return nil, err
	}

	return NewSession(sessionID, p.Resumed, p.Cursor, g.sendQueueSize), nil
}

func (g *WSGateway) ackHello(ctx context.Context, session *Session) error {
	p, _ := json.Marshal(v1.HelloAckPayload{SessionID: session.ID})
	ack := newEnvelope(v1.TypeHelloAck, p, time.Now().UTC())

	if !g.enqueue(ctx, session, ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

// ---- handlers ----

func (g *WSGateway) onPublish(ctx context.Context, session *Session, env v1.Envelope, now time.Time) error {
	var p v1.PublishPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if strings.TrimSpace(p.Token) == "" {
		return errors.New("missing token")
	}
	if len([]rune(p.Payload)) > maxPayloadChars {
		return fmt.Errorf("payload too long: max=%d chars", maxPayloadChars)
	}

	ack := g.ingest.Publish(ctx, p.Token, p.Payload)
	if !ack.Acked() {
		// Storage unavailable: stay silent so the client's timeout drives a
		// retry with the same token.
		g.log.Info("ws.publish.pending", "session_id", session.ID, "token", p.Token)
		return nil
	}

	ackPayload, _ := json.Marshal(v1.PublishAckPayload{
		Token:     p.Token,
		Seq:       ack.Seq,
		Duplicate: ack.State == AckAlreadyStored,
	})
	out := newEnvelope(v1.TypePublishAck, ackPayload, now)

	if !g.enqueue(ctx, session, out) {
		return errors.New("backpressure: publish_ack")
	}
	return nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, session *Session, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, session, env)
}

func (g *WSGateway) enqueue(ctx context.Context, session *Session, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-session.Done():
		return false
	case session.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, _ := NewEnvelopeID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors come from json.Unmarshal, not conn.Read. This
	// fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// originPatternsFromAllowlist keeps websocket.Accept's origin checks in
// agreement with the gateway allowlist: only hosts extracted from the
// allowlist are authorized for cross-origin upgrades.
func originPatternsFromAllowlist(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
