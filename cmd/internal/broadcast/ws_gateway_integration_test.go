package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	v1 "beam/shared/contracts/broadcast/v1"

	"github.com/coder/websocket"
)

func newTestGatewayStack(t *testing.T) (*WSGateway, *InMemoryStore) {
	t.Helper()

	st := NewInMemoryStore()
	fanout := mustBroadcaster(t, NewMemoryRelay())
	ingest := NewIngestor(testLogger(), st, fanout)
	resolver := NewResolver(testLogger(), st)
	return NewWSGateway(testLogger(), ingest, fanout, resolver), st
}

func startWSTestServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, baseHTTPURL, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   h,
	})
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()

	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func sendHello(t *testing.T, conn *websocket.Conn, p v1.HelloPayload) v1.HelloAckPayload {
	t.Helper()

	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      "hello-1",
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, p),
	})

	ackEnv := readUntilType(t, conn, v1.TypeHelloAck, 1)
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(ackEnv.Payload, &ack); err != nil {
		t.Fatalf("decode hello_ack: %v", err)
	}
	if ack.SessionID == "" {
		t.Fatal("hello_ack missing session_id")
	}
	return ack
}

func TestWSGateway_HelloReplaysTailThenAcceptsPublish(t *testing.T) {
	t.Setenv("BEAM_WS_ORIGIN_REQUIRED", "false")

	gw, st := newTestGatewayStack(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if _, err := st.AppendMessage(ctx, fmt.Sprintf("seed-%d", i), fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	ts := startWSTestServer(t, gw)

	conn, resp, err := dialWS(t, ts.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	sendHello(t, conn, v1.HelloPayload{Cursor: 1})

	// Replay of the unseen tail, strictly ascending.
	for _, wantSeq := range []int64{2, 3} {
		env := readUntilType(t, conn, v1.TypeMessage, 1)
		var m v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		if m.Seq != wantSeq || m.Payload != fmt.Sprintf("m%d", wantSeq) {
			t.Fatalf("replayed %+v, want seq=%d", m, wantSeq)
		}
	}

	// A live publish is stored, broadcast back to the publisher, and acked.
	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypePublish,
		ID:      "pub-1",
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.PublishPayload{Token: "tok-live", Payload: "live"}),
	})

	ackEnv := readUntilType(t, conn, v1.TypePublishAck, 3)
	var ack v1.PublishAckPayload
	if err := json.Unmarshal(ackEnv.Payload, &ack); err != nil {
		t.Fatalf("decode publish_ack: %v", err)
	}
	if ack.Token != "tok-live" || ack.Seq != 4 || ack.Duplicate {
		t.Fatalf("publish_ack=%+v want token=tok-live seq=4", ack)
	}

	// Retry after a lost ack: absorbed, acked as duplicate, nothing re-stored.
	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypePublish,
		ID:      "pub-2",
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.PublishPayload{Token: "tok-live", Payload: "live"}),
	})

	dupEnv := readUntilType(t, conn, v1.TypePublishAck, 3)
	var dup v1.PublishAckPayload
	if err := json.Unmarshal(dupEnv.Payload, &dup); err != nil {
		t.Fatalf("decode duplicate publish_ack: %v", err)
	}
	if !dup.Duplicate {
		t.Fatalf("retry ack=%+v want duplicate=true", dup)
	}

	out, err := st.FetchAfter(ctx, FetchAfterInput{AfterSeq: 3})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(out.Messages) != 1 {
		t.Fatalf("retry duplicated stored effect: %+v", out.Messages)
	}
}

func TestWSGateway_ResumedSessionSkipsReplay(t *testing.T) {
	t.Setenv("BEAM_WS_ORIGIN_REQUIRED", "false")

	gw, st := newTestGatewayStack(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if _, err := st.AppendMessage(ctx, fmt.Sprintf("seed-%d", i), fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	ts := startWSTestServer(t, gw)

	conn, resp, err := dialWS(t, ts.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	sendHello(t, conn, v1.HelloPayload{Resumed: true})

	// No replay for a resumed session: the first message envelope must be the
	// live publish, not the stored backlog.
	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypePublish,
		ID:      "pub-1",
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.PublishPayload{Token: "tok-live", Payload: "live"}),
	})

	env := readUntilType(t, conn, v1.TypeMessage, 3)
	var m v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if m.Seq != 4 || m.Payload != "live" {
		t.Fatalf("resumed session received replay: %+v", m)
	}
}

func TestWSGateway_RejectsMissingOrigin(t *testing.T) {
	t.Setenv("BEAM_WS_ORIGIN_REQUIRED", "true")

	gw, _ := newTestGatewayStack(t)
	ts := startWSTestServer(t, gw)

	conn, resp, err := dialWS(t, ts.URL, "")
	if err == nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		t.Fatal("dial without Origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
	_ = resp.Body.Close()
}

func TestWSGateway_RejectsDisallowedOrigin(t *testing.T) {
	t.Setenv("BEAM_WS_ORIGIN_REQUIRED", "true")
	t.Setenv("BEAM_WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1")

	gw, _ := newTestGatewayStack(t)
	ts := startWSTestServer(t, gw)

	conn, resp, err := dialWS(t, ts.URL, "http://evil.example")
	if err == nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		t.Fatal("dial with disallowed Origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
	_ = resp.Body.Close()
}

func TestWSGateway_FirstEnvelopeMustBeHello(t *testing.T) {
	t.Setenv("BEAM_WS_ORIGIN_REQUIRED", "false")

	gw, _ := newTestGatewayStack(t)
	ts := startWSTestServer(t, gw)

	conn, resp, err := dialWS(t, ts.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypePublish,
		ID:      "pub-before-hello",
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.PublishPayload{Token: "tok-1", Payload: "hi"}),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestClassifyReadErr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want readErrKind
	}{
		{"close frame", websocket.CloseError{Code: websocket.StatusNormalClosure}, readErrClose},
		{"ctx canceled", context.Canceled, readErrCtxDone},
		{"deadline", context.DeadlineExceeded, readErrCtxDone},
		{"eof", io.EOF, readErrConnClosed},
		{"bad json", errors.New("invalid character 'x' looking for beginning of value"), readErrBadJSON},
		{"unknown", errors.New("boom"), readErrUnknown},
	}

	for _, tt := range tests {
		if got := classifyReadErr(tt.err); got != tt.want {
			t.Errorf("%s: classifyReadErr=%v want=%v", tt.name, got, tt.want)
		}
	}
}

func TestOriginPatternsFromAllowlist(t *testing.T) {
	t.Parallel()

	got := originPatternsFromAllowlist([]string{
		"http://localhost:3000",
		"https://app.example.com",
		"http://localhost",
		"*",
		"",
	})
	want := []string{"app.example.com", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("patterns=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("patterns=%v want=%v", got, want)
		}
	}
}
