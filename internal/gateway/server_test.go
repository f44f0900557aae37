package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/nextlevelbuilder/clawlane/internal/agent"
	"github.com/nextlevelbuilder/clawlane/internal/config"
	"github.com/nextlevelbuilder/clawlane/internal/delivery"
	"github.com/nextlevelbuilder/clawlane/pkg/protocol"
)

type frame struct {
	Type    string               `json:"type"`
	ID      string               `json:"id"`
	OK      bool                 `json:"ok"`
	Event   string               `json:"event"`
	Payload json.RawMessage      `json:"payload"`
	Error   *protocol.ErrorShape `json:"error"`
}

type testGateway struct {
	server *Server
	hub    *delivery.Hub
	url    string
	http   string
}

func startGateway(t *testing.T, gw config.GatewayConfig) *testGateway {
	t.Helper()
	hub := delivery.NewHub()
	s := NewServer(ServerConfig{Gateway: gw, Hub: hub})
	s.Router().Register("test.watch", func(_ context.Context, c *Client, req *protocol.RequestFrame) {
		var p struct {
			SessionKey string `json:"sessionKey"`
		}
		_ = req.DecodeParams(&p)
		c.Subscribe(p.SessionKey)
		c.SendResponse(protocol.NewOKResponse(req.ID, nil))
	})
	ts := httptest.NewServer(s.BuildMux())
	t.Cleanup(func() {
		s.closeClients()
		ts.Close()
		hub.Close()
	})
	return &testGateway{server: s, hub: hub, url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", http: ts.URL}
}

func readFrame(t *testing.T, c *websocket.Conn) (frame, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var f frame
	err := wsjson.Read(ctx, c, &f)
	return f, err
}

// dial connects and consumes the challenge, returning its nonce.
func dial(t *testing.T, url string) (*websocket.Conn, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })

	f, err := readFrame(t, c)
	if err != nil {
		t.Fatalf("read challenge: %v", err)
	}
	if f.Type != protocol.FrameTypeEvent || f.Event != protocol.EventConnectChallenge {
		t.Fatalf("first frame = %+v, want connect.challenge", f)
	}
	var ch protocol.ConnectChallengePayload
	if err := json.Unmarshal(f.Payload, &ch); err != nil || ch.Nonce == "" {
		t.Fatalf("challenge payload %s: %v", f.Payload, err)
	}
	return c, ch.Nonce
}

func call(t *testing.T, c *websocket.Conn, id, method string, params interface{}) frame {
	t.Helper()
	raw, _ := json.Marshal(params)
	req := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: id, Method: method, Params: raw}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c, req); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}
	for {
		f, err := readFrame(t, c)
		if err != nil {
			t.Fatalf("read %s response: %v", method, err)
		}
		if f.Type == protocol.FrameTypeResponse && f.ID == id {
			return f
		}
	}
}

func errCode(f frame) string {
	if f.Error == nil {
		return ""
	}
	return f.Error.Code
}

func TestConnectStateMachine(t *testing.T) {
	gw := startGateway(t, config.GatewayConfig{Token: "secret"})
	c, _ := dial(t, gw.url)

	if f := call(t, c, "1", protocol.MethodStatus, nil); f.OK || errCode(f) != protocol.ErrNotAuthenticated {
		t.Errorf("pre-connect status = %+v, want NOT_AUTHENTICATED", f)
	}

	f := call(t, c, "2", protocol.MethodConnect, protocol.ConnectParams{Token: "secret"})
	if !f.OK {
		t.Fatalf("connect = %+v", f)
	}
	var res protocol.ConnectResult
	if err := json.Unmarshal(f.Payload, &res); err != nil || res.Principal != PrincipalOperator || res.Protocol != protocol.ProtocolVersion {
		t.Errorf("connect result = %+v, %v", res, err)
	}

	if f := call(t, c, "3", "no.such.method", nil); errCode(f) != protocol.ErrUnknownMethod {
		t.Errorf("unknown method = %+v", f)
	}
	if f := call(t, c, "4", protocol.MethodConnect, protocol.ConnectParams{Token: "secret"}); errCode(f) != protocol.ErrInvalidRequest {
		t.Errorf("second connect = %+v", f)
	}
}

func TestAuthFailureClosesConnection(t *testing.T) {
	gw := startGateway(t, config.GatewayConfig{Token: "secret"})
	c, _ := dial(t, gw.url)

	if f := call(t, c, "1", protocol.MethodConnect, protocol.ConnectParams{Token: "guess"}); errCode(f) != protocol.ErrAuthFailure {
		t.Fatalf("connect = %+v, want AUTH_FAILURE", f)
	}
	if _, err := readFrame(t, c); err == nil {
		t.Error("connection still open after auth failure")
	}
}

func TestPairingProofConnect(t *testing.T) {
	gw := startGateway(t, config.GatewayConfig{PairedDevices: map[string]string{"phone": "s3cret"}})
	c, nonce := dial(t, gw.url)

	f := call(t, c, "1", protocol.MethodConnect, protocol.ConnectParams{
		PairingProof: &protocol.PairingProof{DeviceID: "phone", Signature: PairingSignature("s3cret", nonce)},
	})
	var res protocol.ConnectResult
	_ = json.Unmarshal(f.Payload, &res)
	if !f.OK || res.Principal != "device:phone" {
		t.Errorf("connect = %+v principal %q", f, res.Principal)
	}
}

func TestConnectTimeout(t *testing.T) {
	gw := startGateway(t, config.GatewayConfig{ConnectTimeoutSec: 1})
	c, _ := dial(t, gw.url)

	start := time.Now()
	if _, err := readFrame(t, c); err == nil {
		t.Fatal("read succeeded, want close after connect timeout")
	}
	if waited := time.Since(start); waited > 2500*time.Millisecond {
		t.Errorf("closed after %v", waited)
	}
}

func TestPerConnectionRateLimit(t *testing.T) {
	gw := startGateway(t, config.GatewayConfig{RateLimitRPM: 60})
	c, _ := dial(t, gw.url)
	if f := call(t, c, "c", protocol.MethodConnect, protocol.ConnectParams{}); !f.OK {
		t.Fatalf("connect = %+v", f)
	}

	limited := 0
	for i := 0; i < limiterBurst+3; i++ {
		if f := call(t, c, string(rune('a'+i)), "no.such.method", nil); errCode(f) == protocol.ErrRateLimited {
			limited++
		}
	}
	if limited == 0 {
		t.Error("no request was rate limited")
	}
}

func TestChatEventsAndResync(t *testing.T) {
	gw := startGateway(t, config.GatewayConfig{})
	c, _ := dial(t, gw.url)
	call(t, c, "c", protocol.MethodConnect, protocol.ConnectParams{})
	if f := call(t, c, "w", "test.watch", map[string]string{"sessionKey": "k"}); !f.OK {
		t.Fatalf("watch = %+v", f)
	}

	payload := agent.NewReplyPayload()
	_ = payload.AppendText("hi there")
	payload.Freeze()
	gw.hub.Publish(agent.Event{TurnID: "t1", SessionKey: "k", Seq: 1, Phase: agent.PhaseDelta, Delta: "hi"})
	gw.hub.Publish(agent.Event{TurnID: "t1", SessionKey: "k", Seq: 2, Phase: agent.PhaseFinal, Payload: payload})

	for _, want := range []string{protocol.ChatPhaseDelta, protocol.ChatPhaseFinal} {
		f, err := readFrame(t, c)
		if err != nil || f.Event != protocol.EventChat {
			t.Fatalf("frame = %+v, %v", f, err)
		}
		var ev protocol.ChatEventPayload
		_ = json.Unmarshal(f.Payload, &ev)
		if ev.Phase != want || ev.TurnID != "t1" {
			t.Errorf("event = %+v, want phase %s", ev, want)
		}
		if want == protocol.ChatPhaseFinal && (len(ev.Blocks) != 1 || ev.Blocks[0].Text != "hi there") {
			t.Errorf("final blocks = %+v", ev.Blocks)
		}
	}

	// Simulate the hub dropping a slow subscriber.
	var client *Client
	gw.server.mu.RLock()
	for _, cl := range gw.server.clients {
		client = cl
	}
	gw.server.mu.RUnlock()
	client.subMu.Lock()
	subID := client.subs["k"]
	client.subMu.Unlock()
	gw.hub.Unsubscribe("k", subID)

	f, err := readFrame(t, c)
	if err != nil || f.Event != protocol.EventChatResync {
		t.Fatalf("frame = %+v, %v; want chat.resync", f, err)
	}
	if len(client.Subscriptions()) != 0 {
		t.Errorf("subscriptions = %v after drop", client.Subscriptions())
	}
}

func TestCloseRemovesSubscriptions(t *testing.T) {
	gw := startGateway(t, config.GatewayConfig{})
	c, _ := dial(t, gw.url)
	call(t, c, "c", protocol.MethodConnect, protocol.ConnectParams{})
	call(t, c, "w", "test.watch", map[string]string{"sessionKey": "k"})
	if n := gw.hub.Subscribers("k"); n != 1 {
		t.Fatalf("Subscribers = %d, want 1", n)
	}

	c.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(3 * time.Second)
	for gw.hub.Subscribers("k") != 0 || gw.server.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers=%d clients=%d after close", gw.hub.Subscribers("k"), gw.server.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealthEndpoint(t *testing.T) {
	gw := startGateway(t, config.GatewayConfig{})
	resp, err := http.Get(gw.http + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var h protocol.HealthResult
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil || h.Status != "ok" {
		t.Errorf("health = %+v, %v", h, err)
	}
}

func TestChatEventPayloadError(t *testing.T) {
	ev := ChatEventPayload(agent.Event{TurnID: "t", SessionKey: "k", Seq: 3, Phase: agent.PhaseError, Err: agent.ErrExhausted})
	if ev.Error == nil || ev.Error.Code != protocol.ErrUnavailable {
		t.Errorf("error = %+v, want UNAVAILABLE", ev.Error)
	}
	if ev.Seq != 3 || ev.Phase != protocol.ChatPhaseError {
		t.Errorf("payload = %+v", ev)
	}
}

func TestConnStateNames(t *testing.T) {
	if StateAwaitingConnect.String() != "awaiting_connect" || StateClosed.String() != "closed" {
		t.Errorf("state names: %s %s", StateAwaitingConnect, StateClosed)
	}
}
