package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"shellpilot/internal/domain"
	"shellpilot/internal/infra/logger"
	"shellpilot/internal/usecase/eventbus"
)

func startTestServer(t *testing.T, env *testEnv) *Server {
	t.Helper()
	srv := env.server
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})

	require.Eventually(t, func() bool { return srv.BoundAddr() != "" }, 3*time.Second, 5*time.Millisecond)
	return srv
}

func dialWS(t *testing.T, addr, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func call(t *testing.T, ws *websocket.Conn, id uint64, method, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, ws, Frame{Type: FrameTypeRequest, ID: id, Method: method, Payload: json.RawMessage(payload)}))
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var f Frame
	require.NoError(t, wsjson.Read(ctx, ws, &f))
	return f
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	srv := startTestServer(t, env)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestWebSocketExecuteRun(t *testing.T) {
	env := newTestEnv(t)
	env.runner.res = &domain.RunResult{RunID: "01RUN", Results: []domain.StepRecord{{Cmd: "uptime"}}, Stage: domain.StageDone}
	srv := startTestServer(t, env)
	ws := dialWS(t, srv.BoundAddr(), testToken)

	call(t, ws, 1, "execute.run", `{"instructions":"uptime","target":"web"}`)
	resp := readFrame(t, ws)
	assert.Equal(t, FrameTypeResponse, resp.Type)
	assert.Equal(t, uint64(1), resp.ID)
	assert.Empty(t, resp.Error)

	var res domain.RunResult
	require.NoError(t, json.Unmarshal(resp.Payload, &res))
	assert.Equal(t, "01RUN", res.RunID)
	assert.Equal(t, "web", env.runner.request().Target.Name)
}

func TestWebSocketErrors(t *testing.T) {
	env := newTestEnv(t)
	srv := startTestServer(t, env)
	ws := dialWS(t, srv.BoundAddr(), testToken)

	call(t, ws, 7, "no.such.method", `{}`)
	resp := readFrame(t, ws)
	assert.Equal(t, uint64(7), resp.ID)
	assert.Equal(t, string(domain.CodeRPCMethodNotFound), resp.Code)

	call(t, ws, 8, "session.fetch", `{"id":"missing"}`)
	resp = readFrame(t, ws)
	assert.Equal(t, uint64(8), resp.ID)
	assert.Equal(t, string(domain.CodeSessionNotFound), resp.Code)
}

func TestWebSocketExecuteStream(t *testing.T) {
	env := newTestEnv(t)
	env.runner.events = []domain.RunEvent{
		{Type: domain.RunEventPlan, Data: domain.PlanEventData{Engine: "openai"}},
		{Type: domain.RunEventDone, Data: domain.DoneEventData{Stage: domain.StageDone}},
	}
	srv := startTestServer(t, env)
	ws := dialWS(t, srv.BoundAddr(), testToken)

	call(t, ws, 2, "execute.stream", `{"instructions":"x"}`)

	var streamID string
	var events []string
	for len(events) < 2 || streamID == "" {
		f := readFrame(t, ws)
		switch f.Type {
		case FrameTypeResponse:
			var r executeStreamResponse
			require.NoError(t, json.Unmarshal(f.Payload, &r))
			assert.True(t, r.Streaming)
			streamID = r.StreamID
		case FrameTypeEvent:
			var ev struct {
				StreamID string `json:"streamId"`
				Event    string `json:"event"`
			}
			require.NoError(t, json.Unmarshal(f.Payload, &ev))
			require.NotEmpty(t, ev.StreamID)
			events = append(events, ev.Event)
		}
	}
	assert.Equal(t, []string{"plan", "done"}, events)
}

func TestWebSocketForwardsBusEvents(t *testing.T) {
	env := newTestEnv(t)
	bus := eventbus.New(logger.Discard())
	t.Cleanup(bus.Close)
	env.server.deps.Bus = bus
	srv := startTestServer(t, env)
	ws := dialWS(t, srv.BoundAddr(), testToken)

	require.Eventually(t, func() bool { return env.server.metrics.WSClients.Load() == 1 }, time.Second, 5*time.Millisecond)
	bus.Emit(context.Background(), domain.EventSessionStarted, "01ABC", map[string]string{"command": "sleep 1"})

	f := readFrame(t, ws)
	require.Equal(t, FrameTypeEvent, f.Type)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(f.Payload, &ev))
	assert.Equal(t, domain.EventSessionStarted, ev.Type)
	assert.Equal(t, "01ABC", ev.SessionID)
}
