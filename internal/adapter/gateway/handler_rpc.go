package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"shellpilot/internal/domain"
)

// RegisterDefaultHandlers registers the built-in RPC methods on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHandler("execute.run", executeRunRPC(deps))
	s.RegisterHandler("execute.stream", executeStreamRPC(deps))
	s.RegisterHandler("session.spawn", sessionSpawnRPC(deps))
	s.RegisterHandler("session.fetch", sessionFetchRPC(deps))
	s.RegisterHandler("session.list", sessionListRPC(deps))
	s.RegisterHandler("session.kill", sessionKillRPC(deps))
	s.RegisterHandler("target.list", targetListRPC(deps))
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return domain.ErrRPCInvalidPayload
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return domain.NewDomainError("gateway.rpc", domain.ErrRPCInvalidPayload, err.Error())
	}
	return nil
}

// --- execute ---

func executeRunRPC(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var in executeRequest
		if err := decodePayload(payload, &in); err != nil {
			return nil, err
		}
		req, err := deps.runRequest(in)
		if err != nil {
			return nil, err
		}
		res, runErr := deps.Runner.Run(ctx, req)
		if res == nil {
			return nil, runErr
		}
		out, err := json.Marshal(res)
		if err != nil {
			return nil, err
		}
		return out, runErr
	}
}

type executeStreamResponse struct {
	Streaming bool   `json:"streaming"`
	StreamID  string `json:"streamId"`
}

// executeStreamRPC starts a run and answers at once. Run events follow as
// event frames on the calling connection, tagged with the stream id.
func executeStreamRPC(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if client == nil || client.push == nil {
			return nil, domain.NewDomainError("gateway.rpc", domain.ErrInvalidInput, "streaming needs a websocket connection")
		}
		var in executeRequest
		if err := decodePayload(payload, &in); err != nil {
			return nil, err
		}
		req, err := deps.runRequest(in)
		if err != nil {
			return nil, err
		}

		id := ulid.Make().String()
		events := deps.Runner.Stream(ctx, req)
		go func() {
			for ev := range events {
				body, err := json.Marshal(streamEventFrame{StreamID: id, Event: string(ev.Type), Data: ev.Data})
				if err != nil {
					deps.Logger.Warn("marshal stream event", "stream_id", id, "error", err)
					continue
				}
				if !client.push(Frame{Type: FrameTypeEvent, Payload: body}) {
					deps.Logger.Warn("dropped stream event for slow client", "stream_id", id, "event", ev.Type)
				}
			}
		}()
		return json.Marshal(executeStreamResponse{Streaming: true, StreamID: id})
	}
}

// --- sessions ---

func sessionSpawnRPC(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var body spawnBody
		if err := decodePayload(payload, &body); err != nil {
			return nil, err
		}
		res, err := deps.Sessions.Spawn(ctx, body.request())
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}
}

type sessionFetchRequest struct {
	ID     string `json:"id"`
	Offset int    `json:"offset"`
	Size   int    `json:"size"`
}

func sessionFetchRPC(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req sessionFetchRequest
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		if req.ID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		chunk, err := deps.Sessions.Fetch(req.ID, req.Offset, req.Size)
		if err != nil {
			return nil, err
		}
		return json.Marshal(chunk)
	}
}

func sessionListRPC(deps HandlerDeps) RPCHandler {
	return func(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Sessions.List())
	}
}

type sessionKillRequest struct {
	ID string `json:"id"`
}

func sessionKillRPC(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req sessionKillRequest
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := deps.Sessions.Kill(ctx, req.ID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"killed": true})
	}
}

func targetListRPC(deps HandlerDeps) RPCHandler {
	return func(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Targets.Descriptors())
	}
}
