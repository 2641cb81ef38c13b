package fake

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sunshow/workgear/client/internal/notify"
)

// ─── Event Stream ───

// StreamServer serves the engine's push messages on the orchestrator's
// EventStream RPC, so the gRPC transport can run against the fake engine.
type StreamServer struct {
	e      *Engine
	logger *zap.SugaredLogger
}

// StreamServer returns the gRPC side of the engine's push feed
func (e *Engine) StreamServer() *StreamServer {
	return &StreamServer{e: e, logger: e.logger.With("component", "fake-event-stream")}
}

// Register registers the event stream and a health service reporting
// healthService as serving
func (s *StreamServer) Register(server *grpc.Server, healthService string) {
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	server.RegisterService(&eventStreamDesc, s)
}

type eventStreamer interface {
	EventStream(req *notify.EventStreamRequest, stream grpc.ServerStream) error
}

var eventStreamDesc = grpc.ServiceDesc{
	ServiceName: "orchestrator.OrchestratorService",
	HandlerType: (*eventStreamer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "EventStream",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			var req notify.EventStreamRequest
			if err := stream.RecvMsg(&req); err != nil {
				return err
			}
			return srv.(eventStreamer).EventStream(&req, stream)
		},
	}},
	Metadata: "orchestrator.proto",
}

// EventStream forwards pushes until the client goes away. With a flow run id
// only that workflow's messages are sent.
func (s *StreamServer) EventStream(req *notify.EventStreamRequest, stream grpc.ServerStream) error {
	s.logger.Infow("EventStream started", "subject_id", req.SubjectID, "flow_run_id", req.FlowRunID)

	ctx := stream.Context()
	conn, err := feedDialer{e: s.e}.Dial(ctx, req.SubjectID)
	if err != nil {
		return fmt.Errorf("open push feed: %w", err)
	}
	f := conn.(*feedConn)
	defer f.Close()

	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("EventStream closed", "subject_id", req.SubjectID)
			return nil
		case <-f.done:
			return nil
		case fr := <-f.frames:
			evt, err := toServerEvent(fr.Data)
			if err != nil {
				s.logger.Warnw("Dropping undecodable push message", "error", err)
				continue
			}
			if req.FlowRunID != "" && evt.FlowRunID != req.FlowRunID {
				continue
			}
			if err := stream.SendMsg(evt); err != nil {
				s.logger.Warnw("Failed to send event", "error", err)
				return err
			}
		}
	}
}

func toServerEvent(data []byte) (*notify.ServerEvent, error) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode push message: %w", err)
	}
	typ, _ := payload["type"].(string)
	delete(payload, "type")
	thread, _ := payload["thread_id"].(string)

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}
	return &notify.ServerEvent{
		EventType: typ,
		FlowRunID: thread,
		DataJSON:  string(b),
		Timestamp: time.Now().Unix(),
	}, nil
}
