package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// EventStreamMethod is the orchestrator's server-streaming event method
const EventStreamMethod = "/orchestrator.OrchestratorService/EventStream"

// EventStreamRequest subscribes to orchestrator events. An empty FlowRunID
// subscribes to every flow visible to the subject.
type EventStreamRequest struct {
	FlowRunID string `json:"flow_run_id,omitempty"`
	SubjectID string `json:"subject_id,omitempty"`
}

// ServerEvent is one event on the orchestrator stream
type ServerEvent struct {
	EventType string `json:"event_type"`
	FlowRunID string `json:"flow_run_id"`
	NodeRunID string `json:"node_run_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
	DataJSON  string `json:"data_json,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// jsonCodec lets the stream carry plain JSON messages next to the proto health service
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GRPCDialer reads push messages off the orchestrator's gRPC event stream
type GRPCDialer struct {
	Target        string
	HealthService string
	Options       []grpc.DialOption
}

// NewGRPCDialer creates a dialer for target. Without options the connection is insecure.
func NewGRPCDialer(target, healthService string, opts ...grpc.DialOption) *GRPCDialer {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPCDialer{Target: target, HealthService: healthService, Options: opts}
}

func (d *GRPCDialer) Dial(ctx context.Context, subjectID string) (Conn, error) {
	cc, err := grpc.NewClient(d.Target, d.Options...)
	if err != nil {
		return nil, fmt.Errorf("create grpc client for %s: %w", d.Target, err)
	}

	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: d.HealthService})
	if err != nil {
		_ = cc.Close()
		return nil, fmt.Errorf("health check %s: %w", d.Target, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		_ = cc.Close()
		return nil, fmt.Errorf("orchestrator at %s is %s", d.Target, resp.GetStatus())
	}

	// The stream outlives the dial deadline
	sctx, cancel := context.WithCancel(context.Background())
	stream, err := cc.NewStream(sctx,
		&grpc.StreamDesc{StreamName: "EventStream", ServerStreams: true},
		EventStreamMethod,
		grpc.CallContentSubtype(jsonCodec{}.Name()),
	)
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if err := stream.SendMsg(&EventStreamRequest{SubjectID: subjectID}); err != nil {
		cancel()
		_ = cc.Close()
		return nil, fmt.Errorf("subscribe event stream: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		_ = cc.Close()
		return nil, fmt.Errorf("close event stream send side: %w", err)
	}

	return &grpcConn{cc: cc, stream: stream, cancel: cancel}, nil
}

type grpcConn struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// Receive maps a ServerEvent onto a push message: the data_json object with
// the event type as its type, and the flow run id as thread id when absent.
func (c *grpcConn) Receive() (Frame, error) {
	var evt ServerEvent
	if err := c.stream.RecvMsg(&evt); err != nil {
		return Frame{}, err
	}

	payload := map[string]any{}
	if evt.DataJSON != "" {
		if err := json.Unmarshal([]byte(evt.DataJSON), &payload); err != nil {
			// Hand the raw bytes on so the channel drops the message but keeps the stream
			return Frame{Data: []byte(evt.DataJSON)}, nil
		}
	}
	payload["type"] = evt.EventType
	if _, ok := payload["thread_id"]; !ok && evt.FlowRunID != "" {
		payload["thread_id"] = evt.FlowRunID
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode event %s: %w", evt.EventType, err)
	}
	return Frame{Data: data}, nil
}

func (c *grpcConn) Close() error {
	c.cancel()
	return c.cc.Close()
}
