package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/sunshow/workgear/client/internal/model"
)

// MessageType is the "type" discriminator of a push message
type MessageType string

// Push message types
const (
	TypeTestPointsGenerated MessageType = "test_points_generated"
	TypeTestPointsFailed    MessageType = "test_points_failed"
	TypeTestCasesGenerated  MessageType = "test_cases_generated"
	TypeWorkflowStarted     MessageType = "workflow_started"
	TypeWorkflowNeedReview  MessageType = "workflow_need_review"
	TypeWorkflowFailed      MessageType = "workflow_failed"
	TypeWorkflowError       MessageType = "workflow_error"
	TypeProgress            MessageType = "progress"
)

// Frame is one raw message read off a connection. Text frames carry JSON,
// binary frames carry msgpack.
type Frame struct {
	Data   []byte
	Binary bool
}

// Envelope is a decoded push message
type Envelope struct {
	Type          MessageType
	Message       string
	RequirementID string
	TestPointID   string
	ThreadID      string
	TaskType      string
	Status        model.Status
	Progress      *int
	Count         int
	Error         string
	Interrupt     *model.Interrupt
	Raw           map[string]any
}

// DecodeFrame turns a frame into a generic message object
func DecodeFrame(f Frame) (map[string]any, error) {
	var m map[string]any
	if f.Binary {
		if err := msgpack.Unmarshal(f.Data, &m); err != nil {
			return nil, fmt.Errorf("decode msgpack frame: %w", err)
		}
		return m, nil
	}

	dec := json.NewDecoder(bytes.NewReader(f.Data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode json frame: %w", err)
	}
	return m, nil
}

// ParseEnvelope reads the known fields out of a decoded message
func ParseEnvelope(m map[string]any) (Envelope, error) {
	typ := stringOf(m["type"])
	if typ == "" {
		return Envelope{}, fmt.Errorf("push message without type: %w", model.ErrNotValid)
	}

	env := Envelope{
		Type:          MessageType(typ),
		Message:       stringOf(m["message"]),
		RequirementID: idOf(m["requirement_id"]),
		TestPointID:   idOf(m["test_point_id"]),
		ThreadID:      stringOf(m["thread_id"]),
		TaskType:      stringOf(m["task_type"]),
		Status:        model.Status(stringOf(m["status"])),
		Error:         stringOf(m["error"]),
		Raw:           m,
	}
	if p, ok := intOf(m["progress"]); ok {
		env.Progress = &p
	}
	if c, ok := intOf(m["count"]); ok {
		env.Count = c
	}

	// Review payloads arrive either nested or flattened into the message
	var src any = m["interrupt_data"]
	if src == nil && m["generated_body"] != nil {
		src = m
	}
	if src != nil {
		b, err := json.Marshal(src)
		if err != nil {
			return env, fmt.Errorf("encode interrupt payload: %w", err)
		}
		var in model.Interrupt
		if err := json.Unmarshal(b, &in); err != nil {
			return env, fmt.Errorf("decode interrupt payload: %w", err)
		}
		env.Interrupt = &in
	}
	return env, nil
}

func stringOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// idOf renders numeric or string identifiers in their canonical string form
func idOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		if n, ok := intOf(v); ok {
			return strconv.Itoa(n)
		}
		return fmt.Sprint(t)
	}
}

func intOf(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int8:
		return int(t), true
	case int16:
		return int(t), true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case uint8:
		return int(t), true
	case uint16:
		return int(t), true
	case uint32:
		return int(t), true
	case uint64:
		return int(t), true
	case float64:
		return int(t), true
	case float32:
		return int(t), true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n), true
		}
		if f, err := t.Float64(); err == nil {
			return int(f), true
		}
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n, true
		}
	}
	return 0, false
}
