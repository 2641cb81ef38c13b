package fake

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/sunshow/workgear/client/internal/notify"
)

// Dialer returns a push dialer whose connections receive everything passed to Push
func (e *Engine) Dialer() notify.Dialer {
	return feedDialer{e: e}
}

// Push sends a push message to every open connection. Slow readers drop messages.
func (e *Engine) Push(payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Errorw("Failed to encode push message", "error", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for f := range e.feeds {
		select {
		case f.frames <- notify.Frame{Data: data}:
		default:
			e.logger.Warnw("Push feed full, dropping message", "type", payload["type"])
		}
	}
}

// DropConnections ends every open push connection as if the server went away
func (e *Engine) DropConnections() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for f := range e.feeds {
		f.end()
		delete(e.feeds, f)
	}
}

// Connections returns how many push connections are open
func (e *Engine) Connections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.feeds)
}

type feedDialer struct {
	e *Engine
}

func (d feedDialer) Dial(ctx context.Context, subjectID string) (notify.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := &feedConn{e: d.e, frames: make(chan notify.Frame, 64), done: make(chan struct{})}
	d.e.mu.Lock()
	d.e.feeds[f] = struct{}{}
	d.e.mu.Unlock()
	d.e.logger.Debugw("Push connection opened", "subject_id", subjectID)
	return f, nil
}

type feedConn struct {
	e      *Engine
	frames chan notify.Frame
	done   chan struct{}
	once   sync.Once
}

func (f *feedConn) Receive() (notify.Frame, error) {
	select {
	case fr := <-f.frames:
		return fr, nil
	case <-f.done:
		return notify.Frame{}, io.EOF
	}
}

func (f *feedConn) Close() error {
	f.e.mu.Lock()
	delete(f.e.feeds, f)
	f.e.mu.Unlock()
	f.end()
	return nil
}

func (f *feedConn) end() {
	f.once.Do(func() { close(f.done) })
}
