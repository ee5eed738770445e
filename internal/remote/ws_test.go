package remote

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/registry"
)

func newTestRegistry() *registry.Registry {
	cfg := config.Default()
	return registry.New(func() *config.Config { return cfg }, nil)
}

func TestWSRegisterAndServe(t *testing.T) {
	reg := newTestRegistry()
	srv := httptest.NewServer(WSHandler(reg, ""))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	rm := RegisterMessage{
		Type:           "register",
		Name:           "remote-1",
		Tasks:          []string{"chat"},
		MaxConcurrency: 4,
	}
	b, _ := json.Marshal(rm)
	if err := c.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write register: %v", err)
	}

	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var ack RegisteredMessage
	if err := json.Unmarshal(data, &ack); err != nil || ack.Type != "registered" {
		t.Fatalf("unexpected ack %s: %v", data, err)
	}
	id := backend.ID(ack.BackendID)

	info, err := reg.Lookup(id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if info.Name != "remote-1" || info.MaxConcurrency != 4 {
		t.Fatalf("info = %+v", info)
	}
	if !info.Capability.Supports(backend.TaskChat) {
		t.Fatalf("capability not registered")
	}

	// Serve one relayed invocation from the client side.
	type result struct {
		ans backend.Answer
		err error
	}
	done := make(chan result, 1)
	go func() {
		impl, err := reg.Backend(id)
		if err != nil {
			done <- result{err: err}
			return
		}
		ans, err := impl.Invoke(ctx, "2+2?")
		done <- result{ans: ans, err: err}
	}()

	_, data, err = c.Read(ctx)
	if err != nil {
		t.Fatalf("read job: %v", err)
	}
	var job JobMessage
	if err := json.Unmarshal(data, &job); err != nil || job.Type != "job" {
		t.Fatalf("unexpected frame %s: %v", data, err)
	}
	if job.Payload != "2+2?" {
		t.Fatalf("payload = %q", job.Payload)
	}
	res := JobResultMessage{Type: "job_result", JobID: job.JobID, Text: "4", Confidence: 0.99}
	b, _ = json.Marshal(res)
	if err := c.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write result: %v", err)
	}

	r := <-done
	if r.err != nil {
		t.Fatalf("invoke: %v", r.err)
	}
	if r.ans.Text != "4" || r.ans.Confidence != 0.99 {
		t.Fatalf("answer = %+v", r.ans)
	}
}

func TestWSDisconnectDeregisters(t *testing.T) {
	reg := newTestRegistry()
	srv := httptest.NewServer(WSHandler(reg, ""))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	b, _ := json.Marshal(RegisterMessage{Type: "register", Name: "brief"})
	if err := c.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write register: %v", err)
	}
	if _, _, err := c.Read(ctx); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if len(reg.List()) != 1 {
		t.Fatalf("expected one registered backend")
	}

	c.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(3 * time.Second)
	for len(reg.List()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("backend still registered after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSRejectsBadKey(t *testing.T) {
	reg := newTestRegistry()
	srv := httptest.NewServer(WSHandler(reg, "expected"))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, _, err := websocket.Dial(ctx, srv.URL+"?worker_key=wrong", nil); err == nil {
		t.Fatalf("expected handshake rejection")
	}
}

func TestWSRejectsNonRegisterFirstFrame(t *testing.T) {
	reg := newTestRegistry()
	srv := httptest.NewServer(WSHandler(reg, ""))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"heartbeat"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := c.Read(ctx); err == nil {
		t.Fatalf("expected the connection to be closed")
	}
	if len(reg.List()) != 0 {
		t.Fatalf("nothing should be registered")
	}
}
