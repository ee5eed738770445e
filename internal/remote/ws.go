// Package remote attaches external model backends over a websocket control
// channel. A connecting backend registers itself, keeps a heartbeat, and
// serves invocations relayed as jobs over the same connection.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/logx"
	"github.com/modelmux/modelmux/internal/registry"
)

const heartbeatExpiry = 15 * time.Second

// RegisterMessage is the first frame a backend must send after connecting.
type RegisterMessage struct {
	Type             string   `json:"type"`
	Name             string   `json:"name"`
	Tasks            []string `json:"tasks"`
	MaxContextLength int      `json:"max_context_length"`
	Languages        []string `json:"languages"`
	Hardware         string   `json:"hardware"`
	MaxConcurrency   int      `json:"max_concurrency"`
	WorkerKey        string   `json:"worker_key"`
}

// RegisteredMessage acknowledges a registration with the assigned ID.
type RegisteredMessage struct {
	Type      string `json:"type"`
	BackendID string `json:"backend_id"`
}

// JobMessage asks the remote backend to run one invocation.
type JobMessage struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id"`
	Payload string `json:"payload"`
}

// JobResultMessage carries a completed invocation back.
type JobResultMessage struct {
	Type       string  `json:"type"`
	JobID      string  `json:"job_id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// JobErrorMessage carries an invocation failure back.
type JobErrorMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

// conn is one attached remote backend. It implements backend.Backend by
// relaying invocations over the websocket and waiting for the matching
// job frame.
type conn struct {
	mu            sync.Mutex
	send          chan any
	done          chan struct{}
	jobs          map[string]chan any
	lastHeartbeat time.Time
}

var errBackendGone = errors.New("remote backend disconnected")

func (c *conn) Invoke(ctx context.Context, payload string) (backend.Answer, error) {
	id := string(backend.NewID())
	ch := make(chan any, 1)
	c.mu.Lock()
	c.jobs[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.jobs, id)
		c.mu.Unlock()
	}()

	select {
	case c.send <- JobMessage{Type: "job", JobID: id, Payload: payload}:
	case <-c.done:
		return backend.Answer{}, errBackendGone
	case <-ctx.Done():
		return backend.Answer{}, ctx.Err()
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return backend.Answer{}, errBackendGone
		}
		switch m := msg.(type) {
		case JobResultMessage:
			return backend.Answer{Text: m.Text, Confidence: m.Confidence}, nil
		case JobErrorMessage:
			return backend.Answer{}, errors.New(m.Error)
		}
		return backend.Answer{}, errBackendGone
	case <-ctx.Done():
		return backend.Answer{}, ctx.Err()
	}
}

func (c *conn) HealthProbe(ctx context.Context) error {
	c.mu.Lock()
	last := c.lastHeartbeat
	c.mu.Unlock()
	if time.Since(last) > heartbeatExpiry {
		return errBackendGone
	}
	return nil
}

func (c *conn) deliver(jobID string, msg any) {
	c.mu.Lock()
	ch, ok := c.jobs[jobID]
	if ok {
		delete(c.jobs, jobID)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
		close(ch)
	}
}

// WSHandler accepts backend websocket connections and keeps them registered
// for the lifetime of the connection.
func WSHandler(reg *registry.Registry, expectedKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provided := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			provided = strings.TrimPrefix(auth, "Bearer ")
		}
		if provided == "" {
			provided = r.URL.Query().Get("worker_key")
		}
		if expectedKey != "" && provided != expectedKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		defer c.Close(websocket.StatusInternalError, "server error")

		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var rm RegisterMessage
		if err := json.Unmarshal(data, &rm); err != nil || rm.Type != "register" {
			c.Close(websocket.StatusPolicyViolation, "expected register")
			return
		}
		if expectedKey != "" && rm.WorkerKey != "" && rm.WorkerKey != expectedKey {
			c.Close(websocket.StatusPolicyViolation, "unauthorized")
			return
		}

		bc := &conn{
			send:          make(chan any, 32),
			done:          make(chan struct{}),
			jobs:          make(map[string]chan any),
			lastHeartbeat: time.Now(),
		}
		cap := backend.Capability{
			MaxContextLength: rm.MaxContextLength,
			Languages:        rm.Languages,
		}
		if rm.Hardware != "" {
			cap.Hardware = []backend.Hardware{backend.Hardware(rm.Hardware)}
		}
		for _, t := range rm.Tasks {
			cap.Tasks = append(cap.Tasks, backend.TaskType(t))
		}
		id := reg.Register(rm.Name, cap, bc, rm.MaxConcurrency)
		logx.Log.Info().Str("backend_id", string(id)).Str("name", rm.Name).Str("remote_addr", r.RemoteAddr).Strs("tasks", rm.Tasks).Msg("remote backend attached")
		defer func() {
			_ = reg.Deregister(id)
			close(bc.done)
			bc.mu.Lock()
			for jid, ch := range bc.jobs {
				delete(bc.jobs, jid)
				close(ch)
			}
			bc.mu.Unlock()
		}()

		bc.send <- RegisteredMessage{Type: "registered", BackendID: string(id)}

		go func() {
			for {
				select {
				case msg := <-bc.send:
					b, _ := json.Marshal(msg)
					if err := c.Write(ctx, websocket.MessageText, b); err != nil {
						return
					}
				case <-bc.done:
					return
				}
			}
		}()

		for {
			_, msg, err := c.Read(ctx)
			if err != nil {
				return
			}
			var env struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			switch env.Type {
			case "heartbeat":
				bc.mu.Lock()
				bc.lastHeartbeat = time.Now()
				bc.mu.Unlock()
			case "job_result":
				var m JobResultMessage
				if err := json.Unmarshal(msg, &m); err == nil {
					bc.deliver(m.JobID, m)
				}
			case "job_error":
				var m JobErrorMessage
				if err := json.Unmarshal(msg, &m); err == nil {
					bc.deliver(m.JobID, m)
				}
			}
		}
	}
}
