package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeController answers hello and command messages the way the
// controller does and records the commands it saw.
type fakeController struct {
	apiKey string

	mu       sync.Mutex
	commands []CommandMessage
	conns    []*websocket.Conn
}

func (f *fakeController) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var base BaseMessage
		json.Unmarshal(data, &base)
		switch base.Type {
		case TypeHello:
			var hello HelloMessage
			json.Unmarshal(data, &hello)
			if f.apiKey != "" && hello.APIKey != f.apiKey {
				conn.WriteJSON(ErrorMessage{BaseMessage: BaseMessage{Type: TypeError}, Code: "unauthorized", Message: "invalid api_key"})
				continue
			}
			conn.WriteJSON(HelloAckMessage{
				BaseMessage:  BaseMessage{Type: TypeHelloAck},
				ConnectionID: "conn-1",
				State:        json.RawMessage(`{"health":"HEALTHY"}`),
			})
		case TypeCommand:
			var cmd CommandMessage
			json.Unmarshal(data, &cmd)
			f.mu.Lock()
			f.commands = append(f.commands, cmd)
			f.mu.Unlock()

			// An unrelated event first, to show it is skipped.
			conn.WriteJSON(EventMessage{BaseMessage: BaseMessage{Type: TypeEvent}, Event: "RECORDING_PAUSED"})
			result := ResultMessage{BaseMessage: BaseMessage{Type: TypeResult, RequestID: cmd.RequestID}, OK: true}
			switch cmd.Command {
			case "STOP_RECORDING":
				result.OK = false
				result.Error = &ErrorBody{Code: "no_active_recording", Message: "no active recording"}
			default:
				result.Data, _ = json.Marshal(map[string]any{"command": cmd.Command})
			}
			conn.WriteJSON(result)
		}
	}
}

func (f *fakeController) broadcast(ev EventMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.conns {
		conn.WriteJSON(ev)
	}
}

func (f *fakeController) lastCommand() CommandMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commands[len(f.commands)-1]
}

func startFake(t *testing.T) (*fakeController, string) {
	t.Helper()
	fake := &fakeController{apiKey: "secret"}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func execute(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--url", url, "--api-key", "secret", "--timeout", "2s"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	fake, url := startFake(t)

	out, err := execute(t, url, "status")
	require.NoError(t, err)
	assert.Contains(t, out, `"command": "GET_STATUS"`)
	assert.Equal(t, "GET_STATUS", fake.lastCommand().Command)
}

func TestStartSendsOnlyChangedFlags(t *testing.T) {
	fake, url := startFake(t)

	_, err := execute(t, url, "start", "--name", "demo", "--frame-rate", "24", "--audio")
	require.NoError(t, err)

	cmd := fake.lastCommand()
	assert.Equal(t, "START_RECORDING", cmd.Command)
	assert.Equal(t, map[string]any{
		"name":          "demo",
		"frame_rate":    float64(24),
		"capture_audio": true,
	}, cmd.Params)
}

func TestPlayCommand(t *testing.T) {
	fake, url := startFake(t)

	_, err := execute(t, url, "play", "rec_1", "--loop")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"recording_id": "rec_1", "loop": true}, fake.lastCommand().Params)

	_, err = execute(t, url, "play")
	assert.Error(t, err)
}

func TestCommandErrorIsReturned(t *testing.T) {
	_, url := startFake(t)

	_, err := execute(t, url, "stop")
	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "no_active_recording", ce.Code)
}

func TestHelloRejected(t *testing.T) {
	_, url := startFake(t)

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--url", url, "--api-key", "wrong", "--timeout", "2s", "ping"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestWatchStreamsEvents(t *testing.T) {
	fake, url := startFake(t)

	client, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer client.Close()
	ack, err := client.Hello(context.Background(), "secret")
	require.NoError(t, err)
	assert.JSONEq(t, `{"health":"HEALTHY"}`, string(ack.State))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan EventMessage, 1)
	done := make(chan error, 1)
	go func() {
		done <- client.Watch(ctx, func(ev EventMessage) error {
			got <- ev
			cancel()
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.conns) == 1
	}, time.Second, 10*time.Millisecond)
	fake.broadcast(EventMessage{
		BaseMessage: BaseMessage{Type: TypeEvent},
		Event:       "RECORDING_STARTED",
		Data:        map[string]any{"session_id": "rec_1"},
	})

	ev := <-got
	assert.Equal(t, "RECORDING_STARTED", ev.Event)
	assert.Equal(t, "rec_1", ev.Data["session_id"])
	assert.NoError(t, <-done)
}
