package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/botpanel/internal/deploy"
	"github.com/narvanalabs/botpanel/internal/logs"
	"github.com/narvanalabs/botpanel/internal/models"
	"github.com/narvanalabs/botpanel/internal/registry"
)

type fakeController struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeController) Control(_ context.Context, name string, action models.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name+":"+string(action))
	return f.err
}

type wireEvent struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

type testEnv struct {
	hub      *Hub
	svc      *Service
	ctrl     *fakeController
	reg      *registry.Registry
	streamer *logs.Streamer
	srv      *httptest.Server
	dir      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		hub:  NewHub(nil),
		ctrl: &fakeController{},
		reg:  registry.New(nil, nil),
		dir:  t.TempDir(),
	}
	env.streamer = logs.NewStreamer(env.reg, logs.Config{PollInterval: 20 * time.Millisecond}, nil)
	env.svc = NewService(env.hub, env.ctrl, env.reg, env.streamer, nil)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	env.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = env.svc.Serve(r.Context(), conn)
	}))
	t.Cleanup(env.srv.Close)
	return env
}

func (env *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Every session starts with the current list.
	ev := readUntil(t, conn, TypeWorkloadList)
	assert.NotEmpty(t, ev.Data)
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, typ Type) wireEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var ev wireEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == typ {
			return ev
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestSession_ControlReportsResult(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	send(t, conn, ClientMessage{Type: MsgControl, Name: "echo-bot", Action: "restart"})

	var res ActionResult
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TypeActionResult).Data, &res))
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, models.ActionRestart, res.Action)
	assert.Equal(t, "echo-bot restarted", res.Message)

	env.ctrl.mu.Lock()
	assert.Equal(t, []string{"echo-bot:restart"}, env.ctrl.calls)
	env.ctrl.mu.Unlock()
}

func TestSession_ControlFailureCarriesKind(t *testing.T) {
	env := newTestEnv(t)
	env.ctrl.err = &deploy.Error{Kind: deploy.KindNotFound, Op: "control", Name: "ghost", Message: "workload not found"}
	conn := env.dial(t)

	send(t, conn, ClientMessage{Type: MsgControl, Name: "ghost", Action: "stop"})

	var res ActionResult
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TypeActionResult).Data, &res))
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, string(deploy.KindNotFound), res.Code)
	assert.Equal(t, "workload not found", res.Message)
}

func TestSession_UnknownActionNeverReachesController(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	send(t, conn, ClientMessage{Type: MsgControl, Name: "echo-bot", Action: "explode"})

	var res ActionResult
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TypeActionResult).Data, &res))
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, string(deploy.KindInvalidInput), res.Code)

	env.ctrl.mu.Lock()
	assert.Empty(t, env.ctrl.calls)
	env.ctrl.mu.Unlock()
}

func TestSession_ReceivesHubEvents(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	require.Eventually(t, func() bool { return env.hub.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	env.hub.PublishHostMetrics(&models.HostMetrics{CPUCores: 2})

	ev := readUntil(t, conn, TypeSystemMonitor)
	var m models.HostMetrics
	require.NoError(t, json.Unmarshal(ev.Data, &m))
	assert.Equal(t, 2, m.CPUCores)
}

func TestSession_GetList(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.reg.Insert(context.Background(), &models.Workload{Name: "echo-bot", Runtime: models.RuntimePython}))
	conn := env.dial(t)

	send(t, conn, ClientMessage{Type: MsgGetList})

	var ws []*models.Workload
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TypeWorkloadList).Data, &ws))
	require.Len(t, ws, 1)
	assert.Equal(t, "echo-bot", ws[0].Name)
}

func TestSession_OneTailPerConnection(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"bot1", "bot2"} {
		path := filepath.Join(env.dir, name+"-out.log")
		require.NoError(t, os.WriteFile(path, []byte(name+" says hi\n"), 0o644))
		require.NoError(t, env.reg.Insert(context.Background(), &models.Workload{
			Name:       name,
			Runtime:    models.RuntimeNode,
			OutLogPath: path,
		}))
	}
	conn := env.dial(t)

	send(t, conn, ClientMessage{Type: MsgSubscribeLogs, Name: "bot1", Stream: models.LogStreamOut})
	var line models.LogLine
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TypeLogOutput).Data, &line))
	assert.Equal(t, "bot1 says hi", line.Message)

	send(t, conn, ClientMessage{Type: MsgSubscribeLogs, Name: "bot2", Stream: models.LogStreamOut})
	for {
		require.NoError(t, json.Unmarshal(readUntil(t, conn, TypeLogOutput).Data, &line))
		if line.Workload == "bot2" {
			break
		}
	}
	assert.Equal(t, "bot2 says hi", line.Message)
	assert.Equal(t, 1, env.streamer.Active())

	send(t, conn, ClientMessage{Type: MsgUnsubscribeLogs})
	assert.Eventually(t, func() bool { return env.streamer.Active() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestSession_SubscribeUnknownWorkload(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	send(t, conn, ClientMessage{Type: MsgSubscribeLogs, Name: "ghost"})

	var line models.LogLine
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TypeLogOutput).Data, &line))
	assert.True(t, line.Diagnostic)
	assert.Equal(t, 0, env.streamer.Active())
}

func TestSession_CloseReleasesEverything(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.dir, "bot-out.log")
	require.NoError(t, os.WriteFile(path, []byte("x\n"), 0o644))
	require.NoError(t, env.reg.Insert(context.Background(), &models.Workload{Name: "bot", Runtime: models.RuntimeNode, OutLogPath: path}))

	conn := env.dial(t)
	send(t, conn, ClientMessage{Type: MsgSubscribeLogs, Name: "bot"})
	readUntil(t, conn, TypeLogOutput)
	require.Equal(t, 1, env.svc.ActiveSessions())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	assert.Eventually(t, func() bool {
		return env.svc.ActiveSessions() == 0 && env.hub.SubscriberCount() == 0 && env.streamer.Active() == 0
	}, 3*time.Second, 10*time.Millisecond)
}
