package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskstream/internal/config"
	"github.com/JakeFAU/taskstream/internal/task"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Port: 8080, RequestTimeout: 5 * time.Second, ShutdownTimeout: 2 * time.Second},
		Logging:  config.LoggingConfig{Development: false, Level: "error"},
		Producer: config.ProducerConfig{StageDelay: time.Millisecond},
		Queue:    config.QueueConfig{Depth: 4, EnqueueTimeout: time.Second},
		Workers:  config.WorkersConfig{Concurrency: 1},
		Store:    config.StoreConfig{Backend: config.BackendMemory},
		Bus:      config.BusConfig{Backend: config.BackendMemory, BufferSize: 16},
		Progress: config.ProgressConfig{Enabled: true, LogEnabled: true},
		Session:  config.SessionConfig{WriteTimeout: time.Second},
	}
}

func TestBuildRejectsBadLogLevel(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Logging.Level = "verbose"
	_, err := Build(context.Background(), cfg)
	require.ErrorContains(t, err, "logger init failed")
}

func TestBuildFailsOnUnreachableNATS(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Bus.Backend = config.BackendNATS
	cfg.NATS.URL = "nats://127.0.0.1:1"
	_, err := Build(context.Background(), cfg)
	require.ErrorContains(t, err, "nats connect failed")
}

func TestAppEndToEnd(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*testing.T, *config.Config)
	}{
		{name: "memory", mutate: func(*testing.T, *config.Config) {}},
		{name: "sqlite", mutate: func(t *testing.T, c *config.Config) {
			c.Store.Backend = config.BackendSQLite
			c.SQLite.Path = t.TempDir() + "/tasks.db"
		}},
		{name: "embedded nats", mutate: func(t *testing.T, c *config.Config) {
			c.Store.Backend = config.BackendNATS
			c.Bus.Backend = config.BackendNATS
			c.NATS.Embedded = true
			c.NATS.StoreDir = t.TempDir()
			c.NATS.KVBucket = "taskstream-e2e"
			c.NATS.KVTTL = time.Hour
			c.NATS.KVReplicas = 1
			c.NATS.SubjectPrefix = "taskstream.e2e"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig()
			tt.mutate(t, cfg)
			app, err := Build(context.Background(), cfg)
			require.NoError(t, err)

			workerCtx, stopWorkers := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				app.dispatch.Run(workerCtx)
			}()
			srv := httptest.NewServer(app.Handler())
			t.Cleanup(func() {
				srv.Close()
				stopWorkers()
				<-done
				require.NoError(t, app.Close(context.Background()))
			})

			// With a 1ms stage delay the session may attach at any stage.
			taskID := startTask(t, srv.URL)
			msgs := collectUntilCompleted(t, srv.URL, taskID)
			require.NotEmpty(t, msgs)
			last := msgs[len(msgs)-1]
			require.Equal(t, "COMPLETED", last.Status)
			require.Equal(t, 100, last.Progress)
			for i := 1; i < len(msgs); i++ {
				require.GreaterOrEqual(t, msgs[i].Progress, msgs[i-1].Progress)
				require.GreaterOrEqual(t, msgs[i].Timestamp, msgs[i-1].Timestamp)
			}

			resp, err := http.Get(srv.URL + "/v1/tasks/" + taskID)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)
			var rec task.Message
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
			require.Equal(t, "COMPLETED", rec.Status)
		})
	}
}

func startTask(t *testing.T, baseURL string) string {
	t.Helper()

	resp, err := http.Post(baseURL+"/start-task", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.TaskID)
	return body.TaskID
}

// collectUntilCompleted attaches to a task that may already be running and
// reads frames until the COMPLETED message arrives.
func collectUntilCompleted(t *testing.T, baseURL, taskID string) []task.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(baseURL, "http")+"/ws/task/"+taskID)
	require.NoError(t, err)
	defer conn.Close()

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	rw := struct {
		io.Reader
		io.Writer
	}{r, conn}

	var msgs []task.Message
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		data, err := wsutil.ReadServerText(rw)
		require.NoError(t, err)
		var msg task.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, taskID, msg.TaskID)
		msgs = append(msgs, msg)
		if msg.Status == "COMPLETED" {
			return msgs
		}
	}
}
