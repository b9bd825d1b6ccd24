package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/sal-tracker/internal/config"
	"github.com/yourusername/sal-tracker/internal/jobs"
	"github.com/yourusername/sal-tracker/internal/storage"
)

// CSV を RESULT_PATH に書き出して終了するワーカー
const writeResultScript = `#!/bin/sh
base=$(basename "$1")
base=${base%.*}
printf 'frame,x,y\n0,12,34\n' > "$RESULT_PATH/${base}_$4.csv"
`

type stubFrames struct{}

func (stubFrames) Frame(ctx context.Context, videoPath string) ([]byte, error) {
	return []byte("jpeg"), nil
}

type testServer struct {
	router  *gin.Engine
	local   *storage.Local
	manager *jobs.Manager
}

func newTestServer(t *testing.T, script string, mutate func(*config.Config)) *testServer {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script workers require a unix shell")
	}
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
	workerPath := filepath.Join(root, "worker.sh")
	require.NoError(t, os.WriteFile(workerPath, []byte(script), 0o755))

	cfg := &config.Config{
		GinMode:       gin.TestMode,
		VideoPath:     filepath.Join(root, "videos"),
		ResultPath:    filepath.Join(root, "results"),
		WorkerPath:    workerPath,
		JavaPath:      "java",
		MaxUploadSize: 1 << 20,
		JobStore:      config.JobStoreMemory,
	}
	if mutate != nil {
		mutate(cfg)
	}

	local := storage.NewLocal(cfg.VideoPath, cfg.ResultPath)
	require.NoError(t, local.EnsureDirs())
	require.NoError(t, os.WriteFile(local.VideoPath("video1.mp4"), []byte("video"), 0o644))

	logger := hclog.NewNullLogger()
	manager, err := setupJobs(cfg, local, jobs.NewMemoryStore(), logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	router := gin.New()
	setupRoutes(router, &services{
		cfg:         cfg,
		logger:      logger,
		local:       local,
		thumbnailer: stubFrames{},
		manager:     manager,
	})
	return &testServer{router: router, local: local, manager: manager}
}

func (s *testServer) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func (s *testServer) submit(t *testing.T, target string) string {
	t.Helper()
	rec := s.do(http.MethodPost, target)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var body struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	_, err := uuid.Parse(body.JobID)
	require.NoError(t, err, "jobId %q is not a uuid", body.JobID)
	return body.JobID
}

func (s *testServer) waitForStatus(t *testing.T, jobID string, want jobs.Status) jobs.StatusView {
	t.Helper()
	var view jobs.StatusView
	require.Eventually(t, func() bool {
		rec := s.do(http.MethodGet, "/process/"+jobID+"/status")
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
			return false
		}
		return view.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", jobID, want)
	return view
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, writeResultScript, nil)

	rec := s.do(http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","service":"sal-tracker-api","version":"0.1.0"}`, rec.Body.String())
}

func TestProcessLifecycle(t *testing.T) {
	s := newTestServer(t, writeResultScript, nil)

	jobID := s.submit(t, "/process/video1.mp4?targetColor=FF0000&threshold=50")

	view := s.waitForStatus(t, jobID, jobs.StatusDone)
	assert.Empty(t, view.Error)

	rec := s.do(http.MethodGet, "/process/video1_"+jobID+".csv")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "frame,x,y\n0,12,34\n", rec.Body.String())

	rec = s.do(http.MethodGet, "/api/jobs/"+jobID)
	require.Equal(t, http.StatusOK, rec.Code)
	var record jobs.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, "video1.mp4", record.Filename)
	assert.Equal(t, "FF0000", record.TargetColor)
	assert.Equal(t, "50", record.Threshold)
	assert.Equal(t, "video1_"+jobID+".csv", record.ResultFile)
	require.NotNil(t, record.ExitCode)
	assert.Equal(t, 0, *record.ExitCode)

	rec = s.do(http.MethodGet, "/api/jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	var records []jobs.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, jobID, records[0].JobID)
}

func TestProcessWorkerFailure(t *testing.T) {
	s := newTestServer(t, "#!/bin/sh\necho 'Error processing video.' >&2\nexit 1\n", nil)

	jobID := s.submit(t, "/process/video1.mp4?targetColor=00FF00&threshold=10")

	view := s.waitForStatus(t, jobID, jobs.StatusError)
	assert.Equal(t, "Error processing video: worker exited with code 1: Error processing video.", view.Error)

	rec := s.do(http.MethodGet, "/process/video1_"+jobID+".csv")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcessValidation(t *testing.T) {
	s := newTestServer(t, writeResultScript, nil)

	tests := []struct {
		name   string
		target string
		code   int
		body   string
	}{
		{
			name:   "threshold out of range",
			target: "/process/video1.mp4?targetColor=FF0000&threshold=300",
			code:   http.StatusBadRequest,
			body:   `{"error":"Threshold must be a number between 0 and 255."}`,
		},
		{
			name:   "bad color",
			target: "/process/video1.mp4?targetColor=red&threshold=10",
			code:   http.StatusBadRequest,
			body:   `{"error":"targetColor must be a valid 6-digit hex code (e.g., FF0000)"}`,
		},
		{
			name:   "missing parameters",
			target: "/process/video1.mp4?targetColor=FF0000",
			code:   http.StatusBadRequest,
			body:   `{"error":"Missing targetColor or threshold query parameter."}`,
		},
		{
			name:   "unknown video",
			target: "/process/missing.mp4?targetColor=FF0000&threshold=50",
			code:   http.StatusNotFound,
			body:   `{"error":"Video file not found on the server."}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, tt.target)
			require.Equal(t, tt.code, rec.Code)
			assert.JSONEq(t, tt.body, rec.Body.String())
		})
	}

	rec := s.do(http.MethodGet, "/api/jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestProcessStatusUnknownJob(t *testing.T) {
	s := newTestServer(t, writeResultScript, nil)

	rec := s.do(http.MethodGet, "/process/does-not-exist/status")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Job ID not found"}`, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/jobs/does-not-exist")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcessConcurrencyCap(t *testing.T) {
	s := newTestServer(t, "#!/bin/sh\nsleep 5\n", func(cfg *config.Config) {
		cfg.MaxConcurrentJobs = 1
	})

	s.submit(t, "/process/video1.mp4?targetColor=FF0000&threshold=50")

	rec := s.do(http.MethodPost, "/process/video1.mp4?targetColor=FF0000&threshold=50")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"Too many jobs are running. Please try again later."}`, rec.Body.String())
}

func TestProcessTimeout(t *testing.T) {
	s := newTestServer(t, "#!/bin/sh\nsleep 5\n", func(cfg *config.Config) {
		cfg.JobTimeoutSeconds = 1
	})

	jobID := s.submit(t, "/process/video1.mp4?targetColor=FF0000&threshold=50")

	view := s.waitForStatus(t, jobID, jobs.StatusError)
	assert.Equal(t, "Error processing video: worker timed out after 1s", view.Error)
}

func TestCORSConfig(t *testing.T) {
	cfg := &config.Config{CORSAllowedOrigins: "*"}
	assert.True(t, corsConfig(cfg).AllowAllOrigins)

	cfg.CORSAllowedOrigins = "http://localhost:3001, https://example.com"
	corsCfg := corsConfig(cfg)
	assert.False(t, corsCfg.AllowAllOrigins)
	assert.Equal(t, []string{"http://localhost:3001", "https://example.com"}, corsCfg.AllowOrigins)
}

func TestSetupStoreMemory(t *testing.T) {
	store, closeStore, err := setupStore(context.Background(), &config.Config{JobStore: config.JobStoreMemory}, hclog.NewNullLogger())
	require.NoError(t, err)
	defer closeStore()
	assert.IsType(t, &jobs.MemoryStore{}, store)
}

func TestSetupStoreRedisRecoversOrphans(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	previous := jobs.NewRedisStore(rdb, 0)
	require.NoError(t, previous.Create(ctx, &jobs.Record{JobID: "left-running", Filename: "video1.mp4", Status: jobs.StatusProcessing}))
	require.NoError(t, rdb.Close())

	store, closeStore, err := setupStore(ctx, &config.Config{
		JobStore:    config.JobStoreRedis,
		JobRedisURL: "redis://" + srv.Addr(),
	}, hclog.NewNullLogger())
	require.NoError(t, err)
	defer closeStore()

	record, err := store.Get(ctx, "left-running")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, jobs.StatusError, record.Status)
}

func TestSetupStoreRedisUnreachable(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	_, _, err := setupStore(context.Background(), &config.Config{
		JobStore:    config.JobStoreRedis,
		JobRedisURL: "redis://" + addr,
	}, hclog.NewNullLogger())
	assert.Error(t, err)
}
