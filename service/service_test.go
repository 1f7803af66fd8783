package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-directory/config"
	"github.com/saiset-co/sai-directory/directory"
	"github.com/saiset-co/sai-directory/sai"
	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

const (
	aliceToken = "alice-token"
	bobToken   = "bob-token"
	carolToken = "carol-token"
)

func testConfig(t *testing.T) *types.ServiceConfig {
	t.Helper()
	loader, err := config.NewLoader()
	require.NoError(t, err)

	cfg := loader.Defaults()
	cfg.Name = "directory"
	cfg.Version = "test"
	cfg.Logger.Level = "error"
	cfg.Server.HTTP.Host = "127.0.0.1"
	cfg.Server.HTTP.Port = 0
	cfg.Fetch.MaxRetries = 0
	cfg.Fetch.CircuitBreaker.Enabled = true
	cfg.Fetch.CircuitBreaker.ResetSchedule = "@every 5m"
	cfg.Auth.Tokens = map[string]types.CallerConfig{
		aliceToken: {UserID: "alice", Role: "admin", TenantID: directory.DemoTenant},
		bobToken:   {UserID: "bob", Role: "member", TenantID: directory.DemoTenant},
		carolToken: {UserID: "carol", Role: "member", TenantID: directory.DemoTenant},
	}
	return cfg
}

func startService(t *testing.T) *Service {
	t.Helper()

	svc, err := NewFromConfig(context.Background(), config.NewStaticManager(testConfig(t)))
	require.NoError(t, err)

	svc.OnStarted(func(ctx context.Context) error {
		c := svc.Container()
		return directory.Seed(ctx, c.Database, c.Presets, directory.DemoData(directory.DemoTenant), c.Logger)
	})

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start() }()

	select {
	case <-svc.Ready():
	case err := <-errCh:
		t.Fatalf("service failed to start: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not become ready")
	}

	t.Cleanup(func() {
		if svc.IsRunning() {
			require.NoError(t, svc.Stop())
		}
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("service did not stop")
		}
	})

	return svc
}

func call(t *testing.T, svc *Service, method, path, token string) (int, []byte) {
	t.Helper()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI("http://" + svc.Container().HTTPServer.Addr() + path)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	require.NoError(t, fasthttp.DoTimeout(req, resp, 5*time.Second))
	return resp.StatusCode(), append([]byte(nil), resp.Body()...)
}

func TestServiceServesDirectory(t *testing.T) {
	svc := startService(t)
	assert.True(t, svc.IsRunning())
	assert.ErrorIs(t, svc.Start(), types.ErrServiceIsRunning)

	status, _ := call(t, svc, fasthttp.MethodGet, "/health", "")
	assert.Equal(t, fasthttp.StatusOK, status)

	status, _ = call(t, svc, fasthttp.MethodGet, "/admin/users", "")
	assert.Equal(t, fasthttp.StatusUnauthorized, status)

	status, body := call(t, svc, fasthttp.MethodGet, "/admin/users?status=active", aliceToken)
	require.Equal(t, fasthttp.StatusOK, status)

	var users struct {
		Data  []map[string]interface{} `json:"data"`
		Total int                      `json:"total"`
	}
	require.NoError(t, utils.Unmarshal(body, &users))
	assert.Equal(t, 2, users.Total)

	status, _ = call(t, svc, fasthttp.MethodGet, "/metrics", "")
	assert.Equal(t, fasthttp.StatusOK, status)
}

func TestServiceSetDefault(t *testing.T) {
	svc := startService(t)

	status, body := call(t, svc, fasthttp.MethodPost, "/admin/filter-presets/preset-blocked-users/set-default", bobToken)
	require.Equal(t, fasthttp.StatusOK, status, string(body))

	var resp struct {
		Data types.PresetView `json:"data"`
	}
	require.NoError(t, utils.Unmarshal(body, &resp))
	assert.True(t, resp.Data.IsDefault)
	require.NotNil(t, resp.Data.Creator)
	assert.Equal(t, "bob", resp.Data.Creator.ID)

	status, _ = call(t, svc, fasthttp.MethodPost, "/admin/filter-presets/preset-active-users/set-default", carolToken)
	assert.Equal(t, fasthttp.StatusForbidden, status)

	status, _ = call(t, svc, fasthttp.MethodPost, "/admin/filter-presets/ghost/set-default", aliceToken)
	assert.Equal(t, fasthttp.StatusNotFound, status)
}

func TestServiceSchedulesHousekeeping(t *testing.T) {
	svc := startService(t)

	c := svc.Container()
	require.NotNil(t, c.Cron)
	assert.True(t, c.Cron.IsRunning())

	names := make([]string, 0, 2)
	for _, job := range c.Cron.Jobs() {
		names = append(names, job.Name)
	}
	assert.Equal(t, []string{sai.JobBreakerReset, sai.JobCacheSweep}, names)
}

func TestServiceStopsOnRequest(t *testing.T) {
	svc, err := NewFromConfig(context.Background(), config.NewStaticManager(testConfig(t)))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start() }()
	<-svc.Ready()

	require.NoError(t, svc.Stop())
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not stop")
	}

	assert.False(t, svc.IsRunning())
	assert.False(t, svc.Container().HTTPServer.IsRunning())
	assert.ErrorIs(t, svc.Stop(), types.ErrServiceIsNotRunning)
}

func TestNewServiceRequiresConfigFile(t *testing.T) {
	_, err := NewService(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrConfigInvalidPath)

	_, err = NewService(context.Background(), "/nonexistent/config.yml")
	assert.Error(t, err)
}
