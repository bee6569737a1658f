package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CryptoPull/pkg/config"
)

type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.steps = append(r.steps, s)
	r.mu.Unlock()
}

type fakeService struct {
	name string
	rec  *recorder
	err  error
}

func (f *fakeService) Start() error {
	if f.err != nil {
		return f.err
	}
	f.rec.add("start " + f.name)
	return nil
}

func (f *fakeService) Stop(context.Context) error {
	f.rec.add("stop " + f.name)
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Metrics.Enabled = false
	return cfg
}

func TestAppShutdownOrder(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	running := make(chan struct{})

	app := New(testConfig(), nil, nil,
		WithRunner("loop", func(ctx context.Context) {
			close(running)
			<-ctx.Done()
			rec.add("loop done")
		}),
		WithService("queue", &fakeService{name: "queue", rec: rec}),
		WithService("consumer", &fakeService{name: "consumer", rec: rec}),
		WithCloser("db", func() error { rec.add("close db"); return nil }),
		WithCloser("cache", func() error { rec.add("close cache"); return nil }),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- app.RunContext(ctx) }()
	<-running
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.steps) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.Equal(t, []string{
		"start queue", "start consumer",
		"loop done",
		"stop consumer", "stop queue",
		"close cache", "close db",
	}, rec.steps)
}

func TestAppStartFailureStopsStarted(t *testing.T) {
	rec := &recorder{}
	app := New(testConfig(), nil, nil,
		WithService("queue", &fakeService{name: "queue", rec: rec}),
		WithService("broken", &fakeService{name: "broken", rec: rec, err: errors.New("no broker")}),
	)
	err := app.RunContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start broken")
	assert.Equal(t, []string{"start queue", "stop queue"}, rec.steps)
}
