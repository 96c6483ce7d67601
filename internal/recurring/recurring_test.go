package recurring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/acquisition-engine/internal/jobs"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (f *fakeSubmitter) SubmitStandard(_ context.Context, name string) (jobs.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	if f.err != nil {
		return jobs.SubmitResult{}, f.err
	}
	return jobs.SubmitResult{JobID: "job-" + name}, nil
}

func TestAddValidatesSchedules(t *testing.T) {
	t.Parallel()

	s := New(&fakeSubmitter{}, zap.NewNop())
	require.NoError(t, s.Add(
		Entry{Name: "nightly", Schedule: "@daily"},
		Entry{Name: "manual"},
		Entry{Name: "hourly", Schedule: "0 * * * *"},
	))
	require.Equal(t, []string{"hourly", "nightly"}, s.Names())

	require.Error(t, s.Add(Entry{Name: "nightly", Schedule: "@daily"}))
	require.Error(t, s.Add(Entry{Name: "broken", Schedule: "every now and then"}))
}

func TestTriggerLogsOutcome(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sub := &fakeSubmitter{}
	s := New(sub, zap.New(core))

	s.Trigger("nightly")
	sub.err = errors.New("unknown source")
	s.Trigger("broken")

	require.Equal(t, []string{"nightly", "broken"}, sub.names)
	require.Equal(t, 1, logs.FilterMessage("standard job submitted").Len())
	require.Equal(t, 1, logs.FilterMessage("standard job submission failed").Len())
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	s := New(&fakeSubmitter{}, nil)
	require.NoError(t, s.Add(Entry{Name: "often", Schedule: "@every 1h"}))
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
