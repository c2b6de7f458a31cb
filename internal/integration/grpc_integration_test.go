package integration

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	api "github.com/oshokin/torchd/internal/api/grpc/torch"
	"github.com/oshokin/torchd/internal/config"
	domain "github.com/oshokin/torchd/internal/domain/torch"
	"github.com/oshokin/torchd/internal/journal"
	"github.com/oshokin/torchd/internal/repository/prefs"
	"github.com/oshokin/torchd/internal/service/common"
	"github.com/oshokin/torchd/internal/service/server"
)

// startTorchd runs torchd with the simulated backend and the journal enabled.
// The returned stop function cancels it and waits for a clean exit.
func startTorchd(t *testing.T, addr, dir string) (stop func()) {
	t.Helper()

	cfgPath := filepath.Join(dir, "torchd.yaml")

	require.NoError(t, config.Save(cfgPath, &config.Config{
		ServerAddress:   addr,
		Timeout:         5 * time.Second,
		PreferencesFile: filepath.Join(dir, "prefs.json"),
		Driver: config.DriverConfig{
			Backend: config.BackendSimulated,
			Simulated: config.SimulatedConfig{Devices: []config.SimulatedDevice{
				{ID: "cam0", MaxIntensity: 0},
				{ID: "cam1", MaxIntensity: 5},
			}},
		},
		Journal: config.JournalConfig{
			Enabled: true,
			Path:    filepath.Join(dir, "journal.db"),
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- server.Run(ctx, &server.Options{
			ConfigPath: cfgPath,
			Ready:      func() { close(ready) },
		})
	}()

	select {
	case <-ready:
	case err := <-done:
		cancel()
		t.Fatalf("torchd exited early: %v", err)
	}

	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

// freeAddr reserves a free loopback port.
func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := l.Addr().String()
	require.NoError(t, l.Close())

	return addr
}

// TestGRPC_Roundtrip drives the real daemon with the client library: intensity
// requests, a watch stream, the journal and preference persistence.
func TestGRPC_Roundtrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	addr := freeAddr(t)

	stop := startTorchd(t, addr, dir)
	stopped := false

	defer func() {
		if !stopped {
			stop()
		}
	}()

	ctx := context.Background()

	c, err := common.Dial(ctx, addr, common.WithCallTimeout(3*time.Second), common.WithActor("tester@bench"))
	require.NoError(t, err)

	defer func() {
		_ = c.Close()
	}()

	snapshot, err := c.State(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.StateIdle, snapshot.State)

	// Watch in the background and collect state events.
	watchCtx, stopWatch := context.WithCancel(ctx)

	var (
		mu     sync.Mutex
		states []int
	)

	watchDone := make(chan error, 1)

	go func() {
		watchDone <- c.Watch(watchCtx, "integration", func(e api.Event) error {
			if e.Type == api.EventState {
				mu.Lock()
				states = append(states, e.Current)
				mu.Unlock()
			}

			return nil
		})
	}()

	snapshot, err = c.SetIntensity(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, domain.StateActive, snapshot.State)
	require.Equal(t, 3, snapshot.Current)
	require.Equal(t, "cam1", snapshot.ResourceID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(states) > 0 && states[len(states)-1] == 3
	}, 3*time.Second, 10*time.Millisecond)

	snapshot, err = c.SetIntensity(ctx, 0)
	require.NoError(t, err)
	require.False(t, snapshot.IsOn())

	// The journal writer is asynchronous.
	require.Eventually(t, func() bool {
		entries, historyErr := c.History(ctx, 0)

		return historyErr == nil && hasState(entries, 3)
	}, 3*time.Second, 20*time.Millisecond)

	stopWatch()
	require.NoError(t, <-watchDone)

	stop()

	stopped = true

	// The explicit intensity survived as the preference.
	_, err = os.Stat(filepath.Join(dir, "prefs.json"))
	require.NoError(t, err)

	saved, err := prefs.NewFileRepository(filepath.Join(dir, "prefs.json")).Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, saved.Intensity)
}

func hasState(entries []journal.Entry, current int) bool {
	for _, e := range entries {
		if e.Kind == journal.KindState && e.Current == current {
			return true
		}
	}

	return false
}
