package tlsmonitor

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type stubLogReader struct{ lines []LogLine }

func (r *stubLogReader) TailLines(ctx context.Context, n int) ([]LogLine, error) {
	return r.lines, nil
}

type stubRuntime struct{ restarted []string }

func (r *stubRuntime) RestartContainer(ctx context.Context, name string) error {
	r.restarted = append(r.restarted, name)
	return nil
}

type stubState struct{ readyCalls int }

func (s *stubState) SetReady(ctx context.Context) error {
	s.readyCalls++
	return nil
}

func newTestMonitor(logs *stubLogReader, runtime *stubRuntime, state *stubState) *Monitor {
	return New(Config{
		Logs:          logs,
		Runtime:       runtime,
		State:         state,
		ContainerName: "nilcc-proxy",
		Logger:        zerolog.Nop(),
	})
}

func TestTickTransitionsToReadyOnCertificateObtained(t *testing.T) {
	logs := &stubLogReader{lines: []LogLine{{Ts: 100, Msg: "certificate obtained successfully"}}}
	runtime := &stubRuntime{}
	state := &stubState{}
	m := newTestMonitor(logs, runtime, state)

	require.NoError(t, m.Tick(context.Background()))
	require.Equal(t, 1, state.readyCalls)
	require.Empty(t, runtime.restarted)
}

func TestTickRestartsOnACMEStagingError(t *testing.T) {
	logs := &stubLogReader{lines: []LogLine{
		{Ts: 100, Error: "obtain: https://acme-staging-v02.api.letsencrypt.org/directory unreachable"},
	}}
	runtime := &stubRuntime{}
	state := &stubState{}
	m := newTestMonitor(logs, runtime, state)

	require.NoError(t, m.Tick(context.Background()))
	require.Equal(t, []string{"nilcc-proxy"}, runtime.restarted)
	require.Zero(t, state.readyCalls)
}

func TestTickDoesNothingOnUnknownLine(t *testing.T) {
	logs := &stubLogReader{lines: []LogLine{{Ts: 100, Msg: "listening on :443"}}}
	runtime := &stubRuntime{}
	state := &stubState{}
	m := newTestMonitor(logs, runtime, state)

	require.NoError(t, m.Tick(context.Background()))
	require.Zero(t, state.readyCalls)
	require.Empty(t, runtime.restarted)
}

func TestTickIgnoresLinesAtOrBelowWatermark(t *testing.T) {
	logs := &stubLogReader{lines: []LogLine{{Ts: 100, Msg: "certificate obtained successfully"}}}
	runtime := &stubRuntime{}
	state := &stubState{}
	m := newTestMonitor(logs, runtime, state)

	require.NoError(t, m.Tick(context.Background()))
	require.Equal(t, 1, state.readyCalls)

	// Same line again (e.g. container log hasn't rotated yet) should not
	// re-trigger since its ts no longer exceeds the watermark.
	require.NoError(t, m.Tick(context.Background()))
	require.Equal(t, 1, state.readyCalls)
}

func TestTickPicksNewestInformativeLine(t *testing.T) {
	logs := &stubLogReader{lines: []LogLine{
		{Ts: 100, Msg: "certificate obtained successfully"},
		{Ts: 200, Error: "https://acme-staging-v02.api.letsencrypt.org/directory rate limited"},
		{Ts: 150, Msg: "renewing"},
	}}
	runtime := &stubRuntime{}
	state := &stubState{}
	m := newTestMonitor(logs, runtime, state)

	require.NoError(t, m.Tick(context.Background()))
	require.Equal(t, []string{"nilcc-proxy"}, runtime.restarted)
	require.Zero(t, state.readyCalls)
}
