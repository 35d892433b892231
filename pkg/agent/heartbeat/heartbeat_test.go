package heartbeat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type stubReadyWaiter struct {
	err     error
	waited  int
	release chan struct{}
}

func (w *stubReadyWaiter) WaitReady(ctx context.Context) error {
	w.waited++
	if w.release != nil {
		<-w.release
	}
	return w.err
}

type stubChainClient struct {
	mu          sync.Mutex
	submissions [][]byte
	balanceCall int
	submitErr   error
}

func (c *stubChainClient) SubmitHTX(ctx context.Context, rawHTX []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submissions = append(c.submissions, rawHTX)
	if c.submitErr != nil {
		return "", c.submitErr
	}
	return "0xabc", nil
}

func (c *stubChainClient) Balance(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balanceCall++
	return "1000000000000000000", nil
}

func (c *stubChainClient) submissionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.submissions)
}

func TestRunSubmitsHTXEachTick(t *testing.T) {
	chain := &stubChainClient{}
	ready := &stubReadyWaiter{}
	measurements := NewStaticMeasurementProvider(
		NilccMeasurement{URL: "https://image", NilccVersion: "1.0.0", CPUCount: 4, GPUs: nil, DockerComposeHash: "ab"},
		BuilderMeasurement{URL: "https://builder"},
	)

	e := New(Config{
		Chain:        chain,
		Ready:        ready,
		Measurements: measurements,
		WorkloadID:   "11111111-1111-1111-1111-111111111111",
		Interval:     10 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	_ = e.Run(ctx)

	require.Equal(t, 1, ready.waited)
	require.GreaterOrEqual(t, chain.submissionCount(), 2)
	require.GreaterOrEqual(t, chain.balanceCall, 1)
}

func TestSubmitTickMarshalsStableFieldOrder(t *testing.T) {
	chain := &stubChainClient{}
	measurements := NewStaticMeasurementProvider(
		NilccMeasurement{URL: "https://image", NilccVersion: "2.0.0", CPUCount: 8, GPUs: []string{"gpu0"}, DockerComposeHash: "deadbeef"},
		BuilderMeasurement{URL: "https://builder"},
	)
	e := New(Config{
		Chain:        chain,
		Ready:        &stubReadyWaiter{},
		Measurements: measurements,
		WorkloadID:   "wl-1",
		Logger:       zerolog.Nop(),
	})

	e.submitTick(context.Background())

	require.Len(t, chain.submissions, 1)

	var doc Document
	require.NoError(t, json.Unmarshal(chain.submissions[0], &doc))
	require.Equal(t, "v1", doc.Version)
	require.Equal(t, "wl-1", doc.WorkloadID.Current)
	require.Equal(t, "deadbeef", doc.NilccMeasurement.DockerComposeHash)

	// Verify the wire order matches the spec's declared field order.
	raw := string(chain.submissions[0])
	versionIdx := indexOf(raw, `"version"`)
	workloadIdx := indexOf(raw, `"workloadId"`)
	measurementIdx := indexOf(raw, `"nilCC_measurement"`)
	builderIdx := indexOf(raw, `"builder_measurement"`)
	require.True(t, versionIdx < workloadIdx)
	require.True(t, workloadIdx < measurementIdx)
	require.True(t, measurementIdx < builderIdx)
}

func TestRunPropagatesReadyWaiterError(t *testing.T) {
	ready := &stubReadyWaiter{err: context.Canceled}
	e := New(Config{
		Chain:        &stubChainClient{},
		Ready:        ready,
		Measurements: NewStaticMeasurementProvider(NilccMeasurement{}, BuilderMeasurement{}),
		Logger:       zerolog.Nop(),
	})

	err := e.Run(context.Background())
	require.Error(t, err)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
