package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type stubReporter struct {
	calls   []VmEvent
	errs    []error
	callIdx int
}

func (s *stubReporter) ReportEvent(ctx context.Context, event VmEvent) error {
	s.calls = append(s.calls, event)
	if s.callIdx < len(s.errs) {
		err := s.errs[s.callIdx]
		s.callIdx++
		return err
	}
	return nil
}

type stubStore struct {
	last             map[string]string
	setErrsRemaining int
}

func newStubStore() *stubStore {
	return &stubStore{last: make(map[string]string)}
}

func (s *stubStore) LastReportedEvent(ctx context.Context, workloadID string) (string, bool, error) {
	v, ok := s.last[workloadID]
	return v, ok, nil
}

func (s *stubStore) SetLastReportedEvent(ctx context.Context, workloadID, kind string) error {
	if s.setErrsRemaining > 0 {
		s.setErrsRemaining--
		return errors.New("db unavailable")
	}
	s.last[workloadID] = kind
	return nil
}

func TestHandleSkipsDuplicateEventKind(t *testing.T) {
	reporter := &stubReporter{}
	store := newStubStore()
	store.last["wl-1"] = "Running"
	w := New(Config{Upstream: reporter, Store: store, Logger: zerolog.Nop()})

	w.handle(context.Background(), VmEvent{WorkloadID: "wl-1", Kind: "Running"})

	require.Empty(t, reporter.calls)
}

func TestHandleReportsNewEventKind(t *testing.T) {
	reporter := &stubReporter{}
	store := newStubStore()
	store.last["wl-1"] = "Starting"
	w := New(Config{Upstream: reporter, Store: store, Logger: zerolog.Nop()})

	w.handle(context.Background(), VmEvent{WorkloadID: "wl-1", Kind: "Running"})

	require.Len(t, reporter.calls, 1)
	require.Equal(t, "Running", store.last["wl-1"])
}

func TestHandleSkipsOnNotFound(t *testing.T) {
	reporter := &stubReporter{errs: []error{ErrNotFound}}
	store := newStubStore()
	w := New(Config{Upstream: reporter, Store: store, Logger: zerolog.Nop()})

	w.handle(context.Background(), VmEvent{WorkloadID: "wl-1", Kind: "Running"})

	require.Len(t, reporter.calls, 1)
	_, ok := store.last["wl-1"]
	require.False(t, ok)
}

func TestHandleRetriesOnTransientError(t *testing.T) {
	reporter := &stubReporter{errs: []error{errors.New("timeout")}}
	store := newStubStore()
	w := New(Config{Upstream: reporter, Store: store, RetryWait: time.Millisecond, Logger: zerolog.Nop()})

	w.handle(context.Background(), VmEvent{WorkloadID: "wl-1", Kind: "Running"})

	require.Len(t, reporter.calls, 2)
	require.Equal(t, "Running", store.last["wl-1"])
}

func TestHandleRetriesSetLastReportedEventOnDBError(t *testing.T) {
	reporter := &stubReporter{}
	store := newStubStore()
	store.setErrsRemaining = 1
	w := New(Config{Upstream: reporter, Store: store, RetryWait: time.Millisecond, Logger: zerolog.Nop()})

	w.handle(context.Background(), VmEvent{WorkloadID: "wl-1", Kind: "Running"})

	require.Equal(t, "Running", store.last["wl-1"])
}
