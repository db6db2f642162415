package arbiter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"vistara-arbiter/pkg/arbiter"
	"vistara-arbiter/pkg/models"
	"vistara-arbiter/pkg/partition"
	"vistara-arbiter/pkg/ports"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

// fakeVM records the callbacks it receives. onStop and onLost run inside the
// callback, like a VM answering synchronously.
type fakeVM struct {
	mu      sync.Mutex
	grants  int
	stops   int
	losts   int
	freqs   []uint32
	failCbs bool

	onGrant func()
	onStop  func()
	onLost  func()
}

func (f *fakeVM) GPUGranted(freq uint32) error {
	f.mu.Lock()
	f.grants++
	f.freqs = append(f.freqs, freq)
	fail, hook := f.failCbs, f.onGrant
	f.mu.Unlock()

	if fail {
		return errUnreachable
	}
	if hook != nil {
		hook()
	}

	return nil
}

func (f *fakeVM) GPUStop() error {
	f.mu.Lock()
	f.stops++
	hook := f.onStop
	f.mu.Unlock()

	if hook != nil {
		hook()
	}

	return nil
}

func (f *fakeVM) GPULost() error {
	f.mu.Lock()
	f.losts++
	hook := f.onLost
	f.mu.Unlock()

	if hook != nil {
		hook()
	}

	return nil
}

func (f *fakeVM) counts() (grants, stops, losts int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.grants, f.stops, f.losts
}

type unreachableError struct{}

func (unreachableError) Error() string { return "vm unreachable" }

var errUnreachable error = unreachableError{}

type fakeAssign struct {
	mu       sync.Mutex
	bound    []models.VMID
	unbinds  int
	bindErr  error
	assigned int64
}

func newFakeAssign() *fakeAssign {
	return &fakeAssign{assigned: models.UnassignedVM}
}

func (f *fakeAssign) AssignVM(_ context.Context, vm models.VMID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.bindErr != nil {
		return f.bindErr
	}
	f.bound = append(f.bound, vm)
	f.assigned = int64(vm)

	return nil
}

func (f *fakeAssign) UnassignVM(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.unbinds++
	f.assigned = models.UnassignedVM

	return nil
}

func (f *fakeAssign) current() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.assigned
}

type harness struct {
	t      *testing.T
	arb    *arbiter.Arbiter
	hook   *logtest.Hook
	assign *fakeAssign

	mu     sync.Mutex
	faults []arbiter.Fault
}

func newHarness(t *testing.T, cfg arbiter.Config, p ports.Collection) *harness {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.TraceLevel)

	h := &harness{t: t, hook: hook}

	cfg.Logger = logrus.NewEntry(logger)
	cfg.OnFault = func(f arbiter.Fault) {
		h.mu.Lock()
		h.faults = append(h.faults, f)
		h.mu.Unlock()
	}

	if p.AssignBackends == nil {
		h.assign = newFakeAssign()
		p.AssignBackends = map[models.ResourceID]ports.AssignBackend{0: h.assign}
	}

	arb, err := arbiter.New(cfg, p)
	require.NoError(t, err)
	require.NoError(t, arb.Start(context.Background()))
	t.Cleanup(arb.Stop)

	h.arb = arb

	return h
}

func (h *harness) register(id models.VMID, resource models.ResourceID, vm *fakeVM) models.Handle {
	h.t.Helper()

	handle, err := h.arb.RegisterVM(ports.VMDescriptor{
		ID:        id,
		Resource:  resource,
		Version:   models.ProtocolVersion,
		Callbacks: vm,
	})
	require.NoError(h.t, err)

	return handle
}

func (h *harness) lookupVM(handle models.Handle) (arbiter.VMStatus, bool) {
	for _, s := range h.arb.VMs() {
		if s.Handle == handle {
			return s, true
		}
	}

	return arbiter.VMStatus{}, false
}

func (h *harness) vm(handle models.Handle) arbiter.VMStatus {
	h.t.Helper()

	s, ok := h.lookupVM(handle)
	require.True(h.t, ok, "%s not registered", handle)

	return s
}

func (h *harness) resource(id models.ResourceID) arbiter.ResourceStatus {
	h.t.Helper()

	for _, s := range h.arb.Resources() {
		if s.ID == id {
			return s
		}
	}
	h.t.Fatalf("resource %d not found", id)

	return arbiter.ResourceStatus{}
}

func (h *harness) waitState(handle models.Handle, state models.VMState) {
	h.t.Helper()

	require.Eventually(h.t, func() bool {
		s, ok := h.lookupVM(handle)
		return ok && s.State == state.String()
	}, waitFor, tick, "%s never reached %s", handle, state)
}

func (h *harness) faultList() []arbiter.Fault {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]arbiter.Fault(nil), h.faults...)
}

func (h *harness) logged(msg string) int {
	n := 0
	for _, e := range h.hook.AllEntries() {
		if e.Message == msg {
			n++
		}
	}

	return n
}

func (f *fakeVM) set(fn func(f *fakeVM)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fn(f)
}

type fakeRepartition struct {
	mu       sync.Mutex
	profiles map[models.ResourceID]string
}

func (f *fakeRepartition) Configure(_ context.Context, r models.ResourceID, p partition.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.profiles == nil {
		f.profiles = make(map[models.ResourceID]string)
	}
	f.profiles[r] = p.Name

	return nil
}
