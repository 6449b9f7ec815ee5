package system

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type fakeResponse struct {
	out string
	err error
}

// fakeRunner answers commands by their rendered command line.
type fakeRunner struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	calls     []Command
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: map[string]fakeResponse{}}
}

func (f *fakeRunner) on(cmdline, out string, err error) *fakeRunner {
	f.responses[cmdline] = fakeResponse{out: out, err: err}
	return f
}

func (f *fakeRunner) Run(_ context.Context, c Command) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	r, ok := f.responses[c.String()]
	if !ok {
		return "", &CommandError{Name: c.Name, Args: c.Args, ExitCode: 127, Stderr: "unexpected command: " + c.String()}
	}
	return r.out, r.err
}

// fakeMounter models a mount table; failures are scripted per target.
type fakeMounter struct {
	mu         sync.Mutex
	mounts     map[string][]string
	unmountErr map[string]error
	forceErr   map[string]error
	sticky     map[string]bool
	unmounted  []string
	forced     []string
	queryErr   error
}

func newFakeMounter() *fakeMounter {
	return &fakeMounter{
		mounts:     map[string][]string{},
		unmountErr: map[string]error{},
		forceErr:   map[string]error{},
		sticky:     map[string]bool{},
	}
}

func (m *fakeMounter) Mounts(_ context.Context, device string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return append([]string(nil), m.mounts[device]...), nil
}

func (m *fakeMounter) Unmount(_ context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unmountErr[target]; err != nil {
		return err
	}
	m.unmounted = append(m.unmounted, target)
	m.remove(target)
	return nil
}

func (m *fakeMounter) ForceUnmount(_ context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.forceErr[target]; err != nil {
		return err
	}
	m.forced = append(m.forced, target)
	m.remove(target)
	return nil
}

func (m *fakeMounter) remove(target string) {
	if m.sticky[target] {
		return
	}
	for dev, targets := range m.mounts {
		kept := targets[:0]
		for _, t := range targets {
			if t != target {
				kept = append(kept, t)
			}
		}
		m.mounts[dev] = kept
	}
}

type fakeTopology map[string][]string

func (f fakeTopology) Descendants(_ context.Context, device string) ([]string, error) {
	return f[device], nil
}

type sleepRecorder struct {
	calls []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return nil
}

var errBusy = unix.EBUSY
