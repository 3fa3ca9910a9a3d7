package terminaldriver

import (
	"context"
	"fmt"
	"sync"
)

// Call records one invocation against a FakeDriver, for assertions on call
// ordering and arguments (scenario D in spec.md §8: exactly two calls,
// never a combined "text+\r").
type Call struct {
	Method string
	Pane   string
	Text   string
}

// FakeDriver is an in-memory TerminalDriver for tests. It never shells out.
type FakeDriver struct {
	mu    sync.Mutex
	Calls []Call

	panes map[string]string // pane -> visible content

	// FailNext, if set, makes the next matching method return this error
	// once, then clears itself.
	FailNext map[string]error
}

// NewFakeDriver returns an empty FakeDriver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		panes:    make(map[string]string),
		FailNext: make(map[string]error),
	}
}

func (f *FakeDriver) takeFailure(method string) error {
	if err, ok := f.FailNext[method]; ok {
		delete(f.FailNext, method)
		return err
	}
	return nil
}

// SetPaneContent sets the content CapturePane will return for pane.
func (f *FakeDriver) SetPaneContent(pane, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panes[pane] = content
}

func (f *FakeDriver) SendLiteralText(_ context.Context, pane, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "SendLiteralText", Pane: pane, Text: text})
	return f.takeFailure("SendLiteralText")
}

func (f *FakeDriver) SendSubmitKey(_ context.Context, pane string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "SendSubmitKey", Pane: pane})
	return f.takeFailure("SendSubmitKey")
}

func (f *FakeDriver) SendCancelKey(_ context.Context, pane string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "SendCancelKey", Pane: pane})
	return f.takeFailure("SendCancelKey")
}

func (f *FakeDriver) CapturePane(_ context.Context, pane string, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "CapturePane", Pane: pane})
	if err := f.takeFailure("CapturePane"); err != nil {
		return "", err
	}
	return f.panes[pane], nil
}

func (f *FakeDriver) CreatePane(_ context.Context, pane, _ string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "CreatePane", Pane: pane})
	if err := f.takeFailure("CreatePane"); err != nil {
		return err
	}
	f.panes[pane] = ""
	return nil
}

func (f *FakeDriver) KillPane(_ context.Context, pane string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "KillPane", Pane: pane})
	if err := f.takeFailure("KillPane"); err != nil {
		return err
	}
	delete(f.panes, pane)
	return nil
}

func (f *FakeDriver) Exists(_ context.Context, pane string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "Exists", Pane: pane})
	_, ok := f.panes[pane]
	return ok
}

// CallsMatching returns calls whose Method equals method, in order.
func (f *FakeDriver) CallsMatching(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (c Call) String() string {
	return fmt.Sprintf("%s(%s,%q)", c.Method, c.Pane, c.Text)
}
