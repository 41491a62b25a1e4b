package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/scrimtrack/scrimtrack/tracker"
)

// FakeOutput is a scriptable tracker.OutputClient. Zero value posts messages
// with sequential ids and succeeds at everything.
type FakeOutput struct {
	mu sync.Mutex

	PostErr   error
	EditErr   error
	DeleteErr error
	RenameErr error

	// Users backs ResolveUser; a missing id resolves to an error.
	Users map[string]tracker.PlayerIdentity

	// Channels backs ChannelName lookups.
	Channels map[string]string

	nextID      int
	PostCalls   int
	EditCalls   int
	DeleteCalls int
	RenameCalls int

	// LastPosted and LastEdited capture the state passed to the most recent
	// output call.
	LastPosted *tracker.TrackerState
	LastEdited *tracker.TrackerState
	// Renames records every rename in order.
	Renames []string
	// Deleted records every deleted message id in order.
	Deleted []string
}

func (f *FakeOutput) PostSeriesMessage(_ context.Context, _ string, st *tracker.TrackerState) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PostCalls++
	if f.PostErr != nil {
		return "", f.PostErr
	}
	f.nextID++
	f.LastPosted = st
	return fmt.Sprintf("msg-%d", f.nextID), nil
}

func (f *FakeOutput) EditSeriesMessage(_ context.Context, _, _ string, st *tracker.TrackerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EditCalls++
	if f.EditErr != nil {
		return f.EditErr
	}
	f.LastEdited = st
	return nil
}

func (f *FakeOutput) DeleteMessage(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteCalls++
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	f.Deleted = append(f.Deleted, messageID)
	return nil
}

func (f *FakeOutput) ChannelName(_ context.Context, channelID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name, ok := f.Channels[channelID]; ok {
		return name, nil
	}
	return "scrims", nil
}

func (f *FakeOutput) RenameChannel(_ context.Context, _, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RenameCalls++
	if f.RenameErr != nil {
		return f.RenameErr
	}
	f.Renames = append(f.Renames, name)
	return nil
}

func (f *FakeOutput) ResolveUser(_ context.Context, _, userID string) (*tracker.PlayerIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.Users[userID]; ok {
		return &p, nil
	}
	return nil, fmt.Errorf("member %s not found", userID)
}

// FakeDiscoverer returns scripted results in order, repeating the last one
// once the script runs out.
type FakeDiscoverer struct {
	mu      sync.Mutex
	Results []DiscoverStep
	Calls   int
}

// DiscoverStep is one scripted discovery outcome.
type DiscoverStep struct {
	Result *tracker.DiscoveryResult
	Err    error
}

func (f *FakeDiscoverer) Discover(_ context.Context, _ *tracker.TrackerState) (*tracker.DiscoveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.Calls
	f.Calls++
	if len(f.Results) == 0 {
		return &tracker.DiscoveryResult{}, nil
	}
	if idx >= len(f.Results) {
		idx = len(f.Results) - 1
	}
	step := f.Results[idx]
	return step.Result, step.Err
}
