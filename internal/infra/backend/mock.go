package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tutu-network/chanopt/internal/domain"
)

// ─── Mock Backend (for tests and offline dry runs) ──────────────────────────

// MockBackend is an in-memory domain.Backend. Failures can be queued per
// endpoint; each queued error is returned once, in order.
type MockBackend struct {
	mu       sync.Mutex
	channels map[string]domain.ChannelState
	failures map[string][]error
	calls    map[string]int
	applied  []AppliedPolicy
	hook     func(endpoint, channelID string)
}

// AppliedPolicy is one successful ApplyPolicy call.
type AppliedPolicy struct {
	ChannelID string
	Policy    domain.FeePolicy
}

// NewMockBackend creates a mock holding channels.
func NewMockBackend(channels ...domain.ChannelState) *MockBackend {
	m := &MockBackend{
		channels: make(map[string]domain.ChannelState),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
	for _, ch := range channels {
		m.channels[ch.ChannelID] = ch
	}
	return m
}

// Put adds or replaces a channel.
func (m *MockBackend) Put(ch domain.ChannelState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ChannelID] = ch
}

// FailNext queues errs for endpoint (one of the Endpoint constants).
func (m *MockBackend) FailNext(endpoint string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[endpoint] = append(m.failures[endpoint], errs...)
}

// OnCall registers a hook run at the start of every call, outside the lock.
func (m *MockBackend) OnCall(fn func(endpoint, channelID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

// Calls returns how many times endpoint was called.
func (m *MockBackend) Calls(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[endpoint]
}

// Applied returns successful ApplyPolicy calls in order.
func (m *MockBackend) Applied() []AppliedPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AppliedPolicy(nil), m.applied...)
}

// Policy returns the live policy of a channel.
func (m *MockBackend) Policy(channelID string) domain.FeePolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[channelID].Policy()
}

func (m *MockBackend) enter(endpoint, channelID string) error {
	m.mu.Lock()
	hook := m.hook
	m.calls[endpoint]++
	var err error
	if q := m.failures[endpoint]; len(q) > 0 {
		err, m.failures[endpoint] = q[0], q[1:]
	}
	m.mu.Unlock()
	if hook != nil {
		hook(endpoint, channelID)
	}
	return err
}

func (m *MockBackend) ReadState(ctx context.Context) ([]domain.ChannelState, error) {
	if err := m.enter(EndpointReadState, ""); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ChannelState, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

func (m *MockBackend) ReadPolicy(ctx context.Context, channelID string) (domain.FeePolicy, error) {
	if err := m.enter(EndpointReadPolicy, channelID); err != nil {
		return domain.FeePolicy{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return domain.FeePolicy{}, domain.Permanent(EndpointReadPolicy, channelID, 404, fmt.Errorf("unknown channel"))
	}
	return ch.Policy(), nil
}

func (m *MockBackend) ApplyPolicy(ctx context.Context, channelID string, policy domain.FeePolicy) error {
	if err := ctx.Err(); err != nil {
		return domain.Transient(EndpointApplyPolicy, channelID, 0, err)
	}
	if err := m.enter(EndpointApplyPolicy, channelID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return domain.Permanent(EndpointApplyPolicy, channelID, 404, fmt.Errorf("unknown channel"))
	}
	ch.BaseFeeMsat, ch.FeeRatePPM = policy.BaseFeeMsat, policy.FeeRatePPM
	m.channels[channelID] = ch
	m.applied = append(m.applied, AppliedPolicy{ChannelID: channelID, Policy: policy})
	return nil
}

func (m *MockBackend) Rebalance(ctx context.Context, channelID string, params domain.Rebalance) error {
	if err := m.enter(EndpointRebalance, channelID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return domain.Permanent(EndpointRebalance, channelID, 404, fmt.Errorf("unknown channel"))
	}
	amt := params.AmountSat
	if params.Direction == domain.RebalancePullIn {
		amt = -amt
	}
	ch.LocalBalanceSat -= amt
	ch.RemoteBalanceSat += amt
	m.channels[channelID] = ch
	return nil
}

func (m *MockBackend) CloseChannel(ctx context.Context, channelID string) error {
	if err := m.enter(EndpointCloseChannel, channelID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[channelID]; !ok {
		return domain.Permanent(EndpointCloseChannel, channelID, 404, fmt.Errorf("unknown channel"))
	}
	delete(m.channels, channelID)
	return nil
}
