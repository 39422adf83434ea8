// Package network tracks device connectivity and notifies subscribers of
// online/offline transitions.
package network

import (
	"context"
	"sync"
	"time"

	"github.com/diabetactic/glucosync/internal/logging"
)

// Status is a connectivity snapshot.
type Status struct {
	Online    bool
	ChangedAt time.Time
}

// Monitor reports connectivity and its transitions.
type Monitor interface {
	Status() Status
	// Subscribe registers fn for transitions and returns a cancel function.
	Subscribe(fn func(Status)) (cancel func())
}

// StaticMonitor is a Monitor whose state is set explicitly. Subscribers are
// called only when the state actually changes.
type StaticMonitor struct {
	mu     sync.Mutex
	status Status
	subs   map[int]func(Status)
	nextID int
}

// NewStaticMonitor creates a monitor with the given initial state.
func NewStaticMonitor(online bool) *StaticMonitor {
	return &StaticMonitor{
		status: Status{Online: online, ChangedAt: time.Now()},
		subs:   make(map[int]func(Status)),
	}
}

// Status returns the current state.
func (m *StaticMonitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers fn for future transitions.
func (m *StaticMonitor) Subscribe(fn func(Status)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Set updates the state, notifying subscribers on a transition.
func (m *StaticMonitor) Set(online bool) {
	m.mu.Lock()
	if m.status.Online == online {
		m.mu.Unlock()
		return
	}
	m.status = Status{Online: online, ChangedAt: time.Now()}
	status := m.status
	subs := make([]func(Status), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	logging.Info("connectivity changed", map[string]any{"online": online})
	for _, fn := range subs {
		fn(status)
	}
}

// CheckFunc reports whether the backend is reachable.
type CheckFunc func(ctx context.Context) bool

// Prober polls a CheckFunc and feeds the result into a StaticMonitor.
type Prober struct {
	check    CheckFunc
	interval time.Duration
	monitor  *StaticMonitor

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewProber creates a prober. The monitor is updated on every probe.
func NewProber(check CheckFunc, interval time.Duration, monitor *StaticMonitor) *Prober {
	return &Prober{
		check:    check,
		interval: interval,
		monitor:  monitor,
	}
}

// ProbeOnce runs a single check and updates the monitor.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	online := p.check(ctx)
	p.monitor.Set(online)
	return online
}

// Start probes immediately and then on every interval until Stop or ctx
// cancellation.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx, p.stopCh)
}

// Stop halts probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Prober) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}
