package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/donnalabs/donna/internal/observe"
)

// ErrCallLimit is returned by Launch when the concurrent-call cap is reached.
var ErrCallLimit = errors.New("call: concurrent call limit reached")

// Manager tracks every active call. It enforces the concurrent-call limit,
// routes status-webhook signals to the right orchestrator, and drains calls
// on shutdown. All exported methods are safe for concurrent use.
type Manager struct {
	log     *slog.Logger
	metrics *observe.Metrics

	// maxCalls caps simultaneous active calls; zero means unlimited.
	maxCalls int

	mu       sync.Mutex
	active   map[*Orchestrator]context.CancelFunc
	draining bool

	wg sync.WaitGroup
}

// NewManager builds a Manager. maxCalls of zero disables the cap.
func NewManager(maxCalls int, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log,
		metrics:  observe.DefaultMetrics(),
		maxCalls: maxCalls,
		active:   make(map[*Orchestrator]context.CancelFunc),
	}
}

// Launch runs the orchestrator on its own goroutine and tracks it until Run
// returns. The returned error reflects admission only; call outcomes are
// logged and persisted by the orchestrator itself.
func (m *Manager) Launch(ctx context.Context, orch *Orchestrator) error {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return errors.New("call: manager is shutting down")
	}
	if m.maxCalls > 0 && len(m.active) >= m.maxCalls {
		m.mu.Unlock()
		return ErrCallLimit
	}
	callCtx, cancel := context.WithCancel(ctx)
	m.active[orch] = cancel
	m.wg.Add(1)
	m.mu.Unlock()
	m.metrics.ActiveCalls.Add(ctx, 1)

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.active, orch)
			m.mu.Unlock()
			cancel()
			m.metrics.ActiveCalls.Add(context.WithoutCancel(ctx), -1)
		}()
		if err := orch.Run(callCtx); err != nil {
			m.log.Error("call ended with error", "call_sid", orch.CallSID(), "err", err)
		}
	}()
	return nil
}

// MarkVoicemail flags the active call with the given gateway identifier as
// machine-answered. Reports whether a matching call was found.
func (m *Manager) MarkVoicemail(callSID string) bool {
	if callSID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for orch := range m.active {
		if orch.CallSID() == callSID {
			orch.MarkVoicemail()
			return true
		}
	}
	return false
}

// AtCapacity reports whether a new call would be refused right now. The
// webhook surface uses it to answer with a busy message instead of handing
// the gateway a media stream that would be dropped.
func (m *Manager) AtCapacity() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining {
		return true
	}
	return m.maxCalls > 0 && len(m.active) >= m.maxCalls
}

// ActiveCalls returns the number of calls currently in flight.
func (m *Manager) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown stops admitting calls, cancels the active ones, and waits up to
// grace for their teardown (outcome analysis and persistence) to finish.
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.Lock()
	m.draining = true
	n := len(m.active)
	for _, cancel := range m.active {
		cancel()
	}
	m.mu.Unlock()

	if n > 0 {
		m.log.Info("draining active calls", "count", n)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		m.log.Warn("shutdown grace elapsed with calls still draining")
	}
}
