package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"geoattend/internal/clock"
	"geoattend/internal/metrics"
)

// DefaultRotationInterval is how often a session's token is replaced.
const DefaultRotationInterval = 10 * time.Second

// errInactive stops a rotation loop whose session has ended.
var errInactive = errors.New("session inactive")

// publishFunc replaces the token of one session. It must refuse to write
// once the session is inactive.
type publishFunc func(ctx context.Context, sessionID string) error

// Rotator runs one background token loop per active session. Loops are
// owned by the server and keyed by session id; a client disconnecting has
// no effect on rotation.
type Rotator struct {
	interval time.Duration
	clock    clock.Clock
	publish  publishFunc
	log      *zap.Logger

	base    context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func newRotator(interval time.Duration, clk clock.Clock, publish publishFunc, log *zap.Logger) *Rotator {
	if interval <= 0 {
		interval = DefaultRotationInterval
	}
	base, cancel := context.WithCancel(context.Background())
	return &Rotator{
		interval: interval,
		clock:    clk,
		publish:  publish,
		log:      log,
		base:     base,
		cancel:   cancel,
		running:  make(map[string]context.CancelFunc),
	}
}

// Start issues the first token synchronously and then keeps rotating in the
// background. Starting an already running session is a no-op.
func (r *Rotator) Start(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	if _, ok := r.running[sessionID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.publish(ctx, sessionID); err != nil {
		return errors.Wrap(err, "issue first token")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[sessionID]; ok {
		return nil
	}
	loopCtx, cancel := context.WithCancel(r.base)
	r.running[sessionID] = cancel
	metrics.ActiveRotators.Inc()

	// the ticker is registered before Start returns so the first tick is
	// always one full interval after the first token
	ticker := r.clock.NewTicker(r.interval)
	r.wg.Add(1)
	go r.loop(loopCtx, sessionID, ticker)
	return nil
}

func (r *Rotator) loop(ctx context.Context, sessionID string, ticker *clock.Ticker) {
	defer r.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			err := r.publish(ctx, sessionID)
			switch {
			case err == nil:
			case errors.Is(err, errInactive):
				r.Stop(sessionID)
				return
			case ctx.Err() != nil:
				return
			default:
				r.log.Warn("token rotation failed", zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	}
}

// Stop cancels the session's loop. It does not wait for an in-flight
// rotation; that rotation re-checks the session under its lock.
func (r *Rotator) Stop(sessionID string) {
	r.mu.Lock()
	cancel, ok := r.running[sessionID]
	if ok {
		delete(r.running, sessionID)
		metrics.ActiveRotators.Dec()
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Running reports whether a loop exists for the session.
func (r *Rotator) Running(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[sessionID]
	return ok
}

// Close stops every loop and waits for them to exit.
func (r *Rotator) Close() {
	r.mu.Lock()
	for id, cancel := range r.running {
		cancel()
		delete(r.running, id)
		metrics.ActiveRotators.Dec()
	}
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

// newToken returns a short opaque token. It identifies the current scan
// window only; it is not a signature.
func newToken() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "read random token")
	}
	return hex.EncodeToString(b), nil
}
