package editbus

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// rollupCoordinator owns the pending rollup timers of one node. A token is
// claimed at most once, either by its timer or by a cancellation; the loser
// observes that the token is gone and does nothing.
type rollupCoordinator struct {
	clock   clock.Clock
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRollup
}

type pendingRollup struct {
	documentID string
	timer      *clock.Timer
}

func newRollupCoordinator(clk clock.Clock, timeout time.Duration) *rollupCoordinator {
	if clk == nil {
		clk = clock.New()
	}
	return &rollupCoordinator{
		clock:   clk,
		timeout: timeout,
		pending: make(map[string]*pendingRollup),
	}
}

// schedule arms a timer for token. fire runs only if the timer claims the
// token before a cancellation does.
func (c *rollupCoordinator) schedule(token, documentID string, fire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := &pendingRollup{documentID: documentID}
	c.pending[token] = p
	p.timer = c.clock.AfterFunc(c.timeout, func() {
		if c.claim(token) != nil {
			fire()
		}
	})
}

// cancel claims token and stops its timer. It returns false if the token was
// unknown or already claimed by its timer.
func (c *rollupCoordinator) cancel(token string) bool {
	p := c.claim(token)
	if p == nil {
		return false
	}
	p.timer.Stop()
	return true
}

func (c *rollupCoordinator) claim(token string) *pendingRollup {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[token]
	if !ok {
		return nil
	}
	delete(c.pending, token)
	return p
}

func (c *rollupCoordinator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// stop cancels every pending timer without firing it.
func (c *rollupCoordinator) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for token, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, token)
	}
}
