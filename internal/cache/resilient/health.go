package resilient

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"goflare.io/scribe/internal/metrics"
)

// Error reply prefixes of a server that is up but cannot serve data.
var unavailableReplies = []string{"LOADING ", "MASTERDOWN ", "CLUSTERDOWN "}

// isReplyError reports whether err is an error reply from a server that is
// reachable and serving, such as WRONGTYPE. It fails one command only.
func isReplyError(err error) bool {
	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return false
	}
	msg := rerr.Error()
	for _, prefix := range unavailableReplies {
		if strings.HasPrefix(msg, prefix) {
			return false
		}
	}
	return true
}

// networkFailed handles a failed network command of op. It returns the
// caller's context error when the caller gave up. Otherwise the call goes
// on with the memory backend, and the backend is bypassed unless err is a
// plain error reply.
func (c *Client) networkFailed(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	metrics.CacheFallbacks.WithLabelValues(op).Inc()

	if isReplyError(err) {
		c.logger.Warn("Cache command rejected, serving call from memory",
			zap.String("backend", c.network.Name()), zap.String("op", op), zap.Error(err))
		return nil
	}
	c.markDown(err)
	return nil
}

// markDown bypasses the network backend after err. Only the call that
// performs the transition logs and starts the reconnect loop.
func (c *Client) markDown(err error) {
	if !c.useNetwork.CompareAndSwap(true, false) {
		return
	}

	c.logger.Warn("Cache backend unavailable, serving from memory",
		zap.String("backend", c.network.Name()), zap.Error(err))
	metrics.CacheBackendUp.Set(0)
	metrics.CacheBackendTransitions.WithLabelValues("down").Inc()

	c.startReconnect()
}

// markUp routes operations to the network backend again.
func (c *Client) markUp() {
	if !c.useNetwork.CompareAndSwap(false, true) {
		return
	}

	c.logger.Info("Cache backend connected", zap.String("backend", c.network.Name()))
	metrics.CacheBackendUp.Set(1)
	metrics.CacheBackendTransitions.WithLabelValues("up").Inc()
}

func (c *Client) startReconnect() {
	if c.reconnect == nil {
		return
	}
	c.goBackground(c.reconnectLoop)
}

// reconnectLoop pings the backend with growing delays until it answers or
// the client is closed.
func (c *Client) reconnectLoop() {
	for attempt := 0; ; attempt++ {
		delay := c.reconnect.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(c.ctx, c.dialTimeout)
		err := c.network.Ping(ctx)
		cancel()
		if err == nil {
			if c.filter != nil {
				if err := c.filter.Rebuild(c.ctx, c.network); err != nil {
					c.logger.Warn("Failed to rebuild bloom filter", zap.Error(err))
				}
			}
			c.markUp()
			return
		}
		c.logger.Debug("Cache backend ping failed", zap.Error(err), zap.Int("attempt", attempt+1))
	}
}
