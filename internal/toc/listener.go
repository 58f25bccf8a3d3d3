package toc

import "sync/atomic"

// listener is the single reader of a connection. It runs until the read
// side fails or stop is called.
type listener struct {
	client   *Client
	conn     *conn
	stopping atomic.Bool
	done     chan struct{}
}

func newListener(c *Client, cn *conn) *listener {
	return &listener{
		client: c,
		conn:   cn,
		done:   make(chan struct{}),
	}
}

func (l *listener) running() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

func (l *listener) run() {
	defer close(l.done)
	c := l.client

	for !l.stopping.Load() {
		payload, ok, err := l.conn.readFrame()
		if err != nil {
			// SignOff owns the connection from ShuttingDown on.
			if l.stopping.Load() || c.State() == ShuttingDown {
				return
			}
			c.detach(l.conn)
			c.notifyDisconnect(err)
			return
		}
		if !ok {
			continue
		}

		if err := c.dispatch(payload); err != nil {
			c.logger.Error("fatal server error", "err", err)
			c.detach(l.conn)
			c.notifyDisconnect(err)
			return
		}
	}
}

// stop interrupts the pending read and waits for run to return. The
// connection stays open.
func (l *listener) stop() {
	l.stopping.Store(true)
	if err := l.conn.interrupt(); err != nil {
		l.client.logger.Debug("interrupt read", "err", err)
	}
	<-l.done
	l.conn.resume()
}
