// Package ctrl tracks zero or more Connections by an opaque id through an
// add -> start -> stop -> delete lifecycle, giving a process embedding the
// datapath the same list/inspect/stop operational surface the teacher gives
// for its block devices.
package ctrl

import (
	"sync"

	"github.com/vishwanath1306/cornflakes/internal/logging"
)

type entry struct {
	conn  Connection
	state ConnState
}

// Controller tracks connections by an opaque, monotonically assigned id.
type Controller struct {
	mu    sync.Mutex
	next  uint64
	conns map[uint64]*entry

	logger *logging.Logger
}

// NewController builds an empty controller.
func NewController() *Controller {
	return &Controller{
		conns:  make(map[uint64]*entry),
		logger: logging.Default(),
	}
}

// SetLogger sets the logger for this controller.
func (c *Controller) SetLogger(logger *logging.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// AddConnection begins tracking conn and returns its assigned id.
func (c *Controller) AddConnection(conn Connection) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := c.next
	c.conns[id] = &entry{conn: conn, state: StateAdded}
	c.logger.Debug("connection added", "id", id)
	return id
}

// StartConnection starts the connection tracked under id. Idempotent: if
// already started, it is a no-op.
func (c *Controller) StartConnection(id uint64) error {
	c.mu.Lock()
	e, ok := c.conns[id]
	c.mu.Unlock()
	if !ok {
		return ErrConnectionNotFound
	}
	if e.state == StateStarted {
		return nil
	}
	if err := e.conn.Start(); err != nil {
		return err
	}
	c.mu.Lock()
	e.state = StateStarted
	c.mu.Unlock()
	c.logger.Info("connection started", "id", id)
	return nil
}

// StopConnection stops the connection tracked under id. Idempotent: calling
// it again after it has already stopped is a no-op.
func (c *Controller) StopConnection(id uint64) error {
	c.mu.Lock()
	e, ok := c.conns[id]
	c.mu.Unlock()
	if !ok {
		return ErrConnectionNotFound
	}
	if e.state == StateStopped {
		return nil
	}
	if err := e.conn.Stop(); err != nil {
		return err
	}
	c.mu.Lock()
	e.state = StateStopped
	c.mu.Unlock()
	c.logger.Info("connection stopped", "id", id)
	return nil
}

// DeleteConnection stops (if needed) and closes the connection tracked
// under id, then stops tracking it. Idempotent: deleting an id that is
// already gone (or was never added) is a no-op, not an error.
func (c *Controller) DeleteConnection(id uint64) error {
	c.mu.Lock()
	e, ok := c.conns[id]
	if ok {
		delete(c.conns, id)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if e.state == StateStarted {
		if err := e.conn.Stop(); err != nil {
			return err
		}
	}
	if err := e.conn.Close(); err != nil {
		return err
	}
	c.logger.Info("connection deleted", "id", id)
	return nil
}

// GetConnectionInfo returns the current state of the connection tracked
// under id, or ErrConnectionNotFound if it is not (or no longer) tracked.
func (c *Controller) GetConnectionInfo(id uint64) (ConnectionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.conns[id]
	if !ok {
		return ConnectionInfo{}, ErrConnectionNotFound
	}
	return ConnectionInfo{ID: id, State: e.state}, nil
}
