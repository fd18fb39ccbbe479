package kernel

// SetOpt stores a connection-level option. Only OptConnSendTimeout is
// defined at the connection level; anything else is rejected.
func (c *Connection) SetOpt(name OptName, value any) error {
	if name != OptConnSendTimeout {
		return NewError(StatusInvalidArgument, "option not valid at connection level")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendTimeout = value
	return nil
}

// GetOpt retrieves a connection-level option.
func (c *Connection) GetOpt(name OptName) (any, error) {
	if name != OptConnSendTimeout {
		return nil, NewError(StatusInvalidArgument, "option not valid at connection level")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendTimeout == nil {
		return nil, NewError(StatusInvalidArgument, "option not set")
	}
	return c.sendTimeout, nil
}
