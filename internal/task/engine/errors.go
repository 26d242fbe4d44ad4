package engine

import "errors"

var (
	ErrStopped    = errors.New("task engine stopped")
	ErrStopping   = errors.New("task engine stopping")
	ErrNoCapacity = errors.New("task engine has no free worker")
)
