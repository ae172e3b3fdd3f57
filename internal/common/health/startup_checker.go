package health

import (
	"errors"
	"sync/atomic"
)

// StartupCompleteChecker reports unhealthy until MarkComplete is called,
// i.e. until the orchestrator has finished wiring all of its services.
type StartupCompleteChecker struct {
	complete atomic.Bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) Check() error {
	if c.complete.Load() {
		return nil
	}
	return errors.New("startup is not complete")
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.complete.Store(true)
}
