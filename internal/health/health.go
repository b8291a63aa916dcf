// Package health reports whether the provisioner's dependencies are reachable.
package health

import (
	"context"
	"fmt"
	"time"
)

const checkTimeout = 2 * time.Second

// Pinger is implemented by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker is implemented by the admission policy evaluator.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Checker runs the readiness checks. Nil dependencies are skipped.
type Checker struct {
	pinger Pinger
	policy PolicyChecker
}

// NewChecker returns a checker over db and policy, either of which may be nil.
func NewChecker(db Pinger, policy PolicyChecker) *Checker {
	return &Checker{pinger: db, policy: policy}
}

// Check returns the first failing dependency.
func (c *Checker) Check(ctx context.Context) error {
	if c.pinger != nil {
		pctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.pinger.PingContext(pctx)
		cancel()
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if c.policy != nil {
		pctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.policy.HealthCheck(pctx)
		cancel()
		if err != nil {
			return fmt.Errorf("admission policy: %w", err)
		}
	}
	return nil
}
