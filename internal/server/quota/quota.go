package quota

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPlan   = errors.New("invalid plan type")
	ErrQuotaExceeded = errors.New("transfer size exceeds plan limit")
)

// Policy decides whether a transfer of a given aggregate size is admitted
// under a plan tier. It is a pure lookup with no side effects, so callers
// can (and must) consult it before writing any bytes.
type Policy struct {
	limits map[string]int64
}

// NewPolicy creates a policy from a tier -> byte-limit table.
func NewPolicy(limits map[string]int64) *Policy {
	l := make(map[string]int64, len(limits))
	for tier, max := range limits {
		l[tier] = max
	}
	return &Policy{limits: l}
}

// Admit returns nil if totalBytes fits within the plan's limit,
// ErrInvalidPlan for an unrecognized tier, and ErrQuotaExceeded when the
// batch is too large. A batch exactly at the limit is admitted.
func (p *Policy) Admit(plan string, totalBytes int64) error {
	limit, ok := p.limits[plan]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPlan, plan)
	}
	if totalBytes > limit {
		return fmt.Errorf("%w: %d bytes over %s plan limit of %d", ErrQuotaExceeded, totalBytes, plan, limit)
	}
	return nil
}

// Limit reports the byte limit for a tier, and whether the tier exists.
func (p *Policy) Limit(plan string) (int64, bool) {
	limit, ok := p.limits[plan]
	return limit, ok
}
