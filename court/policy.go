package court

import "fmt"

// Policy holds the rules the verdict engine applies to a case. A copy is
// stored on every case at filing time.
type Policy struct {
	Quorum             int     `json:"quorum" yaml:"quorum"`
	Threshold          float64 `json:"threshold" yaml:"threshold"`
	EarlyCloseOnQuorum bool    `json:"earlyCloseOnQuorum" yaml:"earlyCloseOnQuorum"`
}

// DefaultPolicy is a simple majority of at least three voters.
func DefaultPolicy() Policy {
	return Policy{Quorum: 3, Threshold: 0.5, EarlyCloseOnQuorum: false}
}

func (p Policy) Validate() error {
	if p.Quorum < 1 {
		return fmt.Errorf("%w: quorum must be at least 1, got %d", ErrInvalidPolicy, p.Quorum)
	}
	if !(p.Threshold > 0 && p.Threshold <= 1) {
		return fmt.Errorf("%w: threshold must be in (0,1], got %v", ErrInvalidPolicy, p.Threshold)
	}
	return nil
}

// PolicyOverride carries optional per-case adjustments to the default policy.
type PolicyOverride struct {
	Quorum             *int
	Threshold          *float64
	EarlyCloseOnQuorum *bool
}

// Apply returns base with every set field of o replaced.
func (o PolicyOverride) Apply(base Policy) Policy {
	if o.Quorum != nil {
		base.Quorum = *o.Quorum
	}
	if o.Threshold != nil {
		base.Threshold = *o.Threshold
	}
	if o.EarlyCloseOnQuorum != nil {
		base.EarlyCloseOnQuorum = *o.EarlyCloseOnQuorum
	}
	return base
}
