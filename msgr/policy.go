package msgr

import "github.com/cephmsgr/go-msgr/internal/wire"

// Policy describes the behavior applied to every Pipe connecting to a given
// peer type: whether faults are terminal (Lossy), whether this side acts as
// server, so its own outgoing attempt always yields to an incoming connect
// in a race and a faulted Pipe waits in STANDBY instead of reconnecting
// (Server), whether a fresh session must be challenged
// before being accepted (ResetCheck), whether an idle server-side Pipe holds
// open rather than reconnecting (Standby), and the feature bits this side
// supports/requires (spec.md §3 "Policy").
type Policy struct {
	Lossy      bool
	Server     bool
	ResetCheck bool
	Standby    bool

	FeaturesSupported wire.Feature
	FeaturesRequired  wire.Feature

	ThrottleBytes    *Throttle
	ThrottleMessages *Throttle
}

// PolicyLookup resolves the Policy to apply for a given peer type. This is
// an external collaborator per spec.md §1 ("policy lookup by peer type");
// the registry calls it once per new Pipe.
type PolicyLookup interface {
	PolicyFor(peerType uint32) Policy
}

// StaticPolicyLookup is a PolicyLookup backed by a fixed map, sufficient for
// tests and the example daemon.
type StaticPolicyLookup struct {
	policies map[uint32]Policy
	fallback Policy
}

// NewStaticPolicyLookup builds a StaticPolicyLookup using fallback for any
// peer type not present in policies.
func NewStaticPolicyLookup(policies map[uint32]Policy, fallback Policy) *StaticPolicyLookup {
	return &StaticPolicyLookup{policies: policies, fallback: fallback}
}

func (s *StaticPolicyLookup) PolicyFor(peerType uint32) Policy {
	if p, ok := s.policies[peerType]; ok {
		return p
	}
	return s.fallback
}
