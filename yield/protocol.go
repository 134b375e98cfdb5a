package yield

import (
	"context"
)

// Protocol abstracts one external yield-bearing protocol. Implementations
// wrap the protocol's actual transport; the manager only sees this surface,
// so new protocols can be added without touching any other component.
type Protocol interface {
	// Name is the stable protocol identifier stored in positions.
	Name() string

	// YieldRate returns the current annual rate in basis points.
	YieldRate() uint64

	// MinimumStake returns the smallest accepted stake in satoshis.
	MinimumStake() uint64

	// Stake deploys principal with the protocol.
	Stake(ctx context.Context, amount uint64) error

	// Unstake withdraws principal or realized yield from the protocol.
	Unstake(ctx context.Context, amount uint64) error
}

// StaticProtocol is a Protocol with a fixed rate and no external calls,
// used for custodial in-house strategies and in tests.
type StaticProtocol struct {
	ProtocolName string
	RateBps      uint64
	MinStake     uint64
}

func (p *StaticProtocol) Name() string         { return p.ProtocolName }
func (p *StaticProtocol) YieldRate() uint64    { return p.RateBps }
func (p *StaticProtocol) MinimumStake() uint64 { return p.MinStake }

func (p *StaticProtocol) Stake(context.Context, uint64) error   { return nil }
func (p *StaticProtocol) Unstake(context.Context, uint64) error { return nil }
