package reconciler

import (
	"math/rand"
	"sync"
	"time"

	"github.com/BearBump/FulfillBox/internal/models"
)

type Rand interface {
	Intn(n int) int
}

// lockedRand guards a *rand.Rand, which is not safe for concurrent use.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

type PlannerConfig struct {
	TerminalDelay time.Duration // default: 365 days

	// Moving parcels are polled with jitter so a batch created together does
	// not hit the carrier together.
	MovingMinDelay time.Duration // default: 30 minutes
	MovingMaxDelay time.Duration // default: 90 minutes

	IdleDelay time.Duration // default: 2 hours

	Backoff1 time.Duration // default: 5 minutes
	Backoff2 time.Duration // default: 15 minutes
	Backoff3 time.Duration // default: 30 minutes
	Backoff4 time.Duration // default: 60 minutes
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		TerminalDelay: 365 * 24 * time.Hour,

		MovingMinDelay: 30 * time.Minute,
		MovingMaxDelay: 90 * time.Minute,

		IdleDelay: 2 * time.Hour,

		Backoff1: 5 * time.Minute,
		Backoff2: 15 * time.Minute,
		Backoff3: 30 * time.Minute,
		Backoff4: 60 * time.Minute,
	}
}

type Planner struct {
	cfg PlannerConfig
	r   Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.TerminalDelay <= 0 {
		cfg.TerminalDelay = def.TerminalDelay
	}
	if cfg.MovingMinDelay <= 0 {
		cfg.MovingMinDelay = def.MovingMinDelay
	}
	if cfg.MovingMaxDelay <= 0 {
		cfg.MovingMaxDelay = def.MovingMaxDelay
	}
	if cfg.MovingMaxDelay < cfg.MovingMinDelay {
		cfg.MovingMaxDelay = cfg.MovingMinDelay
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = def.IdleDelay
	}
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if cfg.Backoff4 <= 0 {
		cfg.Backoff4 = def.Backoff4
	}
	if r == nil {
		r = &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
	}
	return &Planner{cfg: cfg, r: r}
}

func DefaultPlanner() *Planner {
	return NewPlanner(DefaultPlannerConfig(), nil)
}

func (p *Planner) NextCheckDelay(status models.ShipmentStatus) time.Duration {
	switch {
	case status.IsTerminal():
		return p.cfg.TerminalDelay
	case status == models.ShipmentStatusPickedUp,
		status == models.ShipmentStatusInTransit,
		status == models.ShipmentStatusOutForDelivery,
		status == models.ShipmentStatusPickupScheduled,
		status == models.ShipmentStatusRTOInitiated:
		min := p.cfg.MovingMinDelay
		max := p.cfg.MovingMaxDelay
		if max == min {
			return min
		}
		secMin := int(min.Seconds())
		secMax := int(max.Seconds())
		if secMax < secMin {
			secMax = secMin
		}
		return time.Duration(secMin+p.r.Intn(secMax-secMin+1)) * time.Second
	default:
		return p.cfg.IdleDelay
	}
}

// NextPoll satisfies shipments.Scheduler.
func (p *Planner) NextPoll(now time.Time, status models.ShipmentStatus) time.Time {
	return now.Add(p.NextCheckDelay(status))
}

// BackoffDelay is the wait after the nth consecutive failure. It is shared by
// tracking polls and shipment creation retries.
func (p *Planner) BackoffDelay(failures int) time.Duration {
	switch {
	case failures <= 1:
		return p.cfg.Backoff1
	case failures == 2:
		return p.cfg.Backoff2
	case failures == 3:
		return p.cfg.Backoff3
	default:
		return p.cfg.Backoff4
	}
}
