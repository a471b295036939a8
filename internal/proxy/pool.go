// Package proxy maintains the health-scored pool of egress addresses.
package proxy

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiaoluflow/notecrawler/internal/clock/system"
	"github.com/xiaoluflow/notecrawler/internal/metrics"
	"github.com/xiaoluflow/notecrawler/internal/spider"
)

// Outcome is what the request pipeline reports back after using a lease.
type Outcome string

// Report outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

const (
	healthCeiling = 100.0
	// tierWidth bounds the band below the best score whose members share
	// the randomized tie-break.
	tierWidth = 10.0
)

// Config tunes pool scoring and cooldown behavior. Zero values fall back
// to the defaults below.
type Config struct {
	Enabled        bool
	Addresses      []string
	FailurePenalty float64
	SuccessReward  float64
	HealthFloor    float64
	CooldownBase   time.Duration
	CooldownMax    time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailurePenalty <= 0 {
		c.FailurePenalty = 20
	}
	if c.SuccessReward <= 0 {
		c.SuccessReward = 5
	}
	if c.HealthFloor <= 0 {
		c.HealthFloor = 30
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = 30 * time.Second
	}
	if c.CooldownMax <= 0 {
		c.CooldownMax = 10 * time.Minute
	}
	return c
}

// Lease is a selected egress point. A direct lease bypasses proxying but
// still flows through rate limiting like any other request.
type Lease struct {
	Addr   string
	Direct bool
}

// Status is a read-only view of one record, exposed for status endpoints
// and tests.
type Status struct {
	Address             string    `json:"address"`
	Health              float64   `json:"health"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until,omitzero"`
	Eligible            bool      `json:"eligible"`
}

type record struct {
	addr                string
	health              float64
	consecutiveFailures int
	cooldownUntil       time.Time
}

// Pool selects proxies weighted by health and applies failure cooldowns.
// All state is guarded by one mutex; selection and reporting are
// linearizable across workers.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	records map[string]*record
	clock   spider.Clock
	logger  *zap.Logger
}

// New builds a pool from the configured addresses. With proxying disabled
// or no addresses configured, Acquire hands out direct-connection leases.
func New(cfg Config, clock spider.Clock, logger *zap.Logger) *Pool {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:     cfg,
		records: make(map[string]*record, len(cfg.Addresses)),
		clock:   clock,
		logger:  logger.Named("proxypool"),
	}
	for _, addr := range cfg.Addresses {
		if addr == "" {
			continue
		}
		if _, dup := p.records[addr]; dup {
			continue
		}
		p.records[addr] = &record{addr: addr, health: healthCeiling}
	}
	p.publishGauges()
	return p
}

// Size returns the number of configured records.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// Acquire picks the healthiest eligible record, breaking ties randomly
// within the top tier so request patterns do not correlate with one
// address. The boolean is false only when every record is cooling down;
// callers treat that as retry-later.
func (p *Pool) Acquire() (Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cfg.Enabled || len(p.records) == 0 {
		return Lease{Direct: true}, true
	}

	now := p.clock.Now()
	eligible := make([]*record, 0, len(p.records))
	for _, rec := range p.records {
		if rec.cooldownUntil.After(now) {
			continue
		}
		if !rec.cooldownUntil.IsZero() {
			// Cooldown served: lift the score back to the floor so the
			// record re-enters selection instead of sitting at the
			// bottom of the ranking until every peer degrades.
			rec.cooldownUntil = time.Time{}
			if rec.health < p.cfg.HealthFloor {
				rec.health = p.cfg.HealthFloor
				metrics.SetProxyHealth(rec.addr, rec.health)
			}
		}
		eligible = append(eligible, rec)
	}
	if len(eligible) == 0 {
		return Lease{}, false
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].health != eligible[j].health {
			return eligible[i].health > eligible[j].health
		}
		return eligible[i].addr < eligible[j].addr
	})

	tier := 1
	for tier < len(eligible) && eligible[tier].health >= eligible[0].health-tierWidth {
		tier++
	}
	pick := eligible[rand.IntN(tier)]
	return Lease{Addr: pick.addr}, true
}

// Report feeds one request outcome back into the scores. Reports for
// direct leases and unknown addresses only touch the outcome counter.
func (p *Pool) Report(l Lease, outcome Outcome) {
	metrics.ObserveProxyReport(string(outcome))
	if l.Direct || l.Addr == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[l.Addr]
	if !ok {
		return
	}

	switch outcome {
	case OutcomeSuccess:
		rec.health = min(healthCeiling, rec.health+p.cfg.SuccessReward)
		rec.consecutiveFailures = 0
	case OutcomeFailure:
		rec.health = max(0, rec.health-p.cfg.FailurePenalty)
		rec.consecutiveFailures++
		if rec.health < p.cfg.HealthFloor {
			cooldown := p.backoff(rec.consecutiveFailures)
			rec.cooldownUntil = p.clock.Now().Add(cooldown)
			p.logger.Warn("proxy cooling down",
				zap.String("address", rec.addr),
				zap.Float64("health", rec.health),
				zap.Int("consecutive_failures", rec.consecutiveFailures),
				zap.Duration("cooldown", cooldown),
			)
		}
	}
	metrics.SetProxyHealth(rec.addr, rec.health)
	p.publishGaugesLocked()
}

// backoff doubles per consecutive failure, starting at the base window.
func (p *Pool) backoff(consecutiveFailures int) time.Duration {
	d := p.cfg.CooldownBase
	for i := 1; i < consecutiveFailures; i++ {
		d *= 2
		if d >= p.cfg.CooldownMax {
			return p.cfg.CooldownMax
		}
	}
	return min(d, p.cfg.CooldownMax)
}

// Snapshot returns the current state of every record, sorted by address.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	out := make([]Status, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, Status{
			Address:             rec.addr,
			Health:              rec.health,
			ConsecutiveFailures: rec.consecutiveFailures,
			CooldownUntil:       rec.cooldownUntil,
			Eligible:            !rec.cooldownUntil.After(now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (p *Pool) publishGauges() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishGaugesLocked()
}

func (p *Pool) publishGaugesLocked() {
	now := p.clock.Now()
	eligible := 0
	for _, rec := range p.records {
		if !rec.cooldownUntil.After(now) {
			eligible++
		}
	}
	metrics.SetProxyPool(len(p.records), eligible)
}
