// Package control implements the merge/switch mode arbitration of spec
// §4.3: in merge mode every enabled source is active; in switch mode
// exactly one is, with rotation triggered by silence or scheduler
// unhappiness, at most once per poll tick (spec §9 open question).
package control

import (
	"log/slog"
	"sync"
	"time"
)

// Mode selects merge or switch operation.
type Mode int

const (
	Merge Mode = iota
	Switch
)

// DefaultSwitchDelay is the silence tolerance before rotating in switch
// mode (spec §4.3).
const DefaultSwitchDelay = 2 * time.Second

// Source is the minimal view of a receiver the control plane needs.
type Source interface {
	Name() string
	IsEnabled() bool
	LastReceiveAge(now time.Time) time.Duration
	SetActive(active bool)
	IsActive() bool
}

// Health reports whether the scheduler considers itself healthy; switch
// mode rotates away from the active source when this returns false too
// (spec §4.3, §9).
type Health interface {
	IsRunningOK() bool
}

// Plane owns mode selection and switchover arbitration.
type Plane struct {
	mu          sync.Mutex
	mode        Mode
	switchDelay time.Duration
	sources     []Source
	health      Health
	log         *slog.Logger
}

// New builds a control Plane over the given sources, in declaration order
// (switch mode rotates through them in that order).
func New(mode Mode, switchDelay time.Duration, sources []Source, health Health, log *slog.Logger) *Plane {
	if switchDelay == 0 {
		switchDelay = DefaultSwitchDelay
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Plane{mode: mode, switchDelay: switchDelay, sources: sources, health: health, log: log}
	if mode == Merge {
		for _, s := range sources {
			s.SetActive(s.IsEnabled())
		}
	} else {
		p.ensureOneActive(time.Now())
	}
	return p
}

// Mode returns the configured mode.
func (p *Plane) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Tick runs one arbitration pass. In merge mode it just mirrors Enabled
// onto Active. In switch mode it rotates at most once per call when the
// active source has gone silent, is disabled, or the scheduler reports
// unhealthy.
func (p *Plane) Tick(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mode == Merge {
		for _, s := range p.sources {
			s.SetActive(s.IsEnabled())
		}
		return
	}

	active := p.activeLocked()
	rotate := active == nil || !active.IsEnabled() ||
		active.LastReceiveAge(now) > p.switchDelay ||
		(p.health != nil && !p.health.IsRunningOK())

	if rotate {
		p.rotateLocked(active)
	}
	p.ensureOneActiveLocked(now)
}

func (p *Plane) activeLocked() Source {
	for _, s := range p.sources {
		if s.IsActive() {
			return s
		}
	}
	return nil
}

// rotateLocked advances to the next enabled source after cur, in
// declaration order, wrapping around. If no other source is eligible the
// current one is kept (invariant I5 recovered by ensureOneActive).
func (p *Plane) rotateLocked(cur Source) {
	if len(p.sources) == 0 {
		return
	}
	start := 0
	for i, s := range p.sources {
		if s == cur {
			start = i
			break
		}
	}
	for offset := 1; offset <= len(p.sources); offset++ {
		idx := (start + offset) % len(p.sources)
		cand := p.sources[idx]
		if cand.IsEnabled() && cand != cur {
			for _, s := range p.sources {
				s.SetActive(s == cand)
			}
			p.log.Info("switchover", "new_active", cand.Name())
			return
		}
	}
	// no other eligible source: keep current active, if any.
}

func (p *Plane) ensureOneActive(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensureOneActiveLocked(now)
}

// ensureOneActiveLocked restores invariant I5 when nothing is active but
// at least one source is enabled.
func (p *Plane) ensureOneActiveLocked(now time.Time) {
	for _, s := range p.sources {
		if s.IsActive() {
			return
		}
	}
	for _, s := range p.sources {
		if s.IsEnabled() {
			s.SetActive(true)
			return
		}
	}
}

// SetMode changes merge/switch mode at runtime (not exposed over RC per
// spec §4.5 — mode is start-up-only — but kept for tests and possible
// future RC verbs).
func (p *Plane) SetMode(mode Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
}
