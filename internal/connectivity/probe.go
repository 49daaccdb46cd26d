package connectivity

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type ProbeOptions struct {
	Interval time.Duration
	Jitter   float64
	Timeout  time.Duration
	Logger   zerolog.Logger
}

// Prober polls a Pinger and feeds the result into a Monitor.
type Prober struct {
	pinger  Pinger
	monitor *Monitor
	opts    ProbeOptions
	sample  func() float64
}

func NewProber(pinger Pinger, monitor *Monitor, opts ProbeOptions) *Prober {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	opts.Jitter = clampJitterRatio(opts.Jitter)
	return &Prober{
		pinger:  pinger,
		monitor: monitor,
		opts:    opts,
		sample:  rand.Float64,
	}
}

// ProbeOnce pings once and updates the monitor.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	err := p.pinger.Ping(pingCtx)
	if ctx.Err() != nil {
		return p.monitor.Online()
	}
	online := err == nil
	if p.monitor.SetOnline(online) {
		ev := p.opts.Logger.Info()
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Bool("online", online).Msg("connectivity changed")
	}
	return online
}

// Run probes immediately and then on a jittered interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.ProbeOnce(ctx)
	timer := time.NewTimer(jitteredInterval(p.opts.Interval, p.opts.Jitter, p.sample()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.ProbeOnce(ctx)
			timer.Reset(jitteredInterval(p.opts.Interval, p.opts.Jitter, p.sample()))
		}
	}
}
