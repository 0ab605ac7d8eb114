/*
Copyright (c) rtcsync authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package bridge gates RTC writes on chrony's sync quality: it polls
// chronyd's tracking report on a fixed interval and, once stratum,
// correction, and skew are all within bounds, runs the RTC tool to stamp
// the chip from the now-trustworthy system clock.
package bridge

import (
	"context"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/steinmetz/rtcsync/chronyclient"
)

// tickInterval is how often tracking data is polled.
const tickInterval = 10 * time.Second

// cooldownTicks is how many ticks to wait after a successful stamp before
// polling again; at a 10s tick this is roughly an hour.
const cooldownTicks = 360

// Thresholds are the sync-quality gates a tracking report must clear
// before the RTC is stamped.
type Thresholds struct {
	MaxStratum    uint16
	MaxCorrection float64
	MaxSkew       float64
}

// Conn is the subset of chronyclient.Client this package needs;
// *chronyclient.Client satisfies it.
type Conn interface {
	Tracking() (*chronyclient.Tracking, error)
	Close() error
}

// Dialer connects to chronyd's control socket on demand.
type Dialer func() (Conn, error)

// Stamper runs the synchronous operation that writes the system clock into
// the RTC; a typical implementation execs the RTC tool with "-s".
type Stamper func(ctx context.Context) error

// Counters is the opt-in Prometheus counter set; a nil *Counters makes
// every call below a no-op, so a caller that doesn't want metrics can
// simply not construct one.
type Counters struct {
	registry  *prometheus.Registry
	ticks     prometheus.Counter
	rpcErrors prometheus.Counter
	rejected  prometheus.Counter
	stamped   prometheus.Counter
}

// NewCounters registers the Bridge metric set against a fresh registry.
func NewCounters() *Counters {
	c := &Counters{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtcsync_bridge_ticks_total",
			Help: "Number of poll ticks that passed the cooldown gate.",
		}),
		rpcErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtcsync_bridge_rpc_errors_total",
			Help: "Number of failed dials or tracking requests against chronyd.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtcsync_bridge_rejected_total",
			Help: "Number of ticks rejected by the sync-quality trust gate.",
		}),
		stamped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtcsync_bridge_stamped_total",
			Help: "Number of successful RTC stamps.",
		}),
	}
	c.registry.MustRegister(c.ticks, c.rpcErrors, c.rejected, c.stamped)
	return c
}

// Registry exposes the underlying registry for an HTTP exporter to serve.
func (c *Counters) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Counters) incTick() {
	if c != nil {
		c.ticks.Inc()
	}
}

func (c *Counters) incRPCError() {
	if c != nil {
		c.rpcErrors.Inc()
	}
}

func (c *Counters) incRejected() {
	if c != nil {
		c.rejected.Inc()
	}
}

func (c *Counters) incStamped() {
	if c != nil {
		c.stamped.Inc()
	}
}

// Runner is the poll-driven gate described above.
type Runner struct {
	Thresholds Thresholds
	Dial       Dialer
	Stamp      Stamper
	Counters   *Counters

	conn   Conn
	cooled int
}

// Run blocks, polling every tickInterval, until ctx is canceled. It never
// returns a connection error from chronyd: a failed dial or tracking
// request is logged and retried on the next tick.
func (r *Runner) Run(ctx context.Context) error {
	r.cooled = cooldownTicks

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	defer r.disconnect()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	r.cooled++
	if r.cooled < cooldownTicks {
		return
	}
	r.Counters.incTick()

	if r.conn == nil {
		conn, err := r.Dial()
		if err != nil {
			log.Warningf("bridge: dialing chronyd: %v", err)
			r.Counters.incRPCError()
			return
		}
		r.conn = conn
	}

	tr, err := r.conn.Tracking()
	if err != nil {
		log.Warningf("bridge: reading chrony tracking data: %v", err)
		r.Counters.incRPCError()
		r.disconnect()
		return
	}

	if !r.clears(tr) {
		r.Counters.incRejected()
		return
	}

	if err := r.Stamp(ctx); err != nil {
		log.Warningf("bridge: stamping rtc: %v", err)
		return
	}

	r.Counters.incStamped()
	r.cooled = 0
	r.disconnect()
}

func (r *Runner) clears(tr *chronyclient.Tracking) bool {
	return tr.Stratum < r.Thresholds.MaxStratum &&
		math.Abs(tr.CurrentCorrection) < r.Thresholds.MaxCorrection &&
		tr.SkewPPM < r.Thresholds.MaxSkew
}

func (r *Runner) disconnect() {
	if r.conn == nil {
		return
	}
	if err := r.conn.Close(); err != nil {
		log.Warningf("bridge: closing chrony connection: %v", err)
	}
	r.conn = nil
}
