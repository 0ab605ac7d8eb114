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

package ntpshm

import (
	"fmt"
	"os/user"
	"strconv"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/steinmetz/rtcsync/devio"
	"github.com/steinmetz/rtcsync/rtc"
)

// PPSSource yields successive PPS edges; *devio.PPSLine satisfies it.
type PPSSource interface {
	Fetch() (devio.PPSSample, error)
}

// RTCReader reads the current RTC time; *rtc.DS3231 satisfies it.
type RTCReader interface {
	ReadTime() (rtc.BrokenDownTime, error)
}

// Counters is the opt-in Prometheus counter/gauge set; a nil *Counters
// makes every call below a no-op, so a caller that doesn't want metrics
// can simply not construct one.
type Counters struct {
	registry     *prometheus.Registry
	published    prometheus.Counter
	sequenceGaps prometheus.Counter
	lastOffset   prometheus.Gauge
}

// NewCounters registers the ShmPub metric set against a fresh registry.
func NewCounters() *Counters {
	c := &Counters{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtcsync_shmpub_published_total",
			Help: "Number of samples published into NTP SHM.",
		}),
		sequenceGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtcsync_shmpub_sequence_gaps_total",
			Help: "Number of PPS sequence gaps that aborted the publish loop.",
		}),
		lastOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtcsync_shmpub_last_offset_seconds",
			Help: "Offset, in seconds, between the last published clock and receive timestamps.",
		}),
	}
	c.registry.MustRegister(c.published, c.sequenceGaps, c.lastOffset)
	return c
}

// Registry exposes the underlying registry for an HTTP exporter to serve.
func (c *Counters) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Counters) incPublished() {
	if c != nil {
		c.published.Inc()
	}
}

func (c *Counters) incSequenceGap() {
	if c != nil {
		c.sequenceGaps.Inc()
	}
}

func (c *Counters) setOffset(d time.Duration) {
	if c != nil {
		c.lastOffset.Set(d.Seconds())
	}
}

// Runner drives the PPS-synchronized publish loop: each PPS edge must
// advance the sequence counter by exactly one, after which the RTC is read
// and the resulting timestamp published.
type Runner struct {
	PPS      PPSSource
	RTC      RTCReader
	Pub      *Publisher
	Counters *Counters
}

// DropPrivileges sets the process's group ID to the named group, matching
// the original daemon's practice of needing only write access to the SHM
// segment, not root, for the rest of its life.
func DropPrivileges(group string) error {
	gr, err := user.LookupGroup(group)
	if err != nil {
		return fmt.Errorf("looking up group %q: %w", group, err)
	}
	gid, err := strconv.Atoi(gr.Gid)
	if err != nil {
		return fmt.Errorf("parsing gid for group %q: %w", group, err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("setgid(%d): %w", gid, err)
	}
	return nil
}

// Run discards one priming PPS edge (matching the original's first,
// unpublished read) and then loops forever: wait for an edge, require its
// sequence to be exactly one past the last, read the RTC, and publish.
// Any sequence gap or I/O error stops the loop and returns an error.
func (r *Runner) Run() error {
	prime, err := r.PPS.Fetch()
	if err != nil {
		return fmt.Errorf("priming pps read: %w", err)
	}
	seq := prime.Sequence

	if supported, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady); notifyErr != nil {
		log.Warningf("sd_notify: %v", notifyErr)
	} else if !supported {
		log.Debug("sd_notify not supported")
	}

	for {
		sample, err := r.PPS.Fetch()
		if err != nil {
			return fmt.Errorf("waiting for pps edge: %w", err)
		}
		if sample.Sequence != seq+1 {
			r.Counters.incSequenceGap()
			return fmt.Errorf("missed a pps edge: sequence jumped from %d to %d", seq, sample.Sequence)
		}
		seq = sample.Sequence

		bdt, err := r.RTC.ReadTime()
		if err != nil {
			return fmt.Errorf("reading rtc time: %w", err)
		}

		clockTime := bdt.ToTime()
		receiveTime := sample.Assert
		r.Pub.Publish(clockTime, receiveTime)
		r.Counters.incPublished()
		r.Counters.setOffset(receiveTime.Sub(clockTime))
	}
}
