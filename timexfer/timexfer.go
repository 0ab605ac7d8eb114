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

// Package timexfer moves time across the system/RTC boundary in both
// directions, aligned to the PPS edge where one is available.
package timexfer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/steinmetz/rtcsync/devio"
	"github.com/steinmetz/rtcsync/rtc"
)

// guessedPollInterval is how often HCToSysGuessed re-reads the RTC seconds
// register while waiting for it to roll over.
const guessedPollInterval = 50 * time.Millisecond

// SysToHC stamps the RTC from the system clock. It schedules the write for
// half a millisecond before the upcoming whole second and writes that
// second, so the value that lands in the RTC's
// registers is accurate to within the I2C transaction latency, temporarily
// disabling the chip's PPS output (if enabled) across the write and
// restoring it afterward.
func SysToHC(d *rtc.DS3231) error {
	ppsWasOn, err := d.QueryPPS()
	if err != nil {
		return fmt.Errorf("querying rtc pps state: %w", err)
	}

	var now unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &now); err != nil {
		return fmt.Errorf("reading system clock: %w", err)
	}

	next := sysToHCDeadline(now)
	target := time.Unix(next.Sec+1, 0).UTC()
	datim := rtc.FromTime(target)

	if err := unix.ClockNanosleep(unix.CLOCK_REALTIME, unix.TIMER_ABSTIME, &next, nil); err != nil {
		return fmt.Errorf("sleeping to write deadline: %w", err)
	}

	if ppsWasOn {
		if err := d.SetPPS(false); err != nil {
			return fmt.Errorf("disabling rtc pps for write: %w", err)
		}
	}

	var after unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &after); err != nil {
		restorePPS(d, ppsWasOn)
		return fmt.Errorf("reading system clock after wake: %w", err)
	}
	if after.Sec != next.Sec+1 || next.Nsec < 999000000 {
		restorePPS(d, ppsWasOn)
		return fmt.Errorf("missed write deadline: woke at %d, expected %d", after.Sec, next.Sec+1)
	}

	if err := d.WriteTime(datim); err != nil {
		restorePPS(d, ppsWasOn)
		return fmt.Errorf("writing rtc time: %w", err)
	}

	if ppsWasOn {
		if err := d.SetPPS(true); err != nil {
			return fmt.Errorf("re-enabling rtc pps after write: %w", err)
		}
	}
	return nil
}

func restorePPS(d *rtc.DS3231, wasOn bool) {
	if wasOn {
		_ = d.SetPPS(true)
	}
}

// sysToHCDeadline computes the wake time for a SysToHC write, 999.5ms into
// the current second (or the next one once 900ms have passed), given the
// current system clock reading.
func sysToHCDeadline(now unix.Timespec) unix.Timespec {
	next := unix.Timespec{Sec: now.Sec, Nsec: 999500000}
	if now.Nsec >= 900000000 {
		next.Sec++
	}
	return next
}

// ppsWakeDeadline computes the wake time 999.5ms after a PPS assert
// timestamp, carrying into the next second if it overflows.
func ppsWakeDeadline(assert time.Time) unix.Timespec {
	wake := unix.Timespec{Sec: assert.Unix(), Nsec: int64(assert.Nanosecond()) + 999500000}
	if wake.Nsec >= 1000000000 {
		wake.Nsec -= 1000000000
		wake.Sec++
	}
	return wake
}

// HCToSysPPS stamps the system clock from the RTC, aligned to a PPS edge:
// it waits for the next pulse, reads the RTC's current second, and sets the
// system clock to that value plus one second at the moment the following
// pulse is due.
func HCToSysPPS(pps *devio.PPSLine, d *rtc.DS3231) error {
	sample, err := pps.Fetch()
	if err != nil {
		return fmt.Errorf("waiting for pps edge: %w", err)
	}
	datim, err := d.ReadTime()
	if err != nil {
		return fmt.Errorf("reading rtc time: %w", err)
	}

	next := unix.Timespec{Sec: datim.ToTime().Unix() + 1, Nsec: 0}
	wake := ppsWakeDeadline(sample.Assert)

	if err := unix.ClockNanosleep(unix.CLOCK_REALTIME, unix.TIMER_ABSTIME, &wake, nil); err != nil {
		return fmt.Errorf("sleeping to settle deadline: %w", err)
	}
	if err := unix.ClockSettime(unix.CLOCK_REALTIME, &next); err != nil {
		return fmt.Errorf("setting system clock: %w", err)
	}
	return nil
}

// HCToSysGuessed stamps the system clock from the RTC without a PPS
// reference: it polls the RTC's seconds field until it rolls over, then
// sets the system clock to the new value at nanosecond zero. The deadline
// is governed by ctx; passing context.Background() makes the wait
// unbounded, matching the chip's one-second register resolution.
func HCToSysGuessed(ctx context.Context, d *rtc.DS3231) error {
	var prior time.Time
	have := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		datim, err := d.ReadTime()
		if err != nil {
			return fmt.Errorf("reading rtc time: %w", err)
		}
		t := datim.ToTime()
		if !have {
			prior = t
			have = true
		} else if !t.Equal(prior) {
			next := unix.Timespec{Sec: t.Unix(), Nsec: 0}
			if err := unix.ClockSettime(unix.CLOCK_REALTIME, &next); err != nil {
				return fmt.Errorf("setting system clock: %w", err)
			}
			return nil
		}

		timer := unix.Timespec{Nsec: int64(guessedPollInterval.Nanoseconds())}
		if err := unix.ClockNanosleep(unix.CLOCK_REALTIME, 0, &timer, nil); err != nil {
			return fmt.Errorf("sleeping between rtc polls: %w", err)
		}
	}
}
