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

// Package calib runs the closed-loop aging-offset estimator: it trims the
// RTC's aging register by binary search, using the measured length of
// PPS-to-PPS intervals as the error signal.
package calib

import (
	"fmt"
	"time"

	"github.com/eclesh/welford"

	"github.com/steinmetz/rtcsync/devio"
)

// startDelta is the first search step. Seven right-shifts bring it to
// zero (64,32,16,8,4,2,1), which is why the loop always runs seven rounds.
const startDelta = 64

const rounds = 7

// intervalTolerance bounds how far a measured PPS-to-PPS interval may
// stray from one second before a round is considered unreliable and
// aborted.
const intervalTolerance = 100 * time.Millisecond

// PPSSource yields successive PPS edges; devio.PPSLine satisfies it.
type PPSSource interface {
	Fetch() (devio.PPSSample, error)
}

// AgingSetter trims the RTC's aging offset register; *rtc.DS3231 satisfies
// it.
type AgingSetter interface {
	SetAging(value int8) error
}

// Progress reports estimator progress after each PPS edge consumed:
// how many of the total edges this run will need have been seen, and
// running mean/variance statistics over every measured interval so far.
type Progress struct {
	Current int
	Total   int
	Stats   *welford.Stats
}

// Estimate searches for the aging register value that brings the RTC's
// oscillator closest to true one-second ticks. samplesPerRound consecutive
// PPS intervals are averaged per round; onProgress, if non-nil, is called
// after every PPS edge. It always runs to convergence (delta reaching
// zero) and returns the final trim value.
func Estimate(pps PPSSource, trim AgingSetter, samplesPerRound int, onProgress func(Progress)) (int8, error) {
	if samplesPerRound < 1 {
		return 0, fmt.Errorf("samplesPerRound must be positive, got %d", samplesPerRound)
	}

	value := 0
	delta := startDelta
	current := 0
	total := rounds * (samplesPerRound + 1)
	stats := welford.New()

	report := func() {
		if onProgress != nil {
			onProgress(Progress{Current: current, Total: total, Stats: stats})
		}
	}

	for {
		if err := trim.SetAging(int8(value)); err != nil {
			return 0, fmt.Errorf("trimming aging register to %d: %w", value, err)
		}
		if delta == 0 {
			break
		}

		prev, err := pps.Fetch()
		if err != nil {
			return 0, fmt.Errorf("waiting for pps edge: %w", err)
		}
		current++
		report()

		var sum int64
		for i := 0; i < samplesPerRound; i++ {
			sample, err := pps.Fetch()
			if err != nil {
				return 0, fmt.Errorf("waiting for pps edge: %w", err)
			}
			current++
			if sample.Sequence != prev.Sequence+1 {
				return 0, fmt.Errorf("missed a pps edge: sequence jumped from %d to %d", prev.Sequence, sample.Sequence)
			}

			interval := sample.Assert.Sub(prev.Assert)
			if interval < time.Second-intervalTolerance || interval > time.Second+intervalTolerance {
				return 0, fmt.Errorf("pps interval %s outside tolerance of 1s", interval)
			}

			sum += interval.Nanoseconds()
			stats.Add(float64(interval.Nanoseconds()))
			prev = sample
			report()
		}

		if sum/int64(samplesPerRound) > time.Second.Nanoseconds() {
			value -= delta
		} else {
			value += delta
		}
		delta >>= 1
	}

	return int8(value), nil
}
