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
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/steinmetz/rtcsync/devio"
	"github.com/steinmetz/rtcsync/rtc"
)

// sequentialPPS produces exactly maxFetches consecutive edges, then
// reports an error so a Run loop under test terminates on its own; a zero
// maxFetches never runs dry.
type sequentialPPS struct {
	seq        uint32
	calls      int
	maxFetches int
}

func (s *sequentialPPS) Fetch() (devio.PPSSample, error) {
	s.calls++
	if s.maxFetches > 0 && s.calls > s.maxFetches {
		return devio.PPSSample{}, fmt.Errorf("no more simulated pps edges")
	}
	s.seq++
	return devio.PPSSample{Sequence: s.seq, Assert: time.Now()}, nil
}

type fixedRTC struct {
	t rtc.BrokenDownTime
}

func (f *fixedRTC) ReadTime() (rtc.BrokenDownTime, error) { return f.t, nil }

func TestRunDiscardsPrimingEdgeBeforePublishing(t *testing.T) {
	seg := &segment{}
	pub := &Publisher{ptr: uintptr(unsafe.Pointer(seg)), seg: seg}
	pps := &sequentialPPS{maxFetches: 3}
	rtcReader := &fixedRTC{t: rtc.FromTime(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))}

	r := &Runner{PPS: pps, RTC: rtcReader, Pub: pub}

	err := r.Run()

	require.Error(t, err)
	require.EqualValues(t, 1, seg.Valid)
	// Four fetches occurred: the discarded prime, two published real
	// edges, then the simulated source ran dry.
	require.Equal(t, 4, pps.calls)
}

func TestRunStopsOnSequenceGap(t *testing.T) {
	seg := &segment{}
	pub := &Publisher{ptr: uintptr(unsafe.Pointer(seg)), seg: seg}
	pps := &gappingPPS{}
	rtcReader := &fixedRTC{t: rtc.FromTime(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))}
	counters := NewCounters()

	r := &Runner{PPS: pps, RTC: rtcReader, Pub: pub, Counters: counters}

	err := r.Run()
	require.Error(t, err)
}

// gappingPPS skips a sequence number on its second real fetch (the third
// call overall, since the first is the discarded prime).
type gappingPPS struct {
	calls int
}

func (g *gappingPPS) Fetch() (devio.PPSSample, error) {
	g.calls++
	seq := uint32(g.calls)
	if g.calls == 3 {
		seq += 5
	}
	return devio.PPSSample{Sequence: seq, Assert: time.Now()}, nil
}

func TestRunWrapsRTCReadError(t *testing.T) {
	seg := &segment{}
	pub := &Publisher{ptr: uintptr(unsafe.Pointer(seg)), seg: seg}
	pps := &sequentialPPS{}
	r := &Runner{PPS: pps, RTC: &failingRTC{}, Pub: pub}

	err := r.Run()
	require.Error(t, err)
}

type failingRTC struct{}

func (failingRTC) ReadTime() (rtc.BrokenDownTime, error) {
	return rtc.BrokenDownTime{}, fmt.Errorf("i2c bus error")
}
