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

package timexfer

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/require"

	"github.com/steinmetz/rtcsync/rtc"
)

func TestSysToHCDeadlineRoundsUpNearBoundary(t *testing.T) {
	got := sysToHCDeadline(unix.Timespec{Sec: 100, Nsec: 950000000})
	require.Equal(t, unix.Timespec{Sec: 101, Nsec: 999500000}, got)
}

func TestSysToHCDeadlineHoldsSecondEarlyInWindow(t *testing.T) {
	got := sysToHCDeadline(unix.Timespec{Sec: 100, Nsec: 100000000})
	require.Equal(t, unix.Timespec{Sec: 100, Nsec: 999500000}, got)
}

func TestPPSWakeDeadlineCarries(t *testing.T) {
	got := ppsWakeDeadline(time.Unix(100, 900000000))
	require.Equal(t, unix.Timespec{Sec: 101, Nsec: 899500000}, got)
}

func TestPPSWakeDeadlineNoCarry(t *testing.T) {
	got := ppsWakeDeadline(time.Unix(100, 0))
	require.Equal(t, unix.Timespec{Sec: 100, Nsec: 999500000}, got)
}

// guessedFakeRegister reports the base time on its first two reads of the
// time registers and one second later from then on, simulating the chip
// ticking under HCToSysGuessed's poll loop.
type guessedFakeRegister struct {
	base  rtc.BrokenDownTime
	reads int
}

func (g *guessedFakeRegister) ReadBlock(reg uint8, n int) ([]byte, error) {
	if reg != 0x00 {
		return make([]byte, n), nil
	}
	t := g.base.ToTime()
	if g.reads >= 2 {
		t = t.Add(time.Second)
	}
	g.reads++
	b := rtc.FromTime(t)
	return []byte{
		byte(b.Second%10) | byte(b.Second/10)<<4,
		byte(b.Minute%10) | byte(b.Minute/10)<<4,
		byte(b.Hour%10) | byte(b.Hour/10)<<4,
		byte(b.Weekday + 1),
		byte(b.Day%10) | byte(b.Day/10)<<4,
		byte((b.Month+1)%10) | byte((b.Month+1)/10)<<4,
		byte((b.Year-100)%10) | byte((b.Year-100)/10)<<4,
	}, nil
}

func (g *guessedFakeRegister) WriteBlock(reg uint8, src []byte) error { return nil }

func TestHCToSysGuessedHonorsContextCancellation(t *testing.T) {
	reg := &guessedFakeRegister{base: rtc.FromTime(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))}
	d := rtc.New(reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := HCToSysGuessed(ctx, d)
	require.ErrorIs(t, err, context.Canceled)
}
