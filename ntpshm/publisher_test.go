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
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestOpenRejectsOutOfRangeID(t *testing.T) {
	_, err := Open(-1)
	require.Error(t, err)
	_, err = Open(10)
	require.Error(t, err)
}

// backedPublisher points a Publisher at a locally allocated buffer instead
// of a real attached SHM segment, so the handshake framing can be checked
// without touching the kernel.
func backedPublisher() (*Publisher, *segment) {
	seg := &segment{Mode: 1, Precision: -20, Nsamples: 3}
	return &Publisher{id: 0, ptr: uintptr(unsafe.Pointer(seg)), seg: seg}, seg
}

func TestPublishLeavesSegmentValidWithMatchingCount(t *testing.T) {
	pub, seg := backedPublisher()

	clockTime := time.Date(2024, 3, 15, 12, 0, 0, 500_000_000, time.UTC)
	receiveTime := clockTime.Add(1500 * time.Microsecond)
	pub.Publish(clockTime, receiveTime)

	require.EqualValues(t, 1, seg.Valid)
	require.EqualValues(t, 2, seg.Count)
	require.Equal(t, clockTime.Unix(), seg.ClockTimeStampSec)
	require.EqualValues(t, 500_000_000, seg.ClockTimeStampNSec)
	require.EqualValues(t, 500_000, seg.ClockTimeStampUSec)
	require.Equal(t, receiveTime.Unix(), seg.ReceiveTimeStampSec)
}

func TestPublishAdvancesCountByTwoPerCall(t *testing.T) {
	pub, seg := backedPublisher()

	pub.Publish(time.Now(), time.Now())
	first := seg.Count
	pub.Publish(time.Now(), time.Now())
	require.Equal(t, first+2, seg.Count)
}

func TestInvalidateClearsValid(t *testing.T) {
	pub, seg := backedPublisher()
	pub.Publish(time.Now(), time.Now())
	pub.Invalidate()
	require.EqualValues(t, 0, seg.Valid)
}
