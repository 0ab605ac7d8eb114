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

// Package ntpshm publishes RTC-derived timestamps into the NTP SHM
// reference-clock segment that chrony's SHM driver reads.
package ntpshm

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// shmKeyBase is the NTP SHM key prefix; the unit id (0-9) is added to it.
// http://doc.ntp.org/current-stable/drivers/driver28.html
const shmKeyBase = 0x4e545030

// segmentSize is the fixed size of the struct shmTime layout shared with
// ntpd/chrony.
const segmentSize = 96

// ipcCreat mirrors IPC_CREAT from sys/ipc.h; x/sys/unix does not export it
// as a named constant.
const ipcCreat = 00001000

// segment is the struct shmTime layout from ntpd's refclock_shm.c. Field
// order and widths are part of the wire contract and must not change.
type segment struct {
	Mode                 int32
	Count                int32
	ClockTimeStampSec    int64
	ClockTimeStampUSec   int32
	ReceiveTimeStampSec  int64
	ReceiveTimeStampUSec int32
	Leap                 int32
	Precision            int32
	Nsamples             int32
	Valid                int32
	ClockTimeStampNSec   int32
	ReceiveTimeStampNSec int32
	Dummy                [8]int32
}

// Publisher owns an attached SHM segment and publishes samples into it
// using the lock-free count/valid double-handshake that ntpd's SHM
// reference-clock driver expects: readers retry if count changes or valid
// is clear across their read.
type Publisher struct {
	id  int
	ptr uintptr
	seg *segment
}

// Open creates (or attaches to an existing) SHM segment for unit id
// (0-9) and initializes its fixed fields. id must be in [0,9].
func Open(id int) (*Publisher, error) {
	if id < 0 || id > 9 {
		return nil, fmt.Errorf("ntp shm unit id %d out of range [0,9]", id)
	}

	shmid, _, errno := unix.Syscall(unix.SYS_SHMGET, uintptr(shmKeyBase+id), uintptr(segmentSize), uintptr(ipcCreat|0660))
	if errno != 0 {
		return nil, fmt.Errorf("shmget: %s", unix.ErrnoName(errno))
	}

	ptr, _, errno := unix.Syscall(unix.SYS_SHMAT, shmid, 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("shmat: %s", unix.ErrnoName(errno))
	}

	seg := segmentAt(ptr)
	*seg = segment{Mode: 1, Precision: -20, Nsamples: 3}

	return &Publisher{id: id, ptr: ptr, seg: seg}, nil
}

func segmentAt(ptr uintptr) *segment {
	return (*segment)(unsafe.Pointer(ptr))
}

// Publish writes one sample: clockTime is the RTC-derived reference
// timestamp (the PPS-aligned instant the RTC register rolled over) and
// receiveTime is the local host timestamp at which that instant was
// observed. It frames the write with the count/valid double-handshake
// readers use to detect a torn read, ordered with atomic stores in place
// of the underlying implementation's explicit full memory fences.
func (p *Publisher) Publish(clockTime, receiveTime time.Time) {
	count := atomic.LoadInt32(&p.seg.Count)
	atomic.StoreInt32(&p.seg.Count, count+1)
	atomic.StoreInt32(&p.seg.Valid, 0)

	p.seg.ClockTimeStampSec = clockTime.Unix()
	p.seg.ClockTimeStampNSec = int32(clockTime.Nanosecond())
	p.seg.ClockTimeStampUSec = int32(clockTime.Nanosecond() / 1000)
	p.seg.ReceiveTimeStampSec = receiveTime.Unix()
	p.seg.ReceiveTimeStampNSec = int32(receiveTime.Nanosecond())
	p.seg.ReceiveTimeStampUSec = int32(receiveTime.Nanosecond() / 1000)

	atomic.StoreInt32(&p.seg.Count, count+2)
	atomic.StoreInt32(&p.seg.Valid, 1)
}

// Invalidate marks the segment unusable to readers; call before detaching.
func (p *Publisher) Invalidate() {
	atomic.StoreInt32(&p.seg.Valid, 0)
}

// Close detaches the segment.
func (p *Publisher) Close() error {
	p.Invalidate()
	_, _, errno := unix.Syscall(unix.SYS_SHMDT, p.ptr, 0, 0)
	if errno != 0 {
		return fmt.Errorf("shmdt: %s", unix.ErrnoName(errno))
	}
	return nil
}
