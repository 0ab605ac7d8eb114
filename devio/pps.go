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

package devio

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	ioctl "github.com/vtolstov/go-ioctl"
	"golang.org/x/sys/unix"
)

// ppsMagic is the ioctl type byte ('p') used by linux/pps.h.
const ppsMagic = 'p'

// Capability/mode bits from linux/pps.h.
const (
	ppsCaptureAssert = 0x01
	ppsOffsetAssert  = 0x10
	ppsCanWait       = 0x100
	ppsTimeInvalid   = 0x0001
)

// ppsKTime mirrors struct pps_ktime.
type ppsKTime struct {
	Sec   int64
	NSec  int32
	Flags uint32
}

// ppsKParams mirrors struct pps_kparams.
type ppsKParams struct {
	APIVersion int32
	Mode       int32
	AssertOff  ppsKTime
	ClearOff   ppsKTime
}

// ppsInfo mirrors struct pps_info.
type ppsInfo struct {
	AssertSequence uint32
	ClearSequence  uint32
	AssertTu       ppsKTime
	ClearTu        ppsKTime
	CurrentMode    int32
}

// ppsFData mirrors struct pps_fdata.
type ppsFData struct {
	Info    ppsInfo
	Timeout ppsKTime
}

var (
	iocPPSGetParams = ioctl.IOR(ppsMagic, 0xa1, unsafe.Sizeof(ppsKParams{}))
	iocPPSSetParams = ioctl.IOW(ppsMagic, 0xa2, unsafe.Sizeof(ppsKParams{}))
	iocPPSGetCap    = ioctl.IOR(ppsMagic, 0xa3, unsafe.Sizeof(int32(0)))
	iocPPSFetch     = ioctl.IOWR(ppsMagic, 0xa4, unsafe.Sizeof(ppsFData{}))
)

// PPSSample is one PPS assert event: its monotonically increasing
// assert-sequence number and its CLOCK_REALTIME assert timestamp.
type PPSSample struct {
	Sequence uint32
	Assert   time.Time
}

// PPSLine is an open, capture-configured PPS source.
type PPSLine struct {
	f *os.File
}

func ppsIoctl(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}

// OpenPPS opens /dev/ppsN, verifies capture-assert and can-wait
// capabilities, enables assert capture, and zeroes the assert offset when
// the device supports it.
func OpenPPS(id int) (*PPSLine, error) {
	if id < 0 || id > 255 {
		return nil, fmt.Errorf("pps id %d out of range", id)
	}
	f, err := os.OpenFile(fmt.Sprintf("/dev/pps%d", id), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening pps%d: %w", id, err)
	}

	var caps int32
	if err := ppsIoctl(f.Fd(), iocPPSGetCap, unsafe.Pointer(&caps)); err != nil {
		f.Close()
		return nil, fmt.Errorf("PPS_GETCAP: %w", err)
	}
	if caps&ppsCaptureAssert == 0 || caps&ppsCanWait == 0 {
		f.Close()
		return nil, fmt.Errorf("pps%d lacks capture-assert/can-wait capability", id)
	}

	var parm ppsKParams
	if err := ppsIoctl(f.Fd(), iocPPSGetParams, unsafe.Pointer(&parm)); err != nil {
		f.Close()
		return nil, fmt.Errorf("PPS_GETPARAMS: %w", err)
	}
	parm.Mode |= ppsCaptureAssert
	if caps&ppsOffsetAssert != 0 {
		parm.Mode |= ppsOffsetAssert
		parm.AssertOff = ppsKTime{}
	}
	if err := ppsIoctl(f.Fd(), iocPPSSetParams, unsafe.Pointer(&parm)); err != nil {
		f.Close()
		return nil, fmt.Errorf("PPS_SETPARAMS: %w", err)
	}

	return &PPSLine{f: f}, nil
}

// Close releases the underlying device file.
func (p *PPSLine) Close() error {
	return p.f.Close()
}

// Fetch blocks for the next assert edge, with a 1.5s kernel-side timeout.
func (p *PPSLine) Fetch() (PPSSample, error) {
	data := ppsFData{
		Timeout: ppsKTime{Sec: 1, NSec: 500000000, Flags: ^uint32(ppsTimeInvalid)},
	}
	if err := ppsIoctl(p.f.Fd(), iocPPSFetch, unsafe.Pointer(&data)); err != nil {
		return PPSSample{}, fmt.Errorf("PPS_FETCH: %w", err)
	}
	return PPSSample{
		Sequence: data.Info.AssertSequence,
		Assert:   time.Unix(data.Info.AssertTu.Sec, int64(data.Info.AssertTu.NSec)),
	}, nil
}
