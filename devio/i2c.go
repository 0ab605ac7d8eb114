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

// Package devio wraps the Linux I2C/SMBus and kernel PPS character-device
// ABIs used to talk to a DS3231 RTC with its SQW pin wired to a PPS line.
package devio

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux include/uapi/linux/i2c-dev.h, i2c.h. These are fixed ABI numbers,
// not built with _IO* macros, so they are declared as constants directly.
const (
	i2cSlave = 0x0703
	i2cFuncs = 0x0705
	i2cSMBus = 0x0720

	i2cSMBusRead  = 1
	i2cSMBusWrite = 0

	funcSMBusReadByte      = 0x00020000
	funcSMBusReadByteData  = 0x00080000
	funcSMBusWriteByte     = 0x00040000
	funcSMBusWriteByteData = 0x00100000

	i2cSMBusI2CBlockData = 8
	i2cSMBusBlockMax     = 32
)

// i2cSMBusIoctlData mirrors struct i2c_smbus_ioctl_data.
type i2cSMBusIoctlData struct {
	ReadWrite uint8
	Command   uint8
	Size      uint32
	Data      uintptr
}

// i2cSMBusData mirrors union i2c_smbus_data, block form: block[0] holds the
// byte count, the payload follows.
type i2cSMBusData struct {
	Block [i2cSMBusBlockMax + 2]uint8
}

// I2CBus is an open, slave-bound SMBus handle.
type I2CBus struct {
	f *os.File
}

// OpenI2C opens the given bus index, probing /dev/i2c-N then /dev/i2c/N,
// checks for the SMBus functions this package relies on, and binds the
// given 7-bit slave address.
func OpenI2C(bus int, slave uint16) (*I2CBus, error) {
	if bus < 0 || bus > 256 {
		return nil, fmt.Errorf("i2c bus %d out of range", bus)
	}

	f, err := os.OpenFile(fmt.Sprintf("/dev/i2c-%d", bus), os.O_RDWR, 0)
	if err != nil {
		f, err = os.OpenFile(fmt.Sprintf("/dev/i2c/%d", bus), os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("opening i2c bus %d: %w", bus, err)
		}
	}

	var funcs uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), i2cFuncs, uintptr(unsafe.Pointer(&funcs))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("I2C_FUNCS: %w", errno)
	}
	const required = funcSMBusReadByte | funcSMBusReadByteData | funcSMBusWriteByte | funcSMBusWriteByteData
	if funcs&required != required {
		f.Close()
		return nil, fmt.Errorf("i2c bus %d missing required SMBus functions", bus)
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), i2cSlave, uintptr(slave)); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("I2C_SLAVE 0x%02x: %w", slave, errno)
	}

	return &I2CBus{f: f}, nil
}

// Close releases the underlying device file.
func (b *I2CBus) Close() error {
	return b.f.Close()
}

// ReadBlock reads n bytes (n <= 32) starting at register reg via an
// I2C_SMBUS_I2C_BLOCK_DATA transaction.
func (b *I2CBus) ReadBlock(reg uint8, n int) ([]byte, error) {
	if n <= 0 || n > i2cSMBusBlockMax {
		return nil, fmt.Errorf("invalid block length %d", n)
	}
	var data i2cSMBusData
	data.Block[0] = uint8(n)
	ctl := i2cSMBusIoctlData{
		ReadWrite: uint8(i2cSMBusRead),
		Command:   reg,
		Size:      i2cSMBusI2CBlockData,
		Data:      uintptr(unsafe.Pointer(&data)),
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, b.f.Fd(), i2cSMBus, uintptr(unsafe.Pointer(&ctl))); errno != 0 {
		return nil, fmt.Errorf("I2C_SMBUS read reg 0x%02x: %w", reg, errno)
	}
	out := make([]byte, n)
	copy(out, data.Block[1:1+n])
	return out, nil
}

// WriteBlock writes src to register reg via an I2C_SMBUS_I2C_BLOCK_DATA
// transaction.
func (b *I2CBus) WriteBlock(reg uint8, src []byte) error {
	if len(src) == 0 || len(src) > i2cSMBusBlockMax {
		return fmt.Errorf("invalid block length %d", len(src))
	}
	var data i2cSMBusData
	data.Block[0] = uint8(len(src))
	copy(data.Block[1:], src)
	ctl := i2cSMBusIoctlData{
		ReadWrite: uint8(i2cSMBusWrite),
		Command:   reg,
		Size:      i2cSMBusI2CBlockData,
		Data:      uintptr(unsafe.Pointer(&data)),
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, b.f.Fd(), i2cSMBus, uintptr(unsafe.Pointer(&ctl))); errno != 0 {
		return fmt.Errorf("I2C_SMBUS write reg 0x%02x: %w", reg, errno)
	}
	return nil
}
