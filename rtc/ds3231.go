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

// Package rtc implements the DS3231 register map: BCD date/time I/O,
// SQW/PPS control, the aging-offset busy-handshake, and temperature read.
package rtc

import (
	"fmt"
	"time"
)

// Address is the DS3231's fixed 7-bit I2C slave address.
const Address = 0x68

// Register offsets in the DS3231 map.
const (
	regSeconds = 0x00
	regControl = 0x0e
	regStatus  = 0x0f
	regAging   = 0x10
	regTemp    = 0x11
)

// Control register bits.
const (
	ctrlConv  = 0x20 // force a temperature conversion
	ctrlINTCN = 0x04
)

// Status register bits.
const statusBSY = 0x04

// busyPollInterval is the wait between polls of the CONV/BSY bits.
const busyPollInterval = time.Millisecond

// Register is the minimal block-transfer surface DS3231 needs from a
// transport; devio.I2CBus satisfies it directly.
type Register interface {
	ReadBlock(reg uint8, n int) ([]byte, error)
	WriteBlock(reg uint8, src []byte) error
}

// BrokenDownTime is the calendar representation the DS3231 stores, as
// BCD-encoded fields plus a century bit that must be clear.
type BrokenDownTime struct {
	Year    int // years since 1900
	Month   int // 0..11
	Day     int // 1..31
	Hour    int // 0..23
	Minute  int // 0..59
	Second  int // 0..59
	Weekday int // 0..6
}

// ToTime converts to a UTC time.Time.
func (b BrokenDownTime) ToTime() time.Time {
	return time.Date(b.Year+1900, time.Month(b.Month+1), b.Day, b.Hour, b.Minute, b.Second, 0, time.UTC)
}

// FromTime converts a UTC time.Time to a BrokenDownTime.
func FromTime(t time.Time) BrokenDownTime {
	t = t.UTC()
	return BrokenDownTime{
		Year:    t.Year() - 1900,
		Month:   int(t.Month()) - 1,
		Day:     t.Day(),
		Hour:    t.Hour(),
		Minute:  t.Minute(),
		Second:  t.Second(),
		Weekday: int(t.Weekday()),
	}
}

// DS3231 is a register-level handle to the RTC.
type DS3231 struct {
	reg Register
}

// New wraps an already-bound I2C register transport.
func New(reg Register) *DS3231 {
	return &DS3231{reg: reg}
}

// ReadTime reads the seven date/time registers. Fails if the 12-hour mode
// bit or the century bit is set.
func (d *DS3231) ReadTime() (BrokenDownTime, error) {
	raw, err := d.reg.ReadBlock(regSeconds, 7)
	if err != nil {
		return BrokenDownTime{}, fmt.Errorf("reading rtc time: %w", err)
	}
	if raw[2]&0x40 != 0 {
		return BrokenDownTime{}, fmt.Errorf("rtc is in 12-hour mode, unsupported")
	}
	if raw[5]&0x80 != 0 {
		return BrokenDownTime{}, fmt.Errorf("rtc century bit is set, date invalid")
	}
	return BrokenDownTime{
		Second:  bcdDecode(raw[0]),
		Minute:  bcdDecode(raw[1]),
		Hour:    bcdDecode(raw[2]),
		Weekday: int(raw[3]) - 1,
		Day:     bcdDecode(raw[4]),
		Month:   bcdDecode(raw[5]&0x7f) - 1,
		Year:    bcdDecode(raw[6]) + 100,
	}, nil
}

// WriteTime writes the broken-down time. Minute must be <=59 and Year
// (since 1900) must put the calendar year in [2000, 2099].
func (d *DS3231) WriteTime(b BrokenDownTime) error {
	if b.Minute > 59 || b.Year < 100 || b.Year > 199 {
		return fmt.Errorf("time %+v out of representable range", b)
	}
	raw := []byte{
		bcdEncode(b.Second),
		bcdEncode(b.Minute),
		bcdEncode(b.Hour),
		uint8(b.Weekday + 1),
		bcdEncode(b.Day),
		bcdEncode(b.Month + 1),
		bcdEncode(b.Year - 100),
	}
	if err := d.reg.WriteBlock(regSeconds, raw); err != nil {
		return fmt.Errorf("writing rtc time: %w", err)
	}
	return nil
}

// SetPPS enables or disables the SQW/PPS output. Disabling writes 0x1c,
// which sets INTCN (so QueryPPS reports the output disabled) along with the
// two rate-select bits; enabling clears the whole control word, leaving the
// oscillator on, INTCN clear, and rate-select at 1Hz.
func (d *DS3231) SetPPS(enable bool) error {
	var val uint8
	if !enable {
		val = 0x1c
	}
	if err := d.reg.WriteBlock(regControl, []byte{val}); err != nil {
		return fmt.Errorf("writing rtc pps control: %w", err)
	}
	return nil
}

// QueryPPS reports whether the SQW/PPS output is currently enabled.
func (d *DS3231) QueryPPS() (bool, error) {
	raw, err := d.reg.ReadBlock(regControl, 1)
	if err != nil {
		return false, fmt.Errorf("reading rtc pps control: %w", err)
	}
	return raw[0]&ctrlINTCN == 0, nil
}

// GetAging reads the signed 8-bit aging offset register.
func (d *DS3231) GetAging() (int8, error) {
	raw, err := d.reg.ReadBlock(regAging, 1)
	if err != nil {
		return 0, fmt.Errorf("reading rtc aging register: %w", err)
	}
	return int8(raw[0]), nil
}

// SetAging writes the aging offset register, honoring the busy-handshake:
// wait for any in-progress conversion to clear, wait for BSY to clear,
// write the value, force a new conversion so the trim takes effect, and
// require BSY to have asserted in response (retrying the whole sequence if
// not); finally wait for the forced conversion to clear before returning.
func (d *DS3231) SetAging(value int8) error {
	for {
		if err := d.waitControlConvClear(); err != nil {
			return err
		}
		if err := d.waitStatusBusyClear(); err != nil {
			return err
		}

		if err := d.reg.WriteBlock(regAging, []byte{uint8(value)}); err != nil {
			return fmt.Errorf("writing rtc aging register: %w", err)
		}

		ctrl, err := d.reg.ReadBlock(regControl, 1)
		if err != nil {
			return fmt.Errorf("reading rtc control register: %w", err)
		}
		ctrl[0] |= ctrlConv
		if err := d.reg.WriteBlock(regControl, ctrl); err != nil {
			return fmt.Errorf("forcing rtc temperature conversion: %w", err)
		}

		status, err := d.reg.ReadBlock(regStatus, 1)
		if err != nil {
			return fmt.Errorf("reading rtc status register: %w", err)
		}
		if status[0]&statusBSY != 0 {
			break
		}
		time.Sleep(busyPollInterval)
	}

	return d.waitControlConvClear()
}

func (d *DS3231) waitControlConvClear() error {
	for {
		ctrl, err := d.reg.ReadBlock(regControl, 1)
		if err != nil {
			return fmt.Errorf("reading rtc control register: %w", err)
		}
		if ctrl[0]&ctrlConv == 0 {
			return nil
		}
		time.Sleep(busyPollInterval)
	}
}

func (d *DS3231) waitStatusBusyClear() error {
	for {
		status, err := d.reg.ReadBlock(regStatus, 1)
		if err != nil {
			return fmt.Errorf("reading rtc status register: %w", err)
		}
		if status[0]&statusBSY == 0 {
			return nil
		}
		time.Sleep(busyPollInterval)
	}
}

// GetTemperatureCenti reads the chip temperature in centi-degrees Celsius.
func (d *DS3231) GetTemperatureCenti() (int, error) {
	raw, err := d.reg.ReadBlock(regTemp, 2)
	if err != nil {
		return 0, fmt.Errorf("reading rtc temperature: %w", err)
	}
	value := int(int8(raw[0])) * 100
	frac := 0
	switch raw[1] & 0xc0 {
	case 0x40:
		frac = 25
	case 0x80:
		frac = 50
	case 0xc0:
		frac = 75
	}
	if value < 0 {
		value -= frac
	} else {
		value += frac
	}
	return value, nil
}
