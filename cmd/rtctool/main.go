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

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/steinmetz/rtcsync/calib"
	"github.com/steinmetz/rtcsync/devio"
	"github.com/steinmetz/rtcsync/ntpshm"
	"github.com/steinmetz/rtcsync/rtc"
	"github.com/steinmetz/rtcsync/timexfer"
)

var (
	okString   = color.GreenString("[OK]")
	failString = color.RedString("[FAIL]")
)

func diag(format string, args ...interface{}) {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		fmt.Fprintln(os.Stderr, failString, fmt.Sprintf(format, args...))
		return
	}
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

func success(format string, args ...interface{}) {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(os.Stdout, okString, fmt.Sprintf(format, args...))
		return
	}
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

func main() {
	var (
		queryTime   bool
		sysToHC     bool
		hcToSys     bool
		getAging    bool
		setAging    int
		setAgingSet bool
		queryPPS    bool
		setPPS      int
		setPPSSet   bool
		estimate    bool
		temperature bool
		shmDaemon   bool
		i2cBus      int
		ppsID       int
		shmID       int
		background  bool
		metricsPort int
	)

	flag.BoolVar(&queryTime, "t", false, "Query the RTC's current time")
	flag.BoolVar(&sysToHC, "s", false, "Set the RTC from the system clock")
	flag.BoolVar(&hcToSys, "r", false, "Set the system clock from the RTC")
	flag.BoolVar(&getAging, "a", false, "Query the RTC aging offset register")
	flag.Func("A", "Set the RTC aging offset register to the given value (-127..127)", func(v string) error {
		var val int
		if _, err := fmt.Sscanf(v, "%d", &val); err != nil {
			return err
		}
		if val < -127 || val > 127 {
			return fmt.Errorf("aging value %d out of range [-127,127]", val)
		}
		setAging = val
		setAgingSet = true
		return nil
	})
	flag.BoolVar(&queryPPS, "p", false, "Query whether SQW/PPS output is enabled")
	flag.Func("P", "Enable (1) or disable (0) SQW/PPS output", func(v string) error {
		var val int
		if _, err := fmt.Sscanf(v, "%d", &val); err != nil {
			return err
		}
		if val != 0 && val != 1 {
			return fmt.Errorf("pps value must be 0 or 1")
		}
		setPPS = val
		setPPSSet = true
		return nil
	})
	flag.BoolVar(&estimate, "e", false, "Estimate an aging offset by binary search against the PPS reference")
	flag.BoolVar(&temperature, "T", false, "Query the RTC's temperature sensor")
	flag.BoolVar(&shmDaemon, "d", false, "Run the NTP SHM publisher daemon")
	flag.IntVar(&i2cBus, "i", 1, "I2C bus number")
	flag.IntVar(&ppsID, "c", 0, "PPS device id (/dev/ppsN)")
	flag.IntVar(&shmID, "n", 2, "NTP SHM unit id (0-9)")
	flag.BoolVar(&background, "b", false, "Daemonize (-d only)")
	flag.IntVar(&metricsPort, "metrics-port", 0, "Prometheus metrics port for -d (0 disables)")
	flag.Parse()

	ops := 0
	for _, set := range []bool{queryTime, sysToHC, hcToSys, getAging, setAgingSet, queryPPS, setPPSSet, estimate, temperature, shmDaemon} {
		if set {
			ops++
		}
	}
	if ops != 1 {
		flag.Usage()
		os.Exit(1)
	}
	if background && !shmDaemon {
		diag("-b is only valid with -d")
		os.Exit(1)
	}

	if err := run(runArgs{
		queryTime: queryTime, sysToHC: sysToHC, hcToSys: hcToSys,
		getAging: getAging, setAgingSet: setAgingSet, setAging: setAging,
		queryPPS: queryPPS, setPPSSet: setPPSSet, setPPS: setPPS,
		estimate: estimate, temperature: temperature, shmDaemon: shmDaemon,
		i2cBus: i2cBus, ppsID: ppsID, shmID: shmID, background: background,
		metricsPort: metricsPort,
	}); err != nil {
		diag("%v", err)
		os.Exit(1)
	}
}

type runArgs struct {
	queryTime, sysToHC, hcToSys       bool
	getAging, setAgingSet             bool
	setAging                          int
	queryPPS, setPPSSet               bool
	setPPS                            int
	estimate, temperature, shmDaemon  bool
	i2cBus, ppsID, shmID              int
	background                        bool
	metricsPort                       int
}

func run(a runArgs) error {
	switch {
	case a.queryTime:
		return doQueryTime(a.i2cBus)
	case a.sysToHC:
		return doSysToHC(a.i2cBus)
	case a.hcToSys:
		return doHCToSys(a.i2cBus, a.ppsID)
	case a.getAging:
		return doGetAging(a.i2cBus)
	case a.setAgingSet:
		return doSetAging(a.i2cBus, int8(a.setAging))
	case a.queryPPS:
		return doQueryPPS(a.i2cBus)
	case a.setPPSSet:
		return doSetPPS(a.i2cBus, a.setPPS == 1)
	case a.estimate:
		return doEstimate(a.i2cBus, a.ppsID)
	case a.temperature:
		return doTemperature(a.i2cBus)
	case a.shmDaemon:
		return doShmDaemon(a.i2cBus, a.ppsID, a.shmID, a.background, a.metricsPort)
	}
	return fmt.Errorf("no operation selected")
}

func openRTC(bus int) (*devio.I2CBus, *rtc.DS3231, error) {
	i2c, err := devio.OpenI2C(bus, rtc.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("can't access DS3231 device: %w", err)
	}
	return i2c, rtc.New(i2c), nil
}

func doQueryTime(bus int) error {
	i2c, d, err := openRTC(bus)
	if err != nil {
		return err
	}
	defer i2c.Close()

	t, err := d.ReadTime()
	if err != nil {
		return fmt.Errorf("can't read DS3231 time: %w", err)
	}
	success("%s", t.ToTime().Format("Mon 2006-01-02 15:04:05"))
	return nil
}

func doSysToHC(bus int) error {
	i2c, d, err := openRTC(bus)
	if err != nil {
		return err
	}
	defer i2c.Close()

	if err := timexfer.SysToHC(d); err != nil {
		return fmt.Errorf("can't set DS3231 time from system time: %w", err)
	}
	success("rtc set from system time")
	return nil
}

func doHCToSys(bus, ppsID int) error {
	i2c, d, err := openRTC(bus)
	if err != nil {
		return err
	}
	defer i2c.Close()

	pps, err := devio.OpenPPS(ppsID)
	if err == nil {
		err = timexfer.HCToSysPPS(pps, d)
		pps.Close()
		if err == nil {
			success("system time set from rtc via pps")
			return nil
		}
	}

	diag("Warning: Using PPS for precise transfer failed, guessing now...")
	if err := timexfer.HCToSysGuessed(context.Background(), d); err != nil {
		return fmt.Errorf("can't set system time from DS3231 time: %w", err)
	}
	success("system time set from rtc (guessed)")
	return nil
}

func doGetAging(bus int) error {
	i2c, d, err := openRTC(bus)
	if err != nil {
		return err
	}
	defer i2c.Close()

	val, err := d.GetAging()
	if err != nil {
		return fmt.Errorf("can't read DS3231 ageing value: %w", err)
	}
	success("Ageing value: %d", val)
	return nil
}

func doSetAging(bus int, value int8) error {
	i2c, d, err := openRTC(bus)
	if err != nil {
		return err
	}
	defer i2c.Close()

	if err := d.SetAging(value); err != nil {
		return fmt.Errorf("can't write DS3231 ageing value: %w", err)
	}
	success("ageing value set to %d", value)
	return nil
}

func doQueryPPS(bus int) error {
	i2c, d, err := openRTC(bus)
	if err != nil {
		return err
	}
	defer i2c.Close()

	enabled, err := d.QueryPPS()
	if err != nil {
		return fmt.Errorf("can't read DS3231 SQW status: %w", err)
	}
	if enabled {
		success("PPS output on SQW pin enabled.")
	} else {
		success("PPS output on SQW pin disabled.")
	}
	return nil
}

func doSetPPS(bus int, enable bool) error {
	i2c, d, err := openRTC(bus)
	if err != nil {
		return err
	}
	defer i2c.Close()

	if err := d.SetPPS(enable); err != nil {
		return fmt.Errorf("can't write DS3231 SQW config: %w", err)
	}
	success("pps output %s", map[bool]string{true: "enabled", false: "disabled"}[enable])
	return nil
}

// estimateSamplesPerRound matches the original tool's fixed sample count
// per binary-search round.
const estimateSamplesPerRound = 256

func doEstimate(bus, ppsID int) error {
	i2c, d, err := openRTC(bus)
	if err != nil {
		return err
	}
	defer i2c.Close()

	pps, err := devio.OpenPPS(ppsID)
	if err != nil {
		return fmt.Errorf("can't access /dev/pps%d: %w", ppsID, err)
	}
	defer pps.Close()

	val, err := calib.Estimate(pps, d, estimateSamplesPerRound, func(p calib.Progress) {
		if term.IsTerminal(int(os.Stderr.Fd())) {
			fmt.Fprintf(os.Stderr, "[1000D%d/%d samples, mean %.1fns stddev %.1fns",
				p.Current, p.Total, p.Stats.Mean(), p.Stats.Stddev())
		}
	})
	if err != nil {
		return fmt.Errorf("DS3231 ageing estimation failed: %w", err)
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		fmt.Fprintln(os.Stderr)
	}
	success("Estimated ageing value: %d", val)
	return nil
}

func doTemperature(bus int) error {
	i2c, d, err := openRTC(bus)
	if err != nil {
		return err
	}
	defer i2c.Close()

	centi, err := d.GetTemperatureCenti()
	if err != nil {
		return fmt.Errorf("can't read DS3231 temperature: %w", err)
	}
	sign := ""
	abs := centi
	if abs < 0 {
		sign = "-"
		abs = -abs
	}
	success("Temperature: %s%d.%02d°C", sign, abs/100, abs%100)
	return nil
}

const shmPrivilegeGroup = "_chrony"

func doShmDaemon(bus, ppsID, shmID int, background bool, metricsPort int) error {
	pub, err := ntpshm.Open(shmID)
	if err != nil {
		return fmt.Errorf("failed to start SHM master clock daemon: %w", err)
	}

	pps, err := devio.OpenPPS(ppsID)
	if err != nil {
		pub.Close()
		return fmt.Errorf("failed to start SHM master clock daemon: %w", err)
	}

	i2c, d, err := openRTC(bus)
	if err != nil {
		pps.Close()
		pub.Close()
		return fmt.Errorf("failed to start SHM master clock daemon: %w", err)
	}

	if err := ntpshm.DropPrivileges(shmPrivilegeGroup); err != nil {
		log.Warningf("dropping privileges to group %s: %v", shmPrivilegeGroup, err)
	}

	var counters *ntpshm.Counters
	if metricsPort != 0 {
		counters = ntpshm.NewCounters()
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(counters.Registry(), promhttp.HandlerOpts{}))
			log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", metricsPort), nil))
		}()
	}

	if background {
		// Daemonizing a running Go process by forking is not supported by
		// the runtime; the caller is expected to background this process
		// with its service manager instead (e.g. systemd Type=notify).
		log.Warning("-b requested: run this command under a service manager instead of self-daemonizing")
	}

	runner := &ntpshm.Runner{PPS: pps, RTC: d, Pub: pub, Counters: counters}
	defer i2c.Close()
	defer pps.Close()
	defer pub.Close()

	if err := runner.Run(); err != nil {
		return fmt.Errorf("failed to start SHM master clock daemon: %w", err)
	}
	return nil
}
