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
	"os/exec"
	"os/signal"

	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/steinmetz/rtcsync/bridge"
	"github.com/steinmetz/rtcsync/chronyclient"
)

const (
	defaultSocket  = "/run/chrony/chronyd.sock"
	defaultRTCTool = "/sbin/rtctool"
)

func main() {
	var (
		maxStratum    int
		maxCorrection float64
		maxSkew       float64
		sock          string
		tool          string
		daemonize     bool
		metricsPort   int
	)

	flag.IntVar(&maxStratum, "s", 0, "chrony stratum must be smaller than this value")
	flag.Float64Var(&maxCorrection, "c", 0, "chrony correction must be smaller than this value")
	flag.Float64Var(&maxSkew, "S", 0, "chrony clock skew must be smaller than this value")
	flag.StringVar(&sock, "C", defaultSocket, "chronyd control socket")
	flag.StringVar(&tool, "T", defaultRTCTool, "rtctool pathname")
	flag.BoolVar(&daemonize, "d", false, "daemonize")
	flag.IntVar(&metricsPort, "metrics-port", 0, "Prometheus metrics port (0 disables)")
	flag.Parse()

	if maxStratum <= 0 || maxStratum >= 16 {
		fmt.Fprintln(os.Stderr, "-s must be in (0,16)")
		flag.Usage()
		os.Exit(1)
	}
	if maxCorrection <= 0 || maxCorrection >= 1 {
		fmt.Fprintln(os.Stderr, "-c must be in (0,1)")
		flag.Usage()
		os.Exit(1)
	}
	if maxSkew <= 0 || maxSkew >= 1 {
		fmt.Fprintln(os.Stderr, "-S must be in (0,1)")
		flag.Usage()
		os.Exit(1)
	}

	if daemonize {
		// Daemonizing a running Go process by forking is not supported by
		// the runtime; run this command under a service manager instead.
		log.Warning("-d requested: run this command under a service manager instead of self-daemonizing")
	}

	var counters *bridge.Counters
	if metricsPort != 0 {
		counters = bridge.NewCounters()
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(counters.Registry(), promhttp.HandlerOpts{}))
			log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", metricsPort), nil))
		}()
	}

	r := &bridge.Runner{
		Thresholds: bridge.Thresholds{
			MaxStratum:    uint16(maxStratum),
			MaxCorrection: maxCorrection,
			MaxSkew:       maxSkew,
		},
		Dial: func() (bridge.Conn, error) {
			return chronyclient.Dial(sock)
		},
		Stamp: func(ctx context.Context) error {
			return exec.CommandContext(ctx, tool, "-s").Run()
		},
		Counters: counters,
	}

	ctx, cancelFunc := context.WithCancel(context.Background())

	sigStop := make(chan os.Signal, 1)
	shutdownFinish := make(chan struct{})
	signal.Notify(sigStop, unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGQUIT)

	go func() {
		<-sigStop
		log.Warning("graceful shutdown")
		cancelFunc()
		close(shutdownFinish)
	}()

	if supported, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warningf("sd_notify: %v", err)
	} else if !supported {
		log.Debug("sd_notify not supported")
	}

	if err := r.Run(ctx); err != nil && err != context.Canceled {
		log.Warningf("bridge runner exited: %v", err)
	}
	<-shutdownFinish
}
