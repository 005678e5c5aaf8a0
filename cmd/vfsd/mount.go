// Copyright 2024 The vfsd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unsafe"

	"github.com/jacobsa/daemonize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/krun-vmm/vfsd/cfg"
	"github.com/krun-vmm/vfsd/internal/dax"
	"github.com/krun-vmm/vfsd/internal/engine"
	"github.com/krun-vmm/vfsd/internal/logger"
	"github.com/krun-vmm/vfsd/internal/metrics"
)

const SuccessfulMountMessage = "vfsd: filesystem engine is serving."

// gcsfuseInBackgroundEnvVar-style sentinel marking the re-exec'd child so it
// knows to signal its own outcome back to the parent rather than fork again.
const backgroundModeEnvVar = "VFSD_IN_BACKGROUND_MODE"

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Construct the filesystem engine and serve it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		return runMount(&MountConfig)
	},
}

func runMount(c *cfg.Config) error {
	if err := cfg.ValidateConfig(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logger.InitLogFile(c.Logging); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	logger.SetLogFormat(c.Logging.Format)

	inBackground := os.Getenv(backgroundModeEnvVar) == "true"
	if !c.Foreground && !inBackground {
		return daemonizeSelf(c)
	}

	e, reg, err := buildEngine(c)
	if err != nil {
		if inBackground {
			signalOutcome(err)
		}
		return err
	}

	if c.Metrics.Enabled {
		serveMetrics(c.Metrics.Addr, reg)
		go sampleGaugesForever(e)
	}

	logger.Infof("%s layers=%v export_fsid=%d", SuccessfulMountMessage, cfg.EffectiveLayers(c), c.ExportFsid)
	if inBackground {
		signalOutcome(nil)
	} else {
		fmt.Fprintln(os.Stdout, SuccessfulMountMessage)
	}

	// The virtio-fs wire transport that would drive e's operations is
	// external to this module (spec.md §1); this process holds the engine
	// alive and observable until asked to stop.
	waitForSignal()
	e.Destroy()
	logger.Infof("vfsd: received shutdown signal, exiting.")
	return nil
}

// sampleGaugesForever periodically reports inode/handle/DAX-mapping counts
// as point-in-time gauge values, since those tables only know their live
// count on request (Len()), not as a push per insert/remove.
func sampleGaugesForever(e *engine.Engine) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		e.SampleGauges()
	}
}

// buildEngine constructs a fully wired Engine from c: the layer stack, an
// optional DAX window, an optional embedded init.krun artifact, and
// Prometheus instrumentation.
func buildEngine(c *cfg.Config) (*engine.Engine, *prometheus.Registry, error) {
	layers := cfg.EffectiveLayers(c)
	if len(layers) == 0 {
		return nil, nil, fmt.Errorf("no layers configured")
	}

	stack, err := engine.NewStack(layers)
	if err != nil {
		return nil, nil, fmt.Errorf("building layer stack: %w", err)
	}

	if c.ExportFsid == 0 {
		c.ExportFsid = cfg.GenerateExportFsid()
	}

	var daxMgr *dax.Manager
	if c.Dax.Enabled {
		daxMgr, err = reserveDaxWindow(c.Dax.ShmSizeMb)
		if err != nil {
			return nil, nil, fmt.Errorf("reserving DAX window: %w", err)
		}
	}

	var initKrunData []byte
	if c.InitKrun.Enabled {
		initKrunData, err = os.ReadFile(c.InitKrun.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("reading init-krun-path %q: %w", c.InitKrun.Path, err)
		}
	}

	reg := prometheus.NewRegistry()
	var metricHandle metrics.Handle = metrics.NewNoopHandle()
	if c.Metrics.Enabled {
		metricHandle = metrics.NewHandle(reg)
	}

	return engine.New(c, stack, metricHandle, daxMgr, initKrunData), reg, nil
}

// reserveDaxWindow mmaps an anonymous region standing in for the
// virtio-fs-negotiated shared-memory window (see cfg.DaxConfig).
func reserveDaxWindow(sizeMb int) (*dax.Manager, error) {
	size := uint64(sizeMb) * 1024 * 1024
	region, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	base := uintptr(unsafe.Pointer(&region[0]))
	return dax.NewManager(base, size, nil), nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Errorf("metrics server: %v", err)
		}
	}()
	logger.Infof("vfsd: serving metrics on %s/metrics", addr)
}

// daemonizeSelf re-execs the current binary with --foreground, inheriting
// the environment plus backgroundModeEnvVar, and waits for the child to
// signal its mount outcome, the way gcsfuse's cmd/mount.go backgrounds
// itself via the same package.
func daemonizeSelf(c *cfg.Config) error {
	path, err := os.Executable()
	if err != nil {
		return fmt.Errorf("os.Executable: %w", err)
	}

	args := append([]string{"mount", "--foreground"}, os.Args[2:]...)
	env := append(os.Environ(), backgroundModeEnvVar+"=true")

	if err := daemonize.Run(path, args, env, os.Stdout); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	fmt.Fprintln(os.Stdout, SuccessfulMountMessage)
	return nil
}

func signalOutcome(err error) {
	if err2 := daemonize.SignalOutcome(err); err2 != nil {
		logger.Errorf("failed to signal mount outcome to parent: %v", err2)
	}
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
