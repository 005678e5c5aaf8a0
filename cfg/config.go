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

// Package cfg binds the mount-time configuration surface described in
// spec.md §6 to command-line flags via pflag/viper.
package cfg

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved mount configuration. Field order mirrors the
// sections of spec.md §6.
type Config struct {
	AppName    string `yaml:"app-name"`
	Foreground bool   `yaml:"foreground"`

	// Layers, bottom to top. A single entry means passthrough mode; the
	// top entry is always the writable layer. RootDir is used instead in
	// passthrough-only deployments that never set Layers.
	Layers  LayerList `yaml:"layers"`
	RootDir string    `yaml:"root-dir"`

	EntryTimeout time.Duration `yaml:"entry-timeout"`
	AttrTimeout  time.Duration `yaml:"attr-timeout"`
	CachePolicy  CachePolicy   `yaml:"cache-policy"`
	Writeback    bool          `yaml:"writeback"`
	Xattr        bool          `yaml:"xattr"`

	ExportFsid  uint64 `yaml:"export-fsid"`
	ExportTable bool   `yaml:"export-table"`

	InitKrun InitKrunConfig `yaml:"init-krun"`
	Dax      DaxConfig      `yaml:"dax"`

	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`

	Debug DebugConfig `yaml:"debug"`
}

// DaxConfig governs the shared-memory window C11 maps file regions into
// (§4.11). In a deployment with a real virtio-fs transport, host_shm_base
// and shm_size are negotiated with the guest; that negotiation is out of
// scope here, so ShmSizeMb instead sizes an anonymous region this process
// reserves itself for local testing and development.
type DaxConfig struct {
	Enabled   bool `yaml:"enabled"`
	ShmSizeMb int  `yaml:"shm-size-mb"`
}

// InitKrunConfig governs the synthetic init.krun entry described in spec §6.
type InitKrunConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Format    string          `yaml:"format"` // "text" or "json"
	Severity  LogSeverity     `yaml:"severity"`
	FilePath  string          `yaml:"file-path"`
	LogRotate LogRotateConfig `yaml:"log-rotate"`
}

type LogRotateConfig struct {
	MaxFileSizeMb   int  `yaml:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count"`
	Compress        bool `yaml:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`
	LogMutex                 bool `yaml:"log-mutex"`
}

// BindFlags registers every flag on flagSet and binds it into viper under
// the matching dotted key.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("app-name", "", "", "The application name of this mount.")
	if err = viper.BindPFlag("app-name", flagSet.Lookup("app-name")); err != nil {
		return err
	}

	flagSet.BoolP("foreground", "f", false, "Stay in the foreground after mounting instead of daemonizing.")
	if err = viper.BindPFlag("foreground", flagSet.Lookup("foreground")); err != nil {
		return err
	}

	flagSet.StringP("layers", "l", "", "Colon-separated list of host directories, bottom layer first, top layer writable.")
	if err = viper.BindPFlag("layers", flagSet.Lookup("layers")); err != nil {
		return err
	}

	flagSet.StringP("root-dir", "", "", "Passthrough mode: single host directory to export (mutually exclusive with --layers).")
	if err = viper.BindPFlag("root-dir", flagSet.Lookup("root-dir")); err != nil {
		return err
	}

	flagSet.DurationP("entry-timeout", "", 5*time.Second, "How long the kernel may cache directory entries.")
	if err = viper.BindPFlag("entry-timeout", flagSet.Lookup("entry-timeout")); err != nil {
		return err
	}

	flagSet.DurationP("attr-timeout", "", 5*time.Second, "How long the kernel may cache inode attributes.")
	if err = viper.BindPFlag("attr-timeout", flagSet.Lookup("attr-timeout")); err != nil {
		return err
	}

	flagSet.StringP("cache-policy", "", string(CacheAuto), "One of never, auto, always.")
	if err = viper.BindPFlag("cache-policy", flagSet.Lookup("cache-policy")); err != nil {
		return err
	}

	flagSet.BoolP("writeback", "", false, "Enable writeback caching; forces O_WRONLY->O_RDWR and strips O_APPEND at host open.")
	if err = viper.BindPFlag("writeback", flagSet.Lookup("writeback")); err != nil {
		return err
	}

	flagSet.BoolP("xattr", "", defaultXattr, "Expose extended attributes to the guest.")
	if err = viper.BindPFlag("xattr", flagSet.Lookup("xattr")); err != nil {
		return err
	}

	flagSet.Uint64P("export-fsid", "", 0, "Filesystem id used to namespace the FD-export ioctl (0 = generate one at mount time).")
	if err = viper.BindPFlag("export-fsid", flagSet.Lookup("export-fsid")); err != nil {
		return err
	}

	flagSet.BoolP("export-table", "", false, "Enable the FD-export ioctl table.")
	if err = viper.BindPFlag("export-table", flagSet.Lookup("export-table")); err != nil {
		return err
	}

	flagSet.BoolP("init-krun", "", false, "Expose the synthetic init.krun binary at the mount root.")
	if err = viper.BindPFlag("init-krun.enabled", flagSet.Lookup("init-krun")); err != nil {
		return err
	}

	flagSet.StringP("init-krun-path", "", "", "Path to the init.krun binary to embed.")
	if err = viper.BindPFlag("init-krun.path", flagSet.Lookup("init-krun-path")); err != nil {
		return err
	}

	flagSet.BoolP("dax", "", false, "Reserve a shared-memory window and enable setupmapping/removemapping.")
	if err = viper.BindPFlag("dax.enabled", flagSet.Lookup("dax")); err != nil {
		return err
	}

	flagSet.IntP("dax-shm-size-mb", "", 64, "Size in MiB of the shared-memory window reserved when --dax is set.")
	if err = viper.BindPFlag("dax.shm-size-mb", flagSet.Lookup("dax-shm-size-mb")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "One of text, json.")
	if err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", string(InfoLogSeverity), "Minimum severity to emit.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "If set, write logs here (rotated) instead of stderr.")
	if err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.BoolP("metrics", "", false, "Serve Prometheus metrics.")
	if err = viper.BindPFlag("metrics.enabled", flagSet.Lookup("metrics")); err != nil {
		return err
	}

	flagSet.StringP("metrics-addr", "", "127.0.0.1:9327", "Address to serve /metrics on.")
	if err = viper.BindPFlag("metrics.addr", flagSet.Lookup("metrics-addr")); err != nil {
		return err
	}

	flagSet.BoolP("debug-invariants", "", false, "Panic when internal invariants are violated instead of logging.")
	if err = viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug-invariants")); err != nil {
		return err
	}

	return nil
}

// defaultXattr matches spec §6: true on Linux, false on macOS.
var defaultXattr = platformDefaultXattr()
