package main

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

type ManagerConfig struct {

	// –––––––––––––––––––––––––––––––––––  Launcher ––––––––––––––––––––––––––––––––––––––––––

	// Cores to spawn clients on: "1,2-4,6", "all" or "none".
	Cores string `yaml:"cores"`
	// Broker TCP port.
	Port int `yaml:"port"`
	// Remote broker address (optional).
	Remote string `yaml:"remote,omitempty"`
	// Run a single fuzzer in this process, without broker.
	Single bool `yaml:"single"`
	// Where client stdout goes.
	StdoutFile string `yaml:"stdout_file"`
	// Prometheus endpoint of the broker (optional), e.g. "127.0.0.1:9100".
	MetricsAddr     string `yaml:"metrics_addr,omitempty"`
	PrintIntervalMs int    `yaml:"print_interval_ms"`

	// ––––––––––––––––––––––––––––––––––––– Fuzzer –––––––––––––––––––––––––––––––––––––––––––

	// Initial corpus directories.
	Input []string `yaml:"input,omitempty"`
	// Solutions go to <output>/crashes, stats to <output>/fuzzer_stats.json.
	Output    string `yaml:"output"`
	TimeoutMs int    `yaml:"timeout_ms"`
	// Number of generated initial inputs and their max length.
	InitialInputs int `yaml:"initial_inputs"`
	MaxInputSize  int `yaml:"max_input_size"`

	// ––––––––––––––––––––––––––––––––––––– Target –––––––––––––––––––––––––––––––––––––––––––

	// Forkserver target binary. The built-in marker harness is fuzzed
	// in-process if empty.
	Target string `yaml:"target,omitempty"`
	// Target arguments, "@@" is replaced by the input file.
	TargetArgs []string `yaml:"target_args,omitempty"`
	// Target exit codes that count as crashes.
	CrashExitCodes []int `yaml:"crash_exit_codes,omitempty"`
	MapSize        int   `yaml:"map_size"`

	Debug bool `yaml:"debug"`
}

type managerFlags struct {
	config  *string
	cores   *string
	port    *int
	remote  *string
	input   *string
	output  *string
	timeout *int
	target  *string
	single  *bool
	debug   *bool
}

func registerFlags(fs *flag.FlagSet) *managerFlags {
	return &managerFlags{
		config:  fs.String("config", "", "config file (yaml)"),
		cores:   fs.String("cores", "none", "cores to run clients on, e.g. 1,2-4,6, all or none"),
		port:    fs.Int("port", 1337, "broker TCP port"),
		remote:  fs.String("remote", "", "remote broker address"),
		input:   fs.String("input", "", "comma separated initial corpus directories"),
		output:  fs.String("output", "./out", "output directory"),
		timeout: fs.Int("timeout", 10000, "execution timeout in milliseconds"),
		target:  fs.String("target", "", "forkserver target binary, its arguments follow the flags"),
		single:  fs.Bool("single", false, "fuzz in this process without broker"),
		debug:   fs.Bool("debug", false, "debug mode"),
	}
}

func defaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		Cores:           "none",
		Port:            1337,
		StdoutFile:      "/dev/null",
		PrintIntervalMs: 5000,
		Output:          "./out",
		TimeoutMs:       10000,
		InitialInputs:   8,
		MaxInputSize:    10240,
		MapSize:         1 << 16,
	}
}

// loadConfig applies the config file, then the flags given on the command
// line, over the defaults.
func loadConfig(fs *flag.FlagSet, flags *managerFlags) (*ManagerConfig, error) {
	cfg := defaultManagerConfig()
	if *flags.config != "" {
		data, err := os.ReadFile(*flags.config)
		if err != nil {
			return nil, errors.Wrap(err, "cannot read config file")
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, errors.Wrap(err, "cannot parse config file")
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "cores":
			cfg.Cores = *flags.cores
		case "port":
			cfg.Port = *flags.port
		case "remote":
			cfg.Remote = *flags.remote
		case "input":
			cfg.Input = splitList(*flags.input)
		case "output":
			cfg.Output = *flags.output
		case "timeout":
			cfg.TimeoutMs = *flags.timeout
		case "target":
			cfg.Target = *flags.target
			cfg.TargetArgs = fs.Args()
		case "single":
			cfg.Single = *flags.single
		case "debug":
			cfg.Debug = *flags.debug
		}
	})
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var res []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			res = append(res, v)
		}
	}
	return res
}

func (cfg *ManagerConfig) check() error {
	switch {
	case cfg.Port <= 0 || cfg.Port > 65535:
		return errors.Errorf("bad port %v", cfg.Port)
	case cfg.TimeoutMs <= 0:
		return errors.Errorf("bad timeout %vms", cfg.TimeoutMs)
	case cfg.InitialInputs < 1:
		return errors.Errorf("bad number of initial inputs %v", cfg.InitialInputs)
	case cfg.MaxInputSize <= 0:
		return errors.Errorf("bad max input size %v", cfg.MaxInputSize)
	case cfg.MapSize <= 0:
		return errors.Errorf("bad map size %v", cfg.MapSize)
	case cfg.Output == "":
		return errors.New("no output directory")
	}
	return nil
}

func (cfg *ManagerConfig) Timeout() time.Duration {
	return time.Duration(cfg.TimeoutMs) * time.Millisecond
}

func (cfg *ManagerConfig) PrintInterval() time.Duration {
	return time.Duration(cfg.PrintIntervalMs) * time.Millisecond
}

func (cfg *ManagerConfig) CrashesDir() string {
	return filepath.Join(cfg.Output, "crashes")
}

func (cfg *ManagerConfig) StatsFile() string {
	return filepath.Join(cfg.Output, "fuzzer_stats.json")
}
