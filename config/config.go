// Package config defines the configuration of a gpuproxy platform.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sarchlab/gpuproxy/callpacket"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// LogConfig configures logging.
type LogConfig struct {
	Level      string `yaml:"level"`
	Encoding   string `yaml:"encoding"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// MemoryConfig configures an ideal memory controller.
type MemoryConfig struct {
	Capacity Size      `yaml:"capacity"`
	Latency  int       `yaml:"latency"`
	Width    int       `yaml:"width"`
	Freq     Frequency `yaml:"freq"`
}

// CPUConfig configures the trace-driven CPU.
type CPUConfig struct {
	Freq            Frequency `yaml:"freq"`
	ScratchAddress  uint64    `yaml:"scratch_address"`
	HeapBase        uint64    `yaml:"heap_base"`
	HeapSize        Size      `yaml:"heap_size"`
	SimulatedMemory bool      `yaml:"simulated_memory"`
}

// ProxyConfig configures the command proxy.
type ProxyConfig struct {
	Freq                Frequency `yaml:"freq"`
	CommandRegister     uint64    `yaml:"command_register"`
	CommandRegisterSize uint64    `yaml:"command_register_size"`
	ReturnPacketBase    uint64    `yaml:"return_packet_base"`
	DMASlots            int       `yaml:"dma_slots"`
	DMAStepSize         Size      `yaml:"dma_step_size"`
	DMAMaxInFlight      int       `yaml:"dma_max_in_flight"`
	BufferSize          int       `yaml:"buffer_size"`
}

// GPUConfig configures the functional model and its cache links.
type GPUConfig struct {
	Cores                int          `yaml:"cores"`
	MaxCacheTransactions int          `yaml:"max_cache_trans"`
	CacheLineSize        Size         `yaml:"cache_line_size"`
	DeviceBase           uint64       `yaml:"device_base"`
	DeviceSize           Size         `yaml:"device_size"`
	NativeBase           uint64       `yaml:"native_base"`
	NativeSize           Size         `yaml:"native_size"`
	Memory               MemoryConfig `yaml:"memory"`
}

// TraceConfig selects what the CPU replays.
type TraceConfig struct {
	File           string `yaml:"file"`
	CUDAExecutable string `yaml:"cuda_executable"`
	DumpDir        string `yaml:"dump_dir"`
}

// MonitorConfig configures the web monitor.
type MonitorConfig struct {
	Enabled     bool `yaml:"enabled"`
	Port        int  `yaml:"port"`
	OpenBrowser bool `yaml:"open_browser"`
}

// RecordConfig configures the trace database.
type RecordConfig struct {
	Path string `yaml:"path"`
}

// Config is the whole configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	CPU     CPUConfig     `yaml:"cpu"`
	Memory  MemoryConfig  `yaml:"memory"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	GPU     GPUConfig     `yaml:"gpu"`
	Trace   TraceConfig   `yaml:"trace"`
	Monitor MonitorConfig `yaml:"monitor"`
	Record  RecordConfig  `yaml:"record"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Encoding:   "console",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
		CPU: CPUConfig{
			Freq:            Frequency(1e9),
			ScratchAddress:  0x1000,
			HeapBase:        0x10_0000,
			HeapSize:        0x0E00_0000,
			SimulatedMemory: true,
		},
		Memory: MemoryConfig{
			Capacity: 4 << 30,
			Latency:  100,
			Width:    1,
			Freq:     Frequency(1e9),
		},
		Proxy: ProxyConfig{
			Freq:                Frequency(1e9),
			CommandRegister:     0xFFFF_1000,
			CommandRegisterSize: 8,
			ReturnPacketBase:    0x0F00_0000,
			DMASlots:            1,
			DMAStepSize:         64,
			DMAMaxInFlight:      16,
			BufferSize:          64,
		},
		GPU: GPUConfig{
			Cores:                1,
			MaxCacheTransactions: 512,
			CacheLineSize:        64,
			DeviceBase:           0x1000_0000,
			DeviceSize:           1 << 30,
			NativeBase:           0x1_0000,
			NativeSize:           1 << 30,
			Memory: MemoryConfig{
				Capacity: 4 << 30,
				Latency:  100,
				Width:    1,
				Freq:     Frequency(1e9),
			},
		},
		Trace: TraceConfig{
			File: "cuda_calls.trace",
		},
		Monitor: MonitorConfig{
			Port: 0,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overrides settings from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("GPUPROXY_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}

	if v, ok := lookup("GPUPROXY_TRACE"); ok && v != "" {
		c.Trace.File = v
	}
}

// Marshal writes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

func rangesOverlap(aStart, aSize, bStart, bSize uint64) bool {
	return aStart < bStart+bSize && bStart < aStart+aSize
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format,
				append([]interface{}{ErrInvalid}, args...)...))
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		check(false, "log.level %q", c.Log.Level)
	}

	check(c.Log.Encoding == "console" || c.Log.Encoding == "json",
		"log.encoding %q", c.Log.Encoding)

	for name, f := range map[string]Frequency{
		"cpu.freq":        c.CPU.Freq,
		"memory.freq":     c.Memory.Freq,
		"proxy.freq":      c.Proxy.Freq,
		"gpu.memory.freq": c.GPU.Memory.Freq,
	} {
		check(f > 0, "%s must be positive", name)
	}

	check(c.Memory.Latency > 0 && c.GPU.Memory.Latency > 0,
		"memory latencies must be positive")
	check(c.Memory.Width > 0 && c.GPU.Memory.Width > 0,
		"memory widths must be positive")

	check(c.Proxy.CommandRegisterSize >= 4,
		"proxy.command_register_size must be at least 4")
	check(c.Proxy.DMASlots > 0, "proxy.dma_slots must be positive")
	check(c.Proxy.DMAMaxInFlight > 0, "proxy.dma_max_in_flight must be positive")
	check(c.Proxy.BufferSize > 0, "proxy.buffer_size must be positive")
	check(c.Proxy.DMAStepSize > 0 && c.Proxy.DMAStepSize <= 64,
		"proxy.dma_step_size must be between 1 and 64 bytes")

	check(c.GPU.Cores >= 0, "gpu.cores must not be negative")
	check(c.GPU.MaxCacheTransactions > 0, "gpu.max_cache_trans must be positive")
	check(isPowerOfTwo(uint64(c.GPU.CacheLineSize)),
		"gpu.cache_line_size must be a power of two")
	check(c.GPU.DeviceSize > 0, "gpu.device_size must be positive")
	check(c.GPU.NativeBase > 0 && c.GPU.NativeSize > 0,
		"gpu native memory must not start at zero or be empty")
	check(c.GPU.DeviceBase+uint64(c.GPU.DeviceSize) <=
		uint64(c.GPU.Memory.Capacity),
		"gpu device memory ends beyond gpu.memory.capacity")

	c.validateCPUMemoryMap(check)

	check(c.Monitor.Port >= 0 && c.Monitor.Port < 65536,
		"monitor.port %d", c.Monitor.Port)

	return errors.Join(errs...)
}

func (c *Config) validateCPUMemoryMap(
	check func(bool, string, ...interface{}),
) {
	capacity := uint64(c.Memory.Capacity)
	returnEnd := c.Proxy.ReturnPacketBase + callpacket.ReturnSize

	check(c.CPU.HeapSize > 0, "cpu.heap_size must be positive")
	check(c.CPU.HeapBase+uint64(c.CPU.HeapSize) <= capacity,
		"cpu heap ends beyond memory.capacity")
	check(returnEnd <= capacity,
		"proxy.return_packet_base is beyond memory.capacity")
	check(!rangesOverlap(c.CPU.HeapBase, uint64(c.CPU.HeapSize),
		c.Proxy.ReturnPacketBase, callpacket.ReturnSize),
		"cpu heap overlaps the return packet")
	check(!rangesOverlap(c.CPU.HeapBase, uint64(c.CPU.HeapSize),
		c.CPU.ScratchAddress, callpacket.RequestSize),
		"cpu heap overlaps the scratch packet")
}
