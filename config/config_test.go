package config_test

import (
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/gpuproxy/config"
)

var _ = Describe("Config", func() {
	var dir string

	writeFile := func(content string) string {
		path := filepath.Join(dir, "platform.yaml")
		Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())

		return path
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("should validate the defaults", func() {
		Expect(config.Default().Validate()).To(Succeed())
	})

	It("should read sizes and frequencies with units", func() {
		path := writeFile(`
proxy:
  freq: 2GHz
  dma_step_size: 32B
gpu:
  cores: 4
  device_size: 512MiB
memory:
  capacity: 8GiB
  freq: 800 MHz
`)

		cfg, err := config.Load(path)

		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Proxy.Freq.Freq()).To(BeNumerically("==", 2e9))
		Expect(cfg.Proxy.DMAStepSize).To(Equal(config.Size(32)))
		Expect(cfg.GPU.Cores).To(Equal(4))
		Expect(cfg.GPU.DeviceSize).To(Equal(config.Size(512 << 20)))
		Expect(cfg.Memory.Capacity).To(Equal(config.Size(8 << 30)))
		Expect(float64(cfg.Memory.Freq)).To(BeNumerically("~", 8e8, 1))
		Expect(cfg.CPU.HeapBase).To(Equal(uint64(0x10_0000)))
	})

	It("should read hexadecimal addresses", func() {
		path := writeFile(`
proxy:
  command_register: 0xFFFF2000
  return_packet_base: 0x0E800000
`)

		cfg, err := config.Load(path)

		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Proxy.CommandRegister).To(Equal(uint64(0xFFFF_2000)))
		Expect(cfg.Proxy.ReturnPacketBase).To(Equal(uint64(0x0E80_0000)))
	})

	It("should reject unknown fields", func() {
		path := writeFile("proxy:\n  no_such_field: 1\n")

		_, err := config.Load(path)

		Expect(err).To(HaveOccurred())
	})

	It("should reject a bad frequency unit", func() {
		path := writeFile("cpu:\n  freq: 1GB\n")

		_, err := config.Load(path)

		Expect(err).To(MatchError(ContainSubstring("unit must be Hz")))
	})

	It("should report a missing file", func() {
		_, err := config.Load(filepath.Join(dir, "missing.yaml"))

		Expect(errors.Is(err, os.ErrNotExist)).To(BeTrue())
	})

	It("should report every invalid field", func() {
		cfg := config.Default()
		cfg.Log.Level = "verbose"
		cfg.Proxy.DMASlots = 0
		cfg.GPU.CacheLineSize = 48

		err := cfg.Validate()

		Expect(errors.Is(err, config.ErrInvalid)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("log.level"))
		Expect(err.Error()).To(ContainSubstring("proxy.dma_slots"))
		Expect(err.Error()).To(ContainSubstring("gpu.cache_line_size"))
	})

	It("should reject a heap overlapping the return packet", func() {
		cfg := config.Default()
		cfg.Proxy.ReturnPacketBase = cfg.CPU.HeapBase + 0x100

		Expect(cfg.Validate()).To(MatchError(ContainSubstring("return packet")))
	})

	It("should take overrides from the environment", func() {
		cfg := config.Default()
		env := map[string]string{"GPUPROXY_LOG_LEVEL": "DEBUG"}

		cfg.ApplyEnv(func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		})

		Expect(cfg.Log.Level).To(Equal("debug"))
		Expect(cfg.Trace.File).To(Equal("cuda_calls.trace"))
	})

	It("should write a configuration it can read back", func() {
		cfg := config.Default()
		cfg.GPU.Cores = 3

		data, err := cfg.Marshal()
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring("capacity: 4.0GiB"))

		loaded, err := config.Load(writeFile(string(data)))

		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).To(Equal(cfg))
	})
})
