package testcpu

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

func (c *Comp) verify(check *d2hCheck, got []byte) {
	v := Verification{
		DPtr:  check.op.DPtr,
		Total: check.op.Size,
	}

	for i := range got {
		if i < len(check.op.Data) && got[i] == check.op.Data[i] {
			v.Correct++
		}
	}

	if v.Total > 0 {
		v.Ratio = float64(v.Correct) / float64(v.Total)
	} else {
		v.Ratio = 1
	}

	c.statsLock.Lock()
	c.stats.Verifications = append(c.stats.Verifications, v)
	c.statsLock.Unlock()

	c.logger.Info("memcpy D2H verified",
		zap.String("dptr", v.DPtr),
		zap.Uint64("total_bytes", v.Total),
		zap.Uint64("correct_bytes", v.Correct),
		zap.Float64("ratio", v.Ratio))

	if c.dumper == nil {
		return
	}

	for _, d := range []struct {
		kind string
		data []byte
	}{{"sim", got}, {"real", check.op.Data}} {
		path, err := c.dumper.Dump(d.kind, check.addr, d.data)
		if err != nil {
			c.logger.Warn("cannot dump memcpy data", zap.Error(err))
			continue
		}

		c.logger.Debug("memcpy data dumped", zap.String("path", path))
	}
}

// A Dumper writes zstd-compressed copies of device-to-host data.
type Dumper struct {
	dir     string
	encoder *zstd.Encoder
}

// NewDumper creates a dumper that writes into dir.
func NewDumper(dir string) (*Dumper, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}

	return &Dumper{dir: dir, encoder: encoder}, nil
}

// Dump writes one buffer and returns the path of the file.
func (d *Dumper) Dump(kind string, addr uint64, data []byte) (string, error) {
	name := fmt.Sprintf("cudamemcpyD2H-%s-0x%x-size-%d.data.zst",
		kind, addr, len(data))
	path := filepath.Join(d.dir, name)

	if err := os.WriteFile(path, d.encoder.EncodeAll(data, nil), 0o644); err != nil {
		return "", err
	}

	return path, nil
}

// ReadDump decompresses a file written by a Dumper.
func ReadDump(path string) ([]byte, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	return decoder.DecodeAll(compressed, nil)
}
