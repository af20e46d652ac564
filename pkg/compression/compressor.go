// Package compression wraps the codecs used for dead-letter segments and
// stream load request bodies.
//
// Streaming use:
//
//	w, err := compression.NewWriter(file, compression.Zstd, compression.Default)
//	defer w.Close()
//
// In-memory use:
//
//	c, err := compression.NewCompressor(&compression.Config{Algorithm: compression.LZ4})
//	body, err := c.Compress(payload)
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm is a compression codec.
type Algorithm string

const (
	None   Algorithm = "none"
	Gzip   Algorithm = "gzip"
	Snappy Algorithm = "snappy"
	LZ4    Algorithm = "lz4"
	Zstd   Algorithm = "zstd"
	S2     Algorithm = "s2"
)

// Level trades speed for ratio.
type Level int

const (
	Fastest Level = 1
	Default Level = 5
	Better  Level = 7
	Best    Level = 9
)

func (l Level) String() string {
	switch l {
	case Fastest:
		return "fastest"
	case Default:
		return "default"
	case Better:
		return "better"
	case Best:
		return "best"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseAlgorithm accepts algorithm names case-insensitively. An empty name
// means None.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(name))); a {
	case "":
		return None, nil
	case None, Gzip, Snappy, LZ4, Zstd, S2:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm: %s", name)
	}
}

// Extension is the file suffix for segments written with a.
func (a Algorithm) Extension() string {
	switch a {
	case Gzip:
		return ".gz"
	case Snappy:
		return ".sz"
	case LZ4:
		return ".lz4"
	case Zstd:
		return ".zst"
	case S2:
		return ".s2"
	default:
		return ""
	}
}

// StreamLoadFormat is the StarRocks stream load "compression" header value
// for a, or "" when stream load cannot accept it.
func (a Algorithm) StreamLoadFormat() string {
	switch a {
	case Gzip:
		return "gzip"
	case LZ4:
		return "lz4_frame"
	case Zstd:
		return "zstd"
	default:
		return ""
	}
}

// Config configures a Compressor.
type Config struct {
	Algorithm Algorithm
	Level     Level
}

// Compressor compresses whole buffers. Implementations are safe for
// concurrent use.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Algorithm() Algorithm
}

// NewCompressor returns a Compressor for cfg. A nil cfg selects Snappy.
func NewCompressor(cfg *Config) (Compressor, error) {
	if cfg == nil {
		cfg = &Config{Algorithm: Snappy, Level: Default}
	}
	if cfg.Level == 0 {
		cfg.Level = Default
	}
	if _, err := ParseAlgorithm(string(cfg.Algorithm)); err != nil {
		return nil, err
	}
	return &streamCompressor{algorithm: cfg.Algorithm, level: cfg.Level}, nil
}

var bufferPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// streamCompressor implements Compressor on top of the streaming codecs.
type streamCompressor struct {
	algorithm Algorithm
	level     Level
}

func (c *streamCompressor) Algorithm() Algorithm { return c.algorithm }

func (c *streamCompressor) Compress(data []byte) ([]byte, error) {
	if c.algorithm == None || c.algorithm == "" {
		return data, nil
	}
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	w, err := NewWriter(buf, c.algorithm, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (c *streamCompressor) Decompress(data []byte) ([]byte, error) {
	if c.algorithm == None || c.algorithm == "" {
		return data, nil
	}
	r, err := NewReader(bytes.NewReader(data), c.algorithm)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// NewWriter wraps dst with a compressing writer. Close flushes the codec
// but does not close dst.
func NewWriter(dst io.Writer, a Algorithm, level Level) (io.WriteCloser, error) {
	switch a {
	case None, "":
		return nopWriteCloser{dst}, nil
	case Gzip:
		return gzip.NewWriterLevel(dst, gzipLevel(level))
	case Snappy:
		return snappy.NewBufferedWriter(dst), nil
	case S2:
		opts := []s2.WriterOption{}
		if level >= Better {
			opts = append(opts, s2.WriterBetterCompression())
		}
		return s2.NewWriter(dst, opts...), nil
	case LZ4:
		w := lz4.NewWriter(dst)
		if err := w.Apply(lz4.CompressionLevelOption(lz4Level(level))); err != nil {
			return nil, err
		}
		return w, nil
	case Zstd:
		return zstd.NewWriter(dst, zstd.WithEncoderLevel(zstdLevel(level)))
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", a)
	}
}

// NewReader wraps src with a decompressing reader.
func NewReader(src io.Reader, a Algorithm) (io.ReadCloser, error) {
	switch a {
	case None, "":
		return io.NopCloser(src), nil
	case Gzip:
		return gzip.NewReader(src)
	case Snappy:
		return io.NopCloser(snappy.NewReader(src)), nil
	case S2:
		return io.NopCloser(s2.NewReader(src)), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(src)), nil
	case Zstd:
		d, err := zstd.NewReader(src)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{d}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", a)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

func gzipLevel(l Level) int {
	switch {
	case l <= Fastest:
		return gzip.BestSpeed
	case l >= Best:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func lz4Level(l Level) lz4.CompressionLevel {
	switch {
	case l <= Fastest:
		return lz4.Fast
	case l >= Best:
		return lz4.Level9
	default:
		return lz4.Level5
	}
}

func zstdLevel(l Level) zstd.EncoderLevel {
	switch {
	case l <= Fastest:
		return zstd.SpeedFastest
	case l >= Best:
		return zstd.SpeedBestCompression
	case l >= Better:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedDefault
	}
}
