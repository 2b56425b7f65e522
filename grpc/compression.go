package grpc

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/encoding"
)

const zstdName = "zstd"

// zstdCompressor implements gRPC's encoding.Compressor interface using zstd
type zstdCompressor struct {
	level       atomic.Int32
	encoderPool sync.Pool
	decoderPool sync.Pool
}

var compressor = &zstdCompressor{}

// Compressors must be registered during initialization
func init() {
	compressor.level.Store(1)
	encoding.RegisterCompressor(compressor)
}

// ConfigureCompression sets the zstd level (1-4) of outgoing messages; 0
// turns compression off for clients. Call before the first RPC.
func ConfigureCompression(level int) {
	compressor.level.Store(int32(level))
	if level == 0 {
		log.Debug().Msg("gRPC compression disabled (level=0)")
		return
	}
	log.Info().
		Int("config_level", level).
		Str("zstd_level", configLevelToZstd(level).String()).
		Msg("Configured zstd gRPC compression")
}

// Name returns the compressor name
func (c *zstdCompressor) Name() string {
	return zstdName
}

// Compress returns a WriteCloser that compresses data written to it
func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	level := configLevelToZstd(int(c.level.Load()))
	if pe, ok := c.encoderPool.Get().(*pooledEncoder); ok && pe.level == level {
		pe.enc.Reset(w)
		return pe, nil
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	return &pooledEncoder{enc: enc, level: level, pool: &c.encoderPool}, nil
}

// Decompress returns a Reader that decompresses data read from it
func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	if dec, ok := c.decoderPool.Get().(*zstd.Decoder); ok {
		if err := dec.Reset(r); err != nil {
			c.decoderPool.Put(dec)
			return nil, err
		}
		return &pooledDecoder{dec: dec, pool: &c.decoderPool}, nil
	}

	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &pooledDecoder{dec: dec, pool: &c.decoderPool}, nil
}

// pooledEncoder returns its encoder to the pool on Close
type pooledEncoder struct {
	enc   *zstd.Encoder
	level zstd.EncoderLevel
	pool  *sync.Pool
}

func (p *pooledEncoder) Write(data []byte) (int, error) {
	return p.enc.Write(data)
}

func (p *pooledEncoder) Close() error {
	err := p.enc.Close()
	p.pool.Put(p)
	return err
}

// pooledDecoder returns its decoder to the pool at EOF
type pooledDecoder struct {
	dec  *zstd.Decoder
	pool *sync.Pool
}

func (p *pooledDecoder) Read(data []byte) (int, error) {
	n, err := p.dec.Read(data)
	if err == io.EOF {
		p.pool.Put(p.dec)
	}
	return n, err
}

// configLevelToZstd maps config levels (1-4) to zstd.EncoderLevel
func configLevelToZstd(level int) zstd.EncoderLevel {
	switch level {
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedFastest
	}
}

// IsCompressionEnabled returns true if clients compress their requests
func IsCompressionEnabled() bool {
	return compressor.level.Load() > 0
}
