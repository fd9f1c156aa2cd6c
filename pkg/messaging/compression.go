package messaging

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
)

// Name of the zstd message compressor.
const Zstd = "zstd"

type zstdCompressor struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	err     error
}

func init() {
	encoding.RegisterCompressor(&zstdCompressor{})
}

func (c *zstdCompressor) init() error {
	c.once.Do(func() {
		c.encoder, c.err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if c.err != nil {
			return
		}
		c.decoder, c.err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return c.err
}

func (c *zstdCompressor) Name() string {
	return Zstd
}

func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	return &zstdWriter{encoder: c.encoder, w: w}, nil
}

func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	if err := c.init(); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(out), nil
}

// Messages are small and written in one go, so buffer and encode
// with the shared encoder on close.
type zstdWriter struct {
	encoder *zstd.Encoder
	w       io.Writer
	buf     bytes.Buffer
}

func (z *zstdWriter) Write(p []byte) (int, error) {
	return z.buf.Write(p)
}

func (z *zstdWriter) Close() error {
	_, err := z.w.Write(z.encoder.EncodeAll(z.buf.Bytes(), nil))
	return err
}
