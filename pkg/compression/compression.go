package compression

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

type Compression string

const (
	None Compression = ""
	GZIP Compression = "gz"
	XZ   Compression = "xz"
	ZSTD Compression = "zst"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

func Parse(s string) Compression {
	switch s {
	case "gz", ".gz":
		return GZIP
	case "xz", ".xz":
		return XZ
	case "zst", ".zst", "zstd":
		return ZSTD
	default:
		return None
	}
}

// Detect sniffs the compression from the leading magic bytes.
func Detect(b []byte) Compression {
	switch {
	case bytes.HasPrefix(b, gzipMagic):
		return GZIP
	case bytes.HasPrefix(b, xzMagic):
		return XZ
	case bytes.HasPrefix(b, zstdMagic):
		return ZSTD
	default:
		return None
	}
}

func (c Compression) String() string {
	return string(c)
}

func (c Compression) Extension() string {
	if c == None {
		return ""
	}
	return "." + string(c)
}

func (c Compression) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch c {
	case GZIP:
		compressor := gzip.NewWriter(&buf)
		if _, err := compressor.Write(data); err != nil {
			return nil, err
		}
		if err := compressor.Close(); err != nil {
			return nil, err
		}

	case XZ:
		compressor, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := compressor.Write(data); err != nil {
			return nil, err
		}
		if err := compressor.Close(); err != nil {
			return nil, err
		}

	case ZSTD:
		compressor, err := zstd.NewWriter(&buf, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		if _, err := compressor.Write(data); err != nil {
			return nil, err
		}
		if err := compressor.Close(); err != nil {
			return nil, err
		}

	case None:
		return data, nil

	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
	return buf.Bytes(), nil
}

// NewReader wraps in with a decompressor chosen by sniffing its first bytes.
func NewReader(in io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(in)
	head, err := br.Peek(len(xzMagic))
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	switch Detect(head) {
	case GZIP:
		r, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return r, nil
	case XZ:
		r, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating xz reader: %w", err)
		}
		return io.NopCloser(r), nil
	case ZSTD:
		r, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		return r.IOReadCloser(), nil
	default:
		return io.NopCloser(br), nil
	}
}

// Decompress returns data decompressed according to its magic bytes.
func Decompress(data []byte) ([]byte, error) {
	r, err := NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
