package archive

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// entry is one archive member surfaced by a format reader. size is the
// declared uncompressed size, or -1 when the format does not declare one.
type entry struct {
	name string
	size int64
	open func() (io.ReadCloser, error)
}

type walkFunc func(entry) error

// reader walks the entry table of one archive format. Adding a format means
// adding a reader here; the limiter in archive.go stays untouched.
type reader interface {
	matches(data []byte) bool
	walk(data []byte, fn walkFunc) error
}

// Single-stream compressors yield one entry; the limiter's nested-archive
// recursion takes care of tar.gz, tar.zst and friends.
var readers = []reader{
	zipReader{},
	tarReader{},
	gzipReader{},
	zstdReader{},
	lz4Reader{},
}

func detect(data []byte) reader {
	for _, r := range readers {
		if r.matches(data) {
			return r
		}
	}
	return nil
}

type zipReader struct{}

func (zipReader) matches(data []byte) bool {
	return bytes.HasPrefix(data, []byte("PK\x03\x04")) || bytes.HasPrefix(data, []byte("PK\x05\x06"))
}

func (zipReader) walk(data []byte, fn walkFunc) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("read zip: %w", err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		f := f
		e := entry{
			name: f.Name,
			size: int64(f.UncompressedSize64),
			open: func() (io.ReadCloser, error) { return f.Open() },
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

type tarReader struct{}

func (tarReader) matches(data []byte) bool {
	return len(data) >= 262 && bytes.Equal(data[257:262], []byte("ustar"))
}

func (tarReader) walk(data []byte, fn walkFunc) error {
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		e := entry{
			name: hdr.Name,
			size: hdr.Size,
			open: func() (io.ReadCloser, error) { return io.NopCloser(tr), nil },
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

type gzipReader struct{}

func (gzipReader) matches(data []byte) bool {
	return bytes.HasPrefix(data, []byte{0x1f, 0x8b})
}

func (gzipReader) walk(data []byte, fn walkFunc) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("read gzip: %w", err)
	}
	name := gz.Name
	if name == "" {
		name = "data"
	}
	return fn(entry{
		name: name,
		size: -1,
		open: func() (io.ReadCloser, error) { return gz, nil },
	})
}

type zstdReader struct{}

func (zstdReader) matches(data []byte) bool {
	return bytes.HasPrefix(data, []byte{0x28, 0xb5, 0x2f, 0xfd})
}

func (zstdReader) walk(data []byte, fn walkFunc) error {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("read zstd: %w", err)
	}
	return fn(entry{
		name: "data",
		size: -1,
		open: func() (io.ReadCloser, error) { return dec.IOReadCloser(), nil },
	})
}

type lz4Reader struct{}

func (lz4Reader) matches(data []byte) bool {
	return bytes.HasPrefix(data, []byte{0x04, 0x22, 0x4d, 0x18})
}

func (lz4Reader) walk(data []byte, fn walkFunc) error {
	lr := lz4.NewReader(bytes.NewReader(data))
	return fn(entry{
		name: "data",
		size: -1,
		open: func() (io.ReadCloser, error) { return io.NopCloser(lr), nil },
	})
}
