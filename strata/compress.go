package strata

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// -----------------------------------------------------------------------------
// Chunk filters
// -----------------------------------------------------------------------------

// Filter transforms dataset bytes on their way to and from the object
// store. Filters cover storage-side compression only; record encoding is
// always applied to unfiltered bytes.
type Filter interface {
	// Name identifies the filter in dataset metadata (for example, "zstd").
	Name() string

	// Apply transforms raw bytes into their stored form.
	Apply(data []byte) ([]byte, error)

	// Restore inverts Apply.
	Restore(data []byte) ([]byte, error)
}

// filterByName resolves the filter recorded in dataset metadata.
func filterByName(name string) (Filter, error) {
	switch name {
	case "", "none":
		return NewNoOpFilter(), nil
	case "gzip":
		return NewGzipFilter(), nil
	case "zstd":
		return NewZstdFilter(), nil
	default:
		return nil, fmt.Errorf("strata: unknown filter %q", name)
	}
}

// -----------------------------------------------------------------------------
// NoOp filter
// -----------------------------------------------------------------------------

type noopFilter struct{}

// NewNoOpFilter returns the identity filter.
func NewNoOpFilter() Filter {
	return &noopFilter{}
}

func (n *noopFilter) Name() string { return "none" }

func (n *noopFilter) Apply(data []byte) ([]byte, error) { return data, nil }

func (n *noopFilter) Restore(data []byte) ([]byte, error) { return data, nil }

// -----------------------------------------------------------------------------
// Gzip filter
// -----------------------------------------------------------------------------

type gzipFilter struct{}

// NewGzipFilter returns a gzip chunk filter.
func NewGzipFilter() Filter {
	return &gzipFilter{}
}

func (g *gzipFilter) Name() string { return "gzip" }

func (g *gzipFilter) Apply(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g *gzipFilter) Restore(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// -----------------------------------------------------------------------------
// Zstd filter
// -----------------------------------------------------------------------------

type zstdFilter struct{}

// NewZstdFilter returns a Zstandard chunk filter. Zstd gives higher ratios
// and faster decompression than gzip for typical numeric block data.
func NewZstdFilter() Filter {
	return &zstdFilter{}
}

func (z *zstdFilter) Name() string { return "zstd" }

func (z *zstdFilter) Apply(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	out := enc.EncodeAll(data, nil)
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (z *zstdFilter) Restore(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
