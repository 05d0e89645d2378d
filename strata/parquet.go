package strata

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// -----------------------------------------------------------------------------
// Parquet export
// -----------------------------------------------------------------------------

// ParquetCompression specifies internal Parquet compression.
type ParquetCompression int

// Parquet compression options.
const (
	ParquetCompressionNone ParquetCompression = iota
	ParquetCompressionSnappy
	ParquetCompressionGzip
)

// ParquetOption configures a ParquetExporter.
type ParquetOption func(*ParquetExporter)

// WithParquetCompression sets internal Parquet compression. Defaults to
// Snappy.
func WithParquetCompression(c ParquetCompression) ParquetOption {
	return func(e *ParquetExporter) {
		e.compression = c
	}
}

// parquetColumn binds one scalar shape member to a parquet schema column.
type parquetColumn struct {
	spec MemberSpec
}

// ParquetExporter writes map-form compound records as Parquet rows.
//
// The exported schema contains one column per scalar member of the record
// shape; array, matrix, N-dimensional and nested compound members have no
// Parquet analog here and are skipped. Enum members export as their symbol
// strings, and int64 members tagged VariantTimestampMillis export as
// millisecond timestamps.
type ParquetExporter struct {
	shape       RecordShape
	columns     []parquetColumn
	pqSchema    *parquet.Schema
	compression ParquetCompression
}

// NewParquetExporter builds an exporter for the given record shape.
func NewParquetExporter(shape RecordShape, opts ...ParquetOption) (*ParquetExporter, error) {
	if err := shape.validate(); err != nil {
		return nil, err
	}

	e := &ParquetExporter{
		shape:       shape,
		compression: ParquetCompressionSnappy,
	}
	for _, opt := range opts {
		opt(e)
	}

	group := parquet.Group{}
	for _, m := range shape.Members {
		if m.Kind != KindScalar || m.Primitive == PrimitiveCompound {
			continue
		}
		node, err := parquetNode(m)
		if err != nil {
			return nil, err
		}
		group[m.Name] = node
		e.columns = append(e.columns, parquetColumn{spec: m})
	}
	if len(e.columns) == 0 {
		return nil, fmt.Errorf("strata: parquet export: shape has no scalar members")
	}
	e.pqSchema = parquet.NewSchema("record", group)

	// parquet-go orders group fields itself; realign columns to match.
	byName := make(map[string]parquetColumn, len(e.columns))
	for _, col := range e.columns {
		byName[col.spec.Name] = col
	}
	ordered := make([]parquetColumn, len(e.columns))
	for i, f := range e.pqSchema.Fields() {
		ordered[i] = byName[f.Name()]
	}
	e.columns = ordered

	return e, nil
}

// Export writes records to w as one Parquet file. Records must be in map
// form (map[string]any), as produced by a map codec's Decode.
func (e *ParquetExporter) Export(w io.Writer, records []any) error {
	var buf bytes.Buffer
	rowBuf := parquet.NewBuffer(e.pqSchema)

	for i, record := range records {
		row, err := e.recordToRow(record, i)
		if err != nil {
			return err
		}
		if _, err := rowBuf.WriteRows([]parquet.Row{row}); err != nil {
			return fmt.Errorf("strata: parquet export: write row %d: %w", i, err)
		}
	}

	pqWriter := parquet.NewWriter(&buf, e.pqSchema, e.compressionOption())
	if _, err := pqWriter.WriteRowGroup(rowBuf); err != nil {
		_ = pqWriter.Close()
		return fmt.Errorf("strata: parquet export: write row group: %w", err)
	}
	if err := pqWriter.Close(); err != nil {
		return fmt.Errorf("strata: parquet export: close writer: %w", err)
	}

	_, err := io.Copy(w, &buf)
	return err
}

// ExportParquet reads every record of a rank-1 compound dataset and writes
// them to w as one Parquet file.
func ExportParquet(ctx context.Context, w io.Writer, c *Container, path string, shape RecordShape, opts ...ParquetOption) error {
	exporter, err := NewParquetExporter(shape, opts...)
	if err != nil {
		return err
	}
	codec, err := NewMapCodec(shape)
	if err != nil {
		return err
	}
	extent, _, err := c.Backend().DatasetExtent(ctx, path)
	if err != nil {
		return err
	}
	if extent.Rank() != 1 {
		return fmt.Errorf("strata: parquet export: dataset %q: needs rank 1, got rank %d", path, extent.Rank())
	}
	records, err := c.ReadRecords(ctx, path, codec, 0, int(extent.Dimensions[0]))
	if err != nil {
		return err
	}
	return exporter.Export(w, records)
}

func (e *ParquetExporter) compressionOption() parquet.WriterOption {
	switch e.compression {
	case ParquetCompressionSnappy:
		return parquet.Compression(&parquet.Snappy)
	case ParquetCompressionGzip:
		return parquet.Compression(&parquet.Gzip)
	default:
		return parquet.Compression(&parquet.Uncompressed)
	}
}

func (e *ParquetExporter) recordToRow(record any, index int) (parquet.Row, error) {
	m, ok := record.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("strata: parquet export: record %d is not map[string]any", index)
	}

	row := make(parquet.Row, len(e.columns))
	for i, col := range e.columns {
		val, exists := m[col.spec.Name]
		if !exists {
			return nil, fmt.Errorf("strata: parquet export: record %d missing member %q", index, col.spec.Name)
		}
		pqVal, err := parquetValue(val, col.spec, index)
		if err != nil {
			return nil, err
		}
		row[i] = pqVal.Level(0, 0, i)
	}
	return row, nil
}

// parquetNode maps a scalar member to a parquet schema node.
func parquetNode(m MemberSpec) (parquet.Node, error) {
	switch m.Primitive {
	case PrimitiveInt8, PrimitiveInt16, PrimitiveInt32:
		return parquet.Int(32), nil
	case PrimitiveInt64:
		if m.Variant == VariantTimestampMillis {
			return parquet.Timestamp(parquet.Millisecond), nil
		}
		return parquet.Int(64), nil
	case PrimitiveUint8, PrimitiveUint16, PrimitiveUint32:
		return parquet.Uint(32), nil
	case PrimitiveUint64:
		return parquet.Uint(64), nil
	case PrimitiveFloat32:
		return parquet.Leaf(parquet.FloatType), nil
	case PrimitiveFloat64:
		return parquet.Leaf(parquet.DoubleType), nil
	case PrimitiveString, PrimitiveEnum:
		return parquet.String(), nil
	default:
		return nil, fmt.Errorf("strata: parquet export: member %q: no column mapping for %s", m.Name, m.Primitive)
	}
}

// parquetValue converts a decoded member value to its parquet column value.
func parquetValue(val any, m MemberSpec, index int) (parquet.Value, error) {
	bad := func() (parquet.Value, error) {
		return parquet.Value{}, fmt.Errorf("strata: parquet export: record %d member %q: unexpected value type %T",
			index, m.Name, val)
	}

	switch m.Primitive {
	case PrimitiveInt8:
		v, ok := val.(int8)
		if !ok {
			return bad()
		}
		return parquet.Int32Value(int32(v)), nil
	case PrimitiveInt16:
		v, ok := val.(int16)
		if !ok {
			return bad()
		}
		return parquet.Int32Value(int32(v)), nil
	case PrimitiveInt32:
		v, ok := val.(int32)
		if !ok {
			return bad()
		}
		return parquet.Int32Value(v), nil
	case PrimitiveInt64:
		v, ok := val.(int64)
		if !ok {
			return bad()
		}
		return parquet.Int64Value(v), nil
	case PrimitiveUint8:
		v, ok := val.(uint8)
		if !ok {
			return bad()
		}
		return parquet.Int32Value(int32(v)), nil
	case PrimitiveUint16:
		v, ok := val.(uint16)
		if !ok {
			return bad()
		}
		return parquet.Int32Value(int32(v)), nil
	case PrimitiveUint32:
		v, ok := val.(uint32)
		if !ok {
			return bad()
		}
		return parquet.Int32Value(int32(v)), nil
	case PrimitiveUint64:
		v, ok := val.(uint64)
		if !ok {
			return bad()
		}
		return parquet.Int64Value(int64(v)), nil
	case PrimitiveFloat32:
		v, ok := val.(float32)
		if !ok {
			return bad()
		}
		return parquet.FloatValue(v), nil
	case PrimitiveFloat64:
		v, ok := val.(float64)
		if !ok {
			return bad()
		}
		return parquet.DoubleValue(v), nil
	case PrimitiveString, PrimitiveEnum:
		v, ok := val.(string)
		if !ok {
			return bad()
		}
		return parquet.ByteArrayValue([]byte(v)), nil
	default:
		return bad()
	}
}
