package parquet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/decimal128"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/wegman-software/osmgraph-go/internal/element"
)

// CoordType stores coordinates as exact fixed-point decimals (1e-7 degrees)
var CoordType = &arrow.Decimal128Type{Precision: 10, Scale: element.CoordScale}

// TagsToJSON converts tags to a JSON object string
func TagsToJSON(tags element.Tags) string {
	if len(tags) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(map[string]string(tags))
	return string(b)
}

// tableWriter streams rows of one schema into a Parquet file, flushing a
// record batch every batchSize rows
type tableWriter struct {
	file      *os.File
	writer    *pqarrow.FileWriter
	builder   *array.RecordBuilder
	batchSize int
	count     int
	rows      int64
}

func newTableWriter(path string, schema *arrow.Schema, batchSize int) (*tableWriter, error) {
	if batchSize < 1 {
		batchSize = 1
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(false),
	)

	writer, err := pqarrow.NewFileWriter(schema, f, writerProps, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create parquet writer for %s: %w", path, err)
	}

	return &tableWriter{
		file:      f,
		writer:    writer,
		builder:   array.NewRecordBuilder(memory.DefaultAllocator, schema),
		batchSize: batchSize,
	}, nil
}

// rowDone must be called after all fields of a row were appended
func (w *tableWriter) rowDone() error {
	w.count++
	w.rows++
	if w.count >= w.batchSize {
		return w.flush()
	}
	return nil
}

func (w *tableWriter) flush() error {
	if w.count == 0 {
		return nil
	}
	rec := w.builder.NewRecord()
	defer rec.Release()
	err := w.writer.Write(rec)
	w.count = 0
	return err
}

// Close flushes pending rows and closes the file
func (w *tableWriter) Close() error {
	defer w.builder.Release()
	err := w.flush()
	if cerr := w.writer.Close(); err == nil {
		err = cerr
	}
	// the parquet writer may already have closed the file
	if cerr := w.file.Close(); err == nil && !errors.Is(cerr, os.ErrClosed) {
		err = cerr
	}
	return err
}

func (w *tableWriter) int64At(i int) *array.Int64Builder {
	return w.builder.Field(i).(*array.Int64Builder)
}

func (w *tableWriter) int32At(i int) *array.Int32Builder {
	return w.builder.Field(i).(*array.Int32Builder)
}

func (w *tableWriter) stringAt(i int) *array.StringBuilder {
	return w.builder.Field(i).(*array.StringBuilder)
}

func (w *tableWriter) binaryAt(i int) *array.BinaryBuilder {
	return w.builder.Field(i).(*array.BinaryBuilder)
}

func (w *tableWriter) appendCoord(i int, c element.Coord) {
	w.builder.Field(i).(*array.Decimal128Builder).Append(decimal128.FromI64(int64(c)))
}

func (w *tableWriter) appendIDs(i int, ids []int64) {
	lb := w.builder.Field(i).(*array.ListBuilder)
	lb.Append(true)
	lb.ValueBuilder().(*array.Int64Builder).AppendValues(ids, nil)
}
