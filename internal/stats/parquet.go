package stats

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
)

var rowSchema = arrow.NewSchema([]arrow.Field{
	{Name: "bucket_ms", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	{Name: "axis", Type: arrow.BinaryTypes.String, Nullable: false},
	{Name: "key", Type: arrow.BinaryTypes.String, Nullable: false},
	{Name: "count", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
}, nil)

// ParquetSink writes one stats-<sequence>.parquet file per batch
type ParquetSink struct {
	dir string
}

// NewParquetSink creates a sink writing into dir
func NewParquetSink(dir string) (*ParquetSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parquet directory: %w", err)
	}
	return &ParquetSink{dir: dir}, nil
}

// Name returns "parquet"
func (s *ParquetSink) Name() string { return "parquet" }

// FilePath returns the file written for seq
func (s *ParquetSink) FilePath(seq int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("stats-%d.parquet", seq))
}

// Write stores the rows of both collations
func (s *ParquetSink) Write(ctx context.Context, snap *Snapshot) error {
	path := s.FilePath(snap.Sequence)
	tmpFile := path + ".tmp"

	if err := writeRows(tmpFile, snap.Rows()); err != nil {
		os.Remove(tmpFile)
		return err
	}
	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename %s: %w", tmpFile, err)
	}
	return nil
}

// Close is a no-op, every file is closed after its batch
func (s *ParquetSink) Close() error { return nil }

func writeRows(path string, rows []Row) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(true),
	)

	writer, err := pqarrow.NewFileWriter(rowSchema, f, writerProps, pqarrow.DefaultWriterProps())
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}

	builder := array.NewRecordBuilder(memory.DefaultAllocator, rowSchema)
	defer builder.Release()

	for _, row := range rows {
		builder.Field(0).(*array.Int64Builder).Append(row.BucketMs)
		builder.Field(1).(*array.StringBuilder).Append(string(row.Axis))
		builder.Field(2).(*array.StringBuilder).Append(row.Key)
		builder.Field(3).(*array.Int64Builder).Append(row.Count)
	}

	rec := builder.NewRecord()
	err = writer.Write(rec)
	rec.Release()
	if err != nil {
		writer.Close()
		return fmt.Errorf("failed to write rows: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}
