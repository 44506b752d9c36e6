package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap"

	"seriesview/internal/logger"
)

// SampleRecord is the parquet row layout of an archived sample.
type SampleRecord struct {
	T float64 `parquet:"name=t, type=DOUBLE"`
	V float64 `parquet:"name=v, type=DOUBLE"`
}

// ParquetWriterConfig tunes segment encoding.
type ParquetWriterConfig struct {
	RowGroupSize    int64
	PageSize        int64
	CompressionType string
	ParallelNumber  int64
}

// DefaultParquetWriterConfig returns snappy-compressed settings.
func DefaultParquetWriterConfig() *ParquetWriterConfig {
	return &ParquetWriterConfig{
		RowGroupSize:    128 * 1024 * 1024,
		PageSize:        8 * 1024,
		CompressionType: "snappy",
		ParallelNumber:  4,
	}
}

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "lz4":
		return parquet.CompressionCodec_LZ4
	case "zstd":
		return parquet.CompressionCodec_ZSTD
	case "none", "uncompressed":
		return parquet.CompressionCodec_UNCOMPRESSED
	default:
		return parquet.CompressionCodec_SNAPPY
	}
}

// WriteSegment writes records to a parquet file at path.
func WriteSegment(path string, records []SampleRecord, config *ParquetWriterConfig) error {
	if config == nil {
		config = DefaultParquetWriterConfig()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to create file writer: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(SampleRecord), config.ParallelNumber)
	if err != nil {
		fw.Close()
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.RowGroupSize = config.RowGroupSize
	pw.PageSize = config.PageSize
	pw.CompressionType = compressionCodec(config.CompressionType)

	for i := range records {
		if err := pw.Write(&records[i]); err != nil {
			pw.WriteStop()
			fw.Close()
			return fmt.Errorf("failed to write record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("failed to stop parquet writer: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	logger.GetLogger().Debug("wrote parquet segment",
		zap.String("file", path),
		zap.Int("rows", len(records)),
		zap.String("compression", config.CompressionType))
	return nil
}

// EncodeSegment encodes records through a scratch file in dir and returns
// the parquet bytes.
func EncodeSegment(dir string, records []SampleRecord, config *ParquetWriterConfig) ([]byte, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	f, err := os.CreateTemp(dir, "segment-*.parquet")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch file: %w", err)
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	if err := WriteSegment(path, records, config); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}
