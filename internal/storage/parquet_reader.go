package storage

import (
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"go.uber.org/zap"

	"seriesview/internal/logger"
)

// ReadSegment decodes every row of the parquet file at path.
func ReadSegment(path string, parallel int64) ([]SampleRecord, error) {
	if parallel <= 0 {
		parallel = 4
	}

	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(SampleRecord), parallel)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	numRows := int(pr.GetNumRows())
	records := make([]SampleRecord, numRows)
	if numRows > 0 {
		if err := pr.Read(&records); err != nil {
			return nil, fmt.Errorf("failed to read records: %w", err)
		}
	}

	logger.GetLogger().Debug("read parquet segment",
		zap.String("file", path),
		zap.Int("rows", numRows))
	return records, nil
}

// DecodeSegment writes data to a scratch file in dir and decodes it.
func DecodeSegment(dir string, data []byte) ([]SampleRecord, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	f, err := os.CreateTemp(dir, "fetch-*.parquet")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write scratch file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return ReadSegment(path, 0)
}
