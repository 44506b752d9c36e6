package subscription

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"

	"seriesview/internal/source"
)

// SampleBatch is the wire payload of live ingest.
type SampleBatch struct {
	Series  string          `json:"series"`
	BatchID string          `json:"batch_id,omitempty"`
	Samples []source.Sample `json:"samples"`
}

// NewSampleBatch builds a batch with a fresh batch id.
func NewSampleBatch(series string, samples []source.Sample) *SampleBatch {
	return &SampleBatch{
		Series:  series,
		BatchID: uuid.New().String(),
		Samples: samples,
	}
}

// ToJSON encodes the batch.
func (b *SampleBatch) ToJSON() ([]byte, error) {
	return json.Marshal(b)
}

// Validate checks the batch names a series and carries finite timestamps.
func (b *SampleBatch) Validate() error {
	if b.Series == "" {
		return fmt.Errorf("%w: series is required", ErrInvalidBatch)
	}
	for i, s := range b.Samples {
		if math.IsNaN(s.Timestamp) || math.IsInf(s.Timestamp, 0) {
			return fmt.Errorf("%w: sample %d has a non-finite timestamp", ErrInvalidBatch, i)
		}
	}
	return nil
}

// DecodeBatch parses data. A missing series is taken from fallbackSeries.
func DecodeBatch(data []byte, fallbackSeries string) (*SampleBatch, error) {
	var b SampleBatch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	if b.Series == "" {
		b.Series = fallbackSeries
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}
