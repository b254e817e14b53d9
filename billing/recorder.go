package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recorder receives run outcomes for metrics. Implemented by the metrics
// package; NopRecorder is the default.
type Recorder interface {
	RecordGeneration(status GenerationStatus, created, failed int, total decimal.Decimal, elapsed time.Duration)
	RecordOverdue(transitioned int)
	RecordAccrual(updated, conflicts int)
}

type NopRecorder struct{}

func (NopRecorder) RecordGeneration(GenerationStatus, int, int, decimal.Decimal, time.Duration) {}
func (NopRecorder) RecordOverdue(int)                                                            {}
func (NopRecorder) RecordAccrual(int, int)                                                       {}
