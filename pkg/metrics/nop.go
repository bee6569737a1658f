package metrics

import "CryptoPull/internal/domain/models"

// Nop discards every observation. Used by tests and when metrics are disabled.
type Nop struct{}

func (Nop) RecordTransportRequest(string, string, float64) {}
func (Nop) RecordRetry(string)                             {}
func (Nop) RecordRateLimited(string)                       {}
func (Nop) RecordBreakerState(string, models.BreakerState) {}
func (Nop) RecordCacheLookup(bool)                         {}
func (Nop) RecordCacheDedup(int64)                         {}
func (Nop) RecordCacheEvictions(int)                       {}
func (Nop) RecordPipelineRows(string, string, int)         {}
func (Nop) RecordPipelineFailure(string)                   {}
func (Nop) RecordStageLatency(string, float64)             {}
func (Nop) RecordQualityScore(string, string, float64)     {}
func (Nop) RecordVaR(string, float64, float64)             {}
func (Nop) RecordTRS(int, float64, models.TRSStatus)       {}
func (Nop) RecordOrder(string, models.OrderStatus)         {}
func (Nop) RecordExecution(string, float64, float64)       {}
func (Nop) SetEmergency(bool)                              {}
func (Nop) RecordError(string)                             {}
func (Nop) RecordLastPrice(string, float64)                {}
func (Nop) RecordLatency(string, float64)                  {}
