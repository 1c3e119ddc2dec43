package models

import (
	"strconv"
	"time"
)

// UsageRecord is one attempted provider call
type UsageRecord struct {
	ID           int64
	RequestID    string
	Provider     string
	Model        string
	ResponseTime float64 // seconds
	Success      bool
	ErrorMessage *string
	Timestamp    time.Time
}

// ProviderUsageStats aggregates usage records for a single provider
type ProviderUsageStats struct {
	TotalCalls      int     `json:"total_calls"`
	AvgResponseTime float64 `json:"avg_response_time"`
	SuccessRate     float64 `json:"success_rate"`
}

// SharedKey is a user-contributed provider credential, stored encrypted
type SharedKey struct {
	ID           int64
	Provider     string
	EncryptedKey string
	IsActive     bool
	IsExhausted  bool
	LastUsedAt   *time.Time
	ExhaustedAt  *time.Time
	CreatedAt    time.Time
}

// Name returns the display name used for a shared key in logs
func (k SharedKey) Name() string {
	return k.Provider + "_shared_" + strconv.FormatInt(k.ID, 10)
}
