package model

import "time"

// CacheStatus is the stored outcome of a cached query.
type CacheStatus string

const (
	CacheStatusSuccess CacheStatus = "success"
	CacheStatusError   CacheStatus = "error"
)

// CacheRecord is one permanent (source, query) response. At most one row
// exists per (SourceType, QueryHash); later writes replace earlier ones.
type CacheRecord struct {
	SourceType     SourceType  `json:"source_type"`
	QueryHash      string      `json:"query_hash"`
	Query          string      `json:"query"`
	ResponseStatus CacheStatus `json:"response_status"`
	Payload        []byte      `json:"payload,omitempty"`
	Compressed     bool        `json:"compressed"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	CostUSD        float64     `json:"cost_usd"`
	QueriedAt      time.Time   `json:"queried_at"`
}

// CacheStat counts cached rows for one source and status.
type CacheStat struct {
	SourceType SourceType  `json:"source_type"`
	Status     CacheStatus `json:"status"`
	Count      int         `json:"count"`
}
