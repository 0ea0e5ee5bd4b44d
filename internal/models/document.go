package models

import "time"

// Document is a single JSON record. Field values are whatever encoding/json
// produces: string, float64, bool, nil, []any, map[string]any.
type Document map[string]any

// QueryResult is the outcome of running a filter against a collection.
type QueryResult struct {
	Collection string     `json:"collection"`
	Revision   uint64     `json:"revision"`
	Count      int        `json:"count"`
	Documents  []Document `json:"documents"`
	Scanned    int        `json:"scanned"`
	Timestamp  time.Time  `json:"timestamp"`
	Cached     bool       `json:"cached,omitempty"` // Result served from the query cache
}

// CollectionInfo summarizes a collection for listings and stats endpoints.
type CollectionInfo struct {
	Name      string `json:"name"`
	Documents int    `json:"documents"`
	Revision  uint64 `json:"revision"`
}
