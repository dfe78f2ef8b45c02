package models

import "time"

// Instrument is a tradable code and the day it was listed
type Instrument struct {
	Code        string    `json:"code"`
	ListingDate time.Time `json:"listing_date"`
	Delisted    bool      `json:"delisted,omitempty"`
}

// SourceProfile holds the operating limits of one source for one kind
type SourceProfile struct {
	Name         string    `json:"name"`
	Kind         DataKind  `json:"kind"`
	RowLimit     int       `json:"row_limit"`
	Concurrency  int       `json:"concurrency"`
	EarliestDate time.Time `json:"earliest_date"`
	MultiCode    bool      `json:"multi_code"`
	MaxBatch     int       `json:"max_batch,omitempty"`
	Table        string    `json:"table"`
}
