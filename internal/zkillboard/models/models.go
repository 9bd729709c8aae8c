package models

import (
	esikillmails "go-kestrel/pkg/evegateway/killmails"
)

// ZKB is the zkillboard metadata envelope attached to each killmail
type ZKB struct {
	LocationID     int64   `json:"locationID,omitempty"`
	Hash           string  `json:"hash"`
	FittedValue    float64 `json:"fittedValue,omitempty"`
	DroppedValue   float64 `json:"droppedValue,omitempty"`
	DestroyedValue float64 `json:"destroyedValue,omitempty"`
	TotalValue     float64 `json:"totalValue,omitempty"`
	Points         int64   `json:"points,omitempty"`
	NPC            bool    `json:"npc,omitempty"`
	Solo           bool    `json:"solo,omitempty"`
	Awox           bool    `json:"awox,omitempty"`
}

// RedisQResponse is one poll result from the RedisQ endpoint. A null
// package means no killmail was waiting.
type RedisQResponse struct {
	Package *RedisQPackage `json:"package"`
}

// RedisQPackage wraps one killmail delivered through RedisQ
type RedisQPackage struct {
	KillID   int64                         `json:"killID"`
	ZKB      ZKB                           `json:"zkb"`
	Killmail *esikillmails.KillmailResponse `json:"killmail"`
}

// StreamMessage is one frame from the websocket killstream: a full
// killmail body with the zkb envelope inlined.
type StreamMessage struct {
	esikillmails.KillmailResponse
	ZKB ZKB `json:"zkb"`
}

// StreamSubscribe is the subscription frame sent after connecting
type StreamSubscribe struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// ExportRequest is the POST body of the bulk export endpoint
type ExportRequest struct {
	Filter  map[string]any `json:"filter"`
	Options ExportOptions  `json:"options"`
}

// ExportOptions pages an export
type ExportOptions struct {
	Limit int `json:"limit"`
	Skip  int `json:"skip"`
}

// ExportResponse is one page of exported killmails
type ExportResponse struct {
	Data       []ExportRecord   `json:"data"`
	Pagination ExportPagination `json:"pagination"`
}

// ExportRecord is one exported killmail: either a bare (id, hash)
// reference or a full body, depending on the export mode.
type ExportRecord struct {
	KillmailID int64                          `json:"killmail_id"`
	Hash       string                         `json:"hash"`
	ZKB        *ZKB                           `json:"zkb,omitempty"`
	Killmail   *esikillmails.KillmailResponse `json:"killmail,omitempty"`
}

// ExportPagination reports whether more pages exist
type ExportPagination struct {
	HasMore bool `json:"hasMore"`
}

// ListenerCounters are the cumulative counters a listener prints on stop
type ListenerCounters struct {
	Received   int64 `json:"received"`
	Enqueued   int64 `json:"enqueued"`
	Ingested   int64 `json:"ingested"`
	Duplicates int64 `json:"duplicates"`
	Filtered   int64 `json:"filtered"`
	Errors     int64 `json:"errors"`
}
