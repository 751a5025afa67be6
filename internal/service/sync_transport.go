package service

import (
	"context"
	"encoding/json"
)

// PushItem is one locally pending record offered to the central store.
type PushItem struct {
	Table string `json:"table" validate:"required"`
	ID    string `json:"id" validate:"required,uuid"`
	// BaseServerVersion is the last server version this device saw for the record.
	BaseServerVersion int64           `json:"base_server_version" validate:"gte=0"`
	LocalVersion      int64           `json:"local_version" validate:"gte=1"`
	ContentHash       string          `json:"content_hash" validate:"required"`
	Deleted           bool            `json:"deleted"`
	Entity            json.RawMessage `json:"entity" validate:"required"`
}

// Ack is the central store's acceptance of a pushed version.
type Ack struct {
	Table         string `json:"table" validate:"required"`
	ID            string `json:"id" validate:"required"`
	LocalVersion  int64  `json:"local_version" validate:"gte=1"`
	ServerVersion int64  `json:"server_version" validate:"gte=1"`
}

// RemoteRecord is a record version held by the central store.
type RemoteRecord struct {
	Table         string          `json:"table" validate:"required"`
	ID            string          `json:"id" validate:"required,uuid"`
	ServerVersion int64           `json:"server_version" validate:"gte=1"`
	ContentHash   string          `json:"content_hash"`
	Deleted       bool            `json:"deleted"`
	DeviceID      string          `json:"device_id"`
	Entity        json.RawMessage `json:"entity" validate:"required"`
}

// PullPage is one page of remote changes, ordered by server version.
type PullPage struct {
	Records []RemoteRecord `json:"records"`
	// Next is the server version to pull after.
	Next int64 `json:"next"`
	More bool  `json:"more"`
}

// Transport is the channel to the central store. Its wire format is not the
// concern of this package.
type Transport interface {
	// Push offers pending records and returns an ack for each accepted one.
	// Records the central store rejects are simply not acknowledged.
	Push(ctx context.Context, items []PushItem) ([]Ack, error)
	// Pull returns records of table with a server version above since.
	Pull(ctx context.Context, table string, since int64, limit int) (PullPage, error)
}
