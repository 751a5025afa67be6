// Package remotetest provides an in-memory central store implementing
// service.Transport, for exercising sync between several local databases.
package remotetest

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/partokit/chartstore/internal/service"
)

type key struct {
	table, id string
}

// Remote is an in-memory central store. It hands out a single increasing
// server version across all tables and accepts a push only when the pusher
// has seen the current server version of the record.
type Remote struct {
	mu       sync.Mutex
	version  int64
	records  map[key]service.RemoteRecord
	pushErr  error
	rejected int
}

// New creates an empty remote.
func New() *Remote {
	return &Remote{records: make(map[key]service.RemoteRecord)}
}

// Push implements service.Transport.
func (r *Remote) Push(_ context.Context, items []service.PushItem) ([]service.Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.pushErr; err != nil {
		r.pushErr = nil
		return nil, err
	}

	acks := make([]service.Ack, 0, len(items))
	for _, item := range items {
		k := key{item.Table, item.ID}
		if cur, ok := r.records[k]; ok && cur.ServerVersion != item.BaseServerVersion {
			r.rejected++
			continue
		}

		var meta struct {
			DeviceID string `json:"device_id"`
		}
		_ = json.Unmarshal(item.Entity, &meta)

		r.version++
		r.records[k] = service.RemoteRecord{
			Table:         item.Table,
			ID:            item.ID,
			ServerVersion: r.version,
			ContentHash:   item.ContentHash,
			Deleted:       item.Deleted,
			DeviceID:      meta.DeviceID,
			Entity:        slices.Clone(item.Entity),
		}
		acks = append(acks, service.Ack{
			Table:         item.Table,
			ID:            item.ID,
			LocalVersion:  item.LocalVersion,
			ServerVersion: r.version,
		})
	}
	return acks, nil
}

// Pull implements service.Transport.
func (r *Remote) Pull(_ context.Context, table string, since int64, limit int) (service.PullPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var newer []service.RemoteRecord
	for k, rec := range r.records {
		if k.table == table && rec.ServerVersion > since {
			newer = append(newer, rec)
		}
	}
	slices.SortFunc(newer, func(a, b service.RemoteRecord) int {
		return int(a.ServerVersion - b.ServerVersion)
	})

	page := service.PullPage{Next: since}
	if limit > 0 && len(newer) > limit {
		newer = newer[:limit]
		page.More = true
	}
	page.Records = newer
	if len(newer) > 0 {
		page.Next = newer[len(newer)-1].ServerVersion
	}
	return page, nil
}

// Put stores a record as if another device had pushed it, assigning the
// next server version, which it returns.
func (r *Remote) Put(rec service.RemoteRecord) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.version++
	rec.ServerVersion = r.version
	r.records[key{rec.Table, rec.ID}] = rec
	return r.version
}

// Get returns the current remote version of a record.
func (r *Remote) Get(table, id string) (service.RemoteRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key{table, id}]
	return rec, ok
}

// FailNextPush makes the next Push return err.
func (r *Remote) FailNextPush(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushErr = err
}

// Rejected returns how many pushed items were refused as stale.
func (r *Remote) Rejected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected
}
