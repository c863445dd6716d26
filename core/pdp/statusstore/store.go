// Package statusstore mirrors tenant load statuses into Redis so operators
// and sibling instances can read them without reaching this process.
package statusstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/pdpsync/core/infra/logging"
	"github.com/cordum/pdpsync/core/infra/redisutil"
	"github.com/cordum/pdpsync/core/pdp/voter"
)

const (
	// StatusKey is the Redis hash holding one field per tenant.
	StatusKey = "cordum:pdp:status"

	writeTimeout = 2 * time.Second
)

// ErrNotFound is returned when no record exists for a tenant.
var ErrNotFound = errors.New("pdp status not found")

// Record is the persisted form of a tenant status.
type Record struct {
	Status     voter.Status `json:"status"`
	InstanceID string       `json:"instance_id"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Store writes statuses to a Redis hash. It implements voter.StatusListener.
type Store struct {
	client   redis.UniversalClient
	instance string
	now      func() time.Time
}

// New connects to url and returns a store tagging writes with instanceID.
func New(ctx context.Context, url, instanceID string) (*Store, error) {
	client, err := redisutil.Connect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("status store: %w", err)
	}
	return NewWithClient(client, instanceID), nil
}

func NewWithClient(client redis.UniversalClient, instanceID string) *Store {
	return &Store{client: client, instance: instanceID, now: time.Now}
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Put stores st under its tenant id.
func (s *Store) Put(ctx context.Context, st voter.Status) error {
	if st.PdpID == "" {
		return fmt.Errorf("pdp id required")
	}
	payload, err := json.Marshal(Record{Status: st, InstanceID: s.instance, UpdatedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return s.client.HSet(ctx, StatusKey, st.PdpID, payload).Err()
}

// Delete removes the tenant's record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, pdpID string) error {
	return s.client.HDel(ctx, StatusKey, pdpID).Err()
}

// Get returns the record for pdpID or ErrNotFound.
func (s *Store) Get(ctx context.Context, pdpID string) (*Record, error) {
	data, err := s.client.HGet(ctx, StatusKey, pdpID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal status %s: %w", pdpID, err)
	}
	return &rec, nil
}

// All returns every stored record ordered by tenant id. Undecodable fields
// are skipped and logged.
func (s *Store) All(ctx context.Context) ([]Record, error) {
	fields, err := s.client.HGetAll(ctx, StatusKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(fields))
	for id, raw := range fields {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			logging.Warn("status-store", "skipping undecodable record", "pdp_id", id, "error", err)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status.PdpID < out[j].Status.PdpID })
	return out, nil
}

// OnStatus persists a transition. Failures are logged; the in-memory
// status remains authoritative.
func (s *Store) OnStatus(st voter.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.Put(ctx, st); err != nil {
		logging.Error("status-store", "persist status failed", "pdp_id", st.PdpID, "error", err)
	}
}

func (s *Store) OnRemoved(pdpID string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.Delete(ctx, pdpID); err != nil {
		logging.Error("status-store", "delete status failed", "pdp_id", pdpID, "error", err)
	}
}
