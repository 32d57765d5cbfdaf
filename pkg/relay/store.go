package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = fmt.Errorf("not found")

// MeshRecord is a registered mesh as the relay remembers it. The public
// key is pinned at first registration and later registrations must
// present the same key.
type MeshRecord struct {
	MeshID       string    `json:"mesh_id"`
	Name         string    `json:"name,omitempty"`
	PublicKey    string    `json:"public_key"` // base64 Ed25519
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// DeviceRecord tracks when a node was last connected through the relay.
type DeviceRecord struct {
	MeshID   string    `json:"mesh_id"`
	NodeID   string    `json:"node_id"`
	LastSeen time.Time `json:"last_seen"`
}

// Store persists mesh registrations, device sightings, and counters.
type Store interface {
	UpsertMesh(ctx context.Context, rec *MeshRecord) error
	GetMesh(ctx context.Context, meshID string) (*MeshRecord, error)
	ListMeshes(ctx context.Context) ([]MeshRecord, error)
	TouchDevice(ctx context.Context, meshID, nodeID string) error
	ListDevices(ctx context.Context, meshID string) ([]DeviceRecord, error)
	IncrStat(ctx context.Context, name string, n int64) error
	Stats(ctx context.Context) (map[string]int64, error)
	Close() error
}

// --- Redis-backed store ---

const (
	keyPrefixMesh   = "atm:mesh:"
	keyPrefixDevice = "atm:device:" // atm:device:<mesh_id>:<node_id>
	keyIndexMeshes  = "atm:idx:meshes"
	keyIndexDevices = "atm:idx:devices:" // SET of node IDs per mesh
	keyStats        = "atm:stats"        // HASH of counters
)

// RedisStore keeps relay state in Redis so a restarted relay still
// knows its meshes.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects and pings; a dead Redis fails construction.
func NewRedisStore(addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
		DialTimeout:  2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) UpsertMesh(ctx context.Context, rec *MeshRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal mesh: %w", err)
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, keyPrefixMesh+rec.MeshID, data, 0)
	pipe.SAdd(ctx, keyIndexMeshes, rec.MeshID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store mesh: %w", err)
	}
	return nil
}

func (s *RedisStore) GetMesh(ctx context.Context, meshID string) (*MeshRecord, error) {
	data, err := s.rdb.Get(ctx, keyPrefixMesh+meshID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("mesh %s: %w", meshID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get mesh: %w", err)
	}
	var rec MeshRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal mesh: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) ListMeshes(ctx context.Context) ([]MeshRecord, error) {
	ids, err := s.rdb.SMembers(ctx, keyIndexMeshes).Result()
	if err != nil {
		return nil, fmt.Errorf("list mesh IDs: %w", err)
	}
	out := make([]MeshRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetMesh(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeshID < out[j].MeshID })
	return out, nil
}

func (s *RedisStore) TouchDevice(ctx context.Context, meshID, nodeID string) error {
	rec := DeviceRecord{MeshID: meshID, NodeID: nodeID, LastSeen: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, keyPrefixDevice+meshID+":"+nodeID, data, 0)
	pipe.SAdd(ctx, keyIndexDevices+meshID, nodeID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListDevices(ctx context.Context, meshID string) ([]DeviceRecord, error) {
	ids, err := s.rdb.SMembers(ctx, keyIndexDevices+meshID).Result()
	if err != nil {
		return nil, fmt.Errorf("list device IDs: %w", err)
	}
	out := make([]DeviceRecord, 0, len(ids))
	for _, id := range ids {
		data, err := s.rdb.Get(ctx, keyPrefixDevice+meshID+":"+id).Bytes()
		if err != nil {
			continue
		}
		var rec DeviceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (s *RedisStore) IncrStat(ctx context.Context, name string, n int64) error {
	return s.rdb.HIncrBy(ctx, keyStats, name, n).Err()
}

func (s *RedisStore) Stats(ctx context.Context) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, keyStats).Result()
	if err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		var n int64
		fmt.Sscanf(v, "%d", &n)
		out[k] = n
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// --- In-memory store ---

// MemoryStore backs a relay without Redis. State is lost on restart,
// which only costs meshes a re-registration.
type MemoryStore struct {
	mu      sync.RWMutex
	meshes  map[string]*MeshRecord
	devices map[string]*DeviceRecord // mesh:node
	stats   map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meshes:  make(map[string]*MeshRecord),
		devices: make(map[string]*DeviceRecord),
		stats:   make(map[string]int64),
	}
}

func (s *MemoryStore) UpsertMesh(_ context.Context, rec *MeshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rec
	s.meshes[rec.MeshID] = &copied
	return nil
}

func (s *MemoryStore) GetMesh(_ context.Context, meshID string) (*MeshRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.meshes[meshID]
	if !ok {
		return nil, fmt.Errorf("mesh %s: %w", meshID, ErrNotFound)
	}
	copied := *rec
	return &copied, nil
}

func (s *MemoryStore) ListMeshes(_ context.Context) ([]MeshRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MeshRecord, 0, len(s.meshes))
	for _, rec := range s.meshes {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeshID < out[j].MeshID })
	return out, nil
}

func (s *MemoryStore) TouchDevice(_ context.Context, meshID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[meshID+":"+nodeID] = &DeviceRecord{
		MeshID:   meshID,
		NodeID:   nodeID,
		LastSeen: time.Now().UTC(),
	}
	return nil
}

func (s *MemoryStore) ListDevices(_ context.Context, meshID string) ([]DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeviceRecord, 0)
	for _, rec := range s.devices {
		if rec.MeshID == meshID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (s *MemoryStore) IncrStat(_ context.Context, name string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[name] += n
	return nil
}

func (s *MemoryStore) Stats(_ context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.stats))
	for k, v := range s.stats {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
