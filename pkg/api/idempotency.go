package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultIdempotencyTTL is how long a cached response replays.
const DefaultIdempotencyTTL = 5 * time.Minute

// cachedResponse is a stored response for idempotent replay.
type cachedResponse struct {
	StatusCode int    `json:"status_code"`
	Body       []byte `json:"body"`
	CachedAt   time.Time
}

// IdempotencyStore caches responses by Idempotency-Key. Reserve claims
// a key before the handler runs; exactly one concurrent caller wins the
// claim, so duplicates can never execute the side effect in parallel.
// Set publishes the response and clears the claim; Release clears the
// claim without publishing, so a failed request can be retried.
type IdempotencyStore interface {
	Check(ctx context.Context, key string) (*cachedResponse, bool)
	Reserve(ctx context.Context, key string) bool
	Set(ctx context.Context, key string, statusCode int, body []byte)
	Release(ctx context.Context, key string)
}

// MemoryIdempotencyStore is the single-process store.
type MemoryIdempotencyStore struct {
	mu       sync.RWMutex
	entries  map[string]*cachedResponse
	inflight map[string]struct{}
	ttl      time.Duration
}

// NewMemoryIdempotencyStore builds one (ttl 0 means the default) and
// starts background expiry.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	s := &MemoryIdempotencyStore{
		entries:  make(map[string]*cachedResponse),
		inflight: make(map[string]struct{}),
		ttl:      ttl,
	}
	go s.expire()
	return s
}

func (s *MemoryIdempotencyStore) expire() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		for k, v := range s.entries {
			if time.Since(v.CachedAt) > s.ttl {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

func (s *MemoryIdempotencyStore) Check(ctx context.Context, key string) (*cachedResponse, bool) {
	s.mu.RLock()
	cached, ok := s.entries[key]
	s.mu.RUnlock()
	if ok && time.Since(cached.CachedAt) < s.ttl {
		return cached, true
	}
	return nil, false
}

func (s *MemoryIdempotencyStore) Reserve(ctx context.Context, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.entries[key]; ok && time.Since(cached.CachedAt) < s.ttl {
		return false
	}
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *MemoryIdempotencyStore) Set(ctx context.Context, key string, statusCode int, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &cachedResponse{StatusCode: statusCode, Body: body, CachedAt: time.Now()}
	delete(s.inflight, key)
}

func (s *MemoryIdempotencyStore) Release(ctx context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
}

// RedisIdempotencyStore shares the replay cache across processes.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisIdempotencyStore builds one (ttl 0 means the default).
func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisIdempotencyStore{client: client, ttl: ttl, prefix: "warden:idem:"}
}

func (s *RedisIdempotencyStore) Check(ctx context.Context, key string) (*cachedResponse, bool) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var cached cachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, false
	}
	return &cached, true
}

// Reserve claims the key with SET NX. The marker value is not valid
// JSON, so Check treats an in-flight key as a miss until Set overwrites
// it with the real response. Transport errors fail open rather than
// blocking every request behind an unreachable Redis.
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string) bool {
	ok, err := s.client.SetNX(ctx, s.prefix+key, "pending", s.ttl).Result()
	if err != nil {
		return true
	}
	return ok
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) {
	s.client.Del(ctx, s.prefix+key)
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, statusCode int, body []byte) {
	raw, err := json.Marshal(cachedResponse{StatusCode: statusCode, Body: body, CachedAt: time.Now()})
	if err != nil {
		return
	}
	s.client.Set(ctx, s.prefix+key, raw, s.ttl)
}

func replay(w http.ResponseWriter, cached *cachedResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotency-Replayed", "true")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}

type captureWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.statusCode = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	cw.body.Write(b)
	return cw.ResponseWriter.Write(b)
}

// Idempotency replays cached responses for repeated Idempotency-Key
// values. Paths listed in requiredPaths reject POSTs without a key, so
// a retried execute can never run the side effect twice.
func Idempotency(store IdempotencyStore, requiredPaths ...string) func(http.Handler) http.Handler {
	required := make(map[string]bool, len(requiredPaths))
	for _, p := range requiredPaths {
		required[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
			default:
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				if required[r.URL.Path] {
					WriteError(w, r, http.StatusBadRequest, "Bad Request",
						"Idempotency-Key header is required on this endpoint")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if cached, ok := store.Check(r.Context(), key); ok {
				replay(w, cached)
				return
			}

			// Claim the key before dispatching. A duplicate that lost
			// the claim either replays the response the winner stored
			// in the meantime or reports the in-flight conflict; it
			// never reaches the handler.
			if !store.Reserve(r.Context(), key) {
				if cached, ok := store.Check(r.Context(), key); ok {
					replay(w, cached)
					return
				}
				WriteError(w, r, http.StatusConflict, "Conflict",
					"a request with this Idempotency-Key is already in flight")
				return
			}

			capture := &captureWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)
			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Set(r.Context(), key, capture.statusCode, capture.body.Bytes())
			} else {
				store.Release(r.Context(), key)
			}
		})
	}
}
