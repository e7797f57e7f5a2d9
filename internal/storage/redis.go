package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "longrunner/pkg/logx"
)

const (
	defaultRedisPrefix = "longrunner:"
	redisAuditMax      = 10000
	redisMGetBatch     = 200
)

// redisStore keeps one JSON value per sequence and a sorted set of IDs
// scored by update time. Writes are optimistic WATCH/MULTI transactions.
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedisStore(client, cfg.Redis.Prefix, log), nil
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{client: client, prefix: prefix, log: log}
}

func (s *redisStore) seqKey(id string) string { return s.prefix + "seq:" + id }
func (s *redisStore) indexKey() string        { return s.prefix + "seq:index" }
func (s *redisStore) auditKey() string        { return s.prefix + "audit" }

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) PutSequence(ctx context.Context, rec SequenceRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	key := s.seqKey(rec.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, found, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := checkGeneration(rec, cur, found); err != nil {
			return err
		}
		stampRecord(&rec, cur.CreatedAt)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal sequence: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(rec.UpdatedAt.UnixMilli()), Member: rec.ID})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s changed during write", ErrConflict, rec.ID)
	}
	return err
}

func (s *redisStore) load(ctx context.Context, c redis.Cmdable, key string) (SequenceRecord, bool, error) {
	b, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return SequenceRecord{}, false, nil
	}
	if err != nil {
		return SequenceRecord{}, false, err
	}
	var r SequenceRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return SequenceRecord{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return r, true, nil
}

func (s *redisStore) GetSequence(ctx context.Context, id string) (SequenceRecord, error) {
	r, found, err := s.load(ctx, s.client, s.seqKey(id))
	if err != nil {
		return SequenceRecord{}, err
	}
	if !found {
		return SequenceRecord{}, ErrNotFound
	}
	return r, nil
}

func (s *redisStore) DeleteSequence(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.seqKey(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// scan walks the index in update order and decodes records in batches.
func (s *redisStore) scan(ctx context.Context, max time.Time, fn func(SequenceRecord) bool) error {
	maxScore := "+inf"
	if !max.IsZero() {
		maxScore = "(" + strconv.FormatInt(max.UnixMilli(), 10)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
	if err != nil {
		return err
	}
	for start := 0; start < len(ids); start += redisMGetBatch {
		end := min(start+redisMGetBatch, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, s.seqKey(id))
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				// Index entry without a value: drop it.
				s.client.ZRem(ctx, s.indexKey(), ids[start+i])
				continue
			}
			var r SequenceRecord
			if err := json.Unmarshal([]byte(str), &r); err != nil {
				s.log.Warn("undecodable sequence in redis", logx.String("id", ids[start+i]), logx.Err(err))
				continue
			}
			if !fn(r) {
				return nil
			}
		}
	}
	return nil
}

func (s *redisStore) ListSequences(ctx context.Context, f SequenceFilter) ([]SequenceRecord, error) {
	var out []SequenceRecord
	err := s.scan(ctx, f.UpdatedBefore, func(r SequenceRecord) bool {
		if f.match(r) {
			out = append(out, r)
		}
		return f.Limit <= 0 || len(out) < f.Limit
	})
	if err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (s *redisStore) PruneSequences(ctx context.Context, before time.Time, states []string) (int, error) {
	var doomed []string
	err := s.scan(ctx, before, func(r SequenceRecord) bool {
		if pruneMatch(r, before, states) {
			doomed = append(doomed, r.ID)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, id := range doomed {
		if err := s.DeleteSequence(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.auditKey(), data)
	pipe.LTrim(ctx, s.auditKey(), -redisAuditMax, -1)
	_, err = pipe.Exec(ctx)
	return err
}
