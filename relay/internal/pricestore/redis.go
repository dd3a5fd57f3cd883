package pricestore

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisStore keeps records as msgpack-encoded fields of one hash.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a store on the hash named key.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Get(ctx context.Context, symbol string) (Record, bool, error) {
	data, err := s.client.HGet(ctx, s.key, symbol).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, errors.Wrap(err, "failed to get price")
	}

	var rec Record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return Record{}, false, errors.Wrapf(err, "failed to decode price for %s", symbol)
	}
	return rec, true, nil
}

func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return errors.Wrap(err, "failed to encode price")
	}
	return errors.Wrap(s.client.HSet(ctx, s.key, rec.Symbol, data).Err(), "failed to set price")
}

// PutBatch writes all records with a single HSET.
func (s *RedisStore) PutBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(recs)*2)
	for i := range recs {
		data, err := msgpack.Marshal(&recs[i])
		if err != nil {
			return errors.Wrapf(err, "failed to encode price for %s", recs[i].Symbol)
		}
		values = append(values, recs[i].Symbol, data)
	}
	return errors.Wrap(s.client.HSet(ctx, s.key, values...).Err(), "failed to set prices")
}

// All returns every decodable record ordered by symbol.
func (s *RedisStore) All(ctx context.Context) ([]Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list prices")
	}

	out := make([]Record, 0, len(fields))
	for symbol, data := range fields {
		var rec Record
		if err := msgpack.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		rec.Symbol = symbol
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
