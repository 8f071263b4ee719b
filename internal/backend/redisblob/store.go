// Package redisblob stores configuration blobs in Redis. Each location is one
// Redis instance; a blob is a hash holding the payload and a version counter
// that serves as its etag.
package redisblob

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devrev/chaintable/internal/backend"
	tableerrors "github.com/devrev/chaintable/internal/errors"
)

const (
	fieldData    = "data"
	fieldVersion = "version"
)

// Store implements backend.BlobStore on a Redis instance
type Store struct {
	name      string
	keyPrefix string
	client    redis.UniversalClient
	logger    *zap.Logger
}

// NewStore connects to a Redis location
func NewStore(name, addr, password string, db int, keyPrefix string, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Configuration location not reachable at startup",
			zap.String("location", name),
			zap.String("addr", addr),
			zap.Error(err))
	}

	return NewStoreWithClient(name, client, keyPrefix, logger), nil
}

// NewStoreWithClient wraps an existing client
func NewStoreWithClient(name string, client redis.UniversalClient, keyPrefix string, logger *zap.Logger) *Store {
	return &Store{name: name, keyPrefix: keyPrefix, client: client, logger: logger}
}

// Name returns the location name
func (s *Store) Name() string {
	return s.name
}

// Ping checks the Redis connection
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.unavailable(err)
	}
	return nil
}

// Close closes the Redis client
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(key string) string {
	return s.keyPrefix + key
}

// Read returns the blob payload and version
func (s *Store) Read(ctx context.Context, key string) ([]byte, string, error) {
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, "", s.unavailable(err)
	}
	version, ok := fields[fieldVersion]
	if !ok {
		return nil, "", tableerrors.New(tableerrors.ErrCodeNotFound, "blob not found: "+key, nil)
	}
	return []byte(fields[fieldData]), version, nil
}

// Write replaces the blob when its version matches etag. The check and the
// write run under WATCH so a concurrent writer aborts the transaction.
func (s *Store) Write(ctx context.Context, key string, data []byte, etag string) (string, error) {
	redisKey := s.key(key)
	var next string

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, redisKey, fieldVersion).Result()
		exists := true
		if stderrors.Is(err, redis.Nil) {
			exists = false
		} else if err != nil {
			return err
		}

		switch {
		case etag == backend.AnyETag:
		case etag == "":
			if exists {
				return tableerrors.PreconditionFailed("", current)
			}
		case !exists || current != etag:
			return tableerrors.PreconditionFailed(etag, current)
		}

		version := int64(0)
		if exists {
			if version, err = strconv.ParseInt(current, 10, 64); err != nil {
				return tableerrors.Internal(fmt.Sprintf("corrupt version on %s", redisKey), err)
			}
		}
		next = strconv.FormatInt(version+1, 10)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, redisKey, fieldData, data, fieldVersion, next)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, redisKey)
	if err == nil {
		return next, nil
	}
	if stderrors.Is(err, redis.TxFailedErr) {
		return "", tableerrors.PreconditionFailed(etag, "concurrently modified")
	}
	var te *tableerrors.TableError
	if stderrors.As(err, &te) {
		return "", err
	}
	return "", s.unavailable(err)
}

func (s *Store) unavailable(err error) error {
	s.logger.Debug("Configuration location call failed",
		zap.String("location", s.name),
		zap.Error(err))
	return tableerrors.Unavailable(fmt.Sprintf("configuration location %s unavailable", s.name), err)
}
