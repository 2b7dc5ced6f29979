// Package catalog serves the package list with a Redis cache in front of
// the store.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	listKey      = "catalog:packages"
	packageKeyFn = "catalog:package:"
)

var ErrPackageNotFound = errors.New("PACKAGE_NOT_FOUND")

// Source is the authoritative package store.
type Source interface {
	ListPackages(ctx context.Context) ([]models.Package, error)
	GetPackage(ctx context.Context, id int64) (*models.Package, error)
}

type Catalog struct {
	source   Source
	redis    redis.Cmdable
	ttl      time.Duration
	notFound error
	logger   logger.Logger
}

// New builds a catalog. rdb may be nil, in which case every read goes to
// source. notFound is the error source returns for an unknown id.
func New(source Source, rdb redis.Cmdable, ttl time.Duration, notFound error, log logger.Logger) *Catalog {
	return &Catalog{
		source:   source,
		redis:    rdb,
		ttl:      ttl,
		notFound: notFound,
		logger:   log.WithFields(map[string]interface{}{"component": "catalog"}),
	}
}

func (c *Catalog) List(ctx context.Context) ([]models.Package, error) {
	var cached []models.Package
	if c.getCached(ctx, listKey, &cached) {
		return cached, nil
	}

	pkgs, err := c.source.ListPackages(ctx)
	if err != nil {
		return nil, err
	}
	c.setCached(ctx, listKey, pkgs)
	return pkgs, nil
}

// Get returns one package or ErrPackageNotFound.
func (c *Catalog) Get(ctx context.Context, id int64) (*models.Package, error) {
	key := packageKeyFn + strconv.FormatInt(id, 10)
	var cached models.Package
	if c.getCached(ctx, key, &cached) {
		return &cached, nil
	}

	pkg, err := c.source.GetPackage(ctx, id)
	if err != nil {
		if c.notFound != nil && errors.Is(err, c.notFound) {
			return nil, ErrPackageNotFound
		}
		return nil, err
	}
	c.setCached(ctx, key, pkg)
	return pkg, nil
}

// Invalidate drops cached entries after a catalog change.
func (c *Catalog) Invalidate(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	keys, err := c.redis.Keys(ctx, "catalog:*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...).Err()
}

func (c *Catalog) getCached(ctx context.Context, key string, dst interface{}) bool {
	if c.redis == nil {
		return false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("catalog cache read failed", map[string]interface{}{"key": key, "error": err.Error()})
		}
		return false
	}
	if err := json.Unmarshal([]byte(val), dst); err != nil {
		c.logger.Debug("discarding undecodable cache entry", map[string]interface{}{"key": key})
		return false
	}
	return true
}

func (c *Catalog) setCached(ctx context.Context, key string, v interface{}) {
	if c.redis == nil || c.ttl <= 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("catalog cache write failed", map[string]interface{}{"key": key, "error": err.Error()})
	}
}
