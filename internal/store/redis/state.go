// Package redis persists small cross-restart scheduler state: the fired
// window set and the last observed public IP. All access goes through a
// circuit breaker so a Redis outage degrades to in-memory behaviour instead
// of failing the trading loop.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const (
	firedKeyPrefix = "autotrader:window:fired:"
	publicIPKey    = "autotrader:connectivity:public_ip"

	opTimeout = 2 * time.Second
)

// Config configures the state store connection.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Store mirrors fired scheduling windows and the public-IP identity to
// Redis. It satisfies schedule.Mirror and connectivity.IPStore. Every call
// is best effort: on error (or an open breaker) reads report absence and
// writes are dropped.
type Store struct {
	client  *goredis.Client
	breaker *CircuitBreaker
}

// New connects to Redis and pings the server.
func New(cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	breaker := NewCircuitBreaker(5, 10*time.Second)
	breaker.OnStateChange = func(from, to State) {
		log.Printf("[redis] circuit breaker %s -> %s", from, to)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Store{client: client, breaker: breaker}, nil
}

// MarkFired records a fired window instant with the given TTL.
func (s *Store) MarkFired(instant time.Time, ttl time.Duration) {
	err := s.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return s.client.Set(ctx, firedKey(instant), 1, ttl).Err()
	})
	if err != nil {
		log.Printf("[redis] mark fired %s: %v", instant.Format(time.RFC3339), err)
	}
}

// HasFired reports whether the window instant is marked in Redis. Errors
// read as "not fired" so the in-process set stays authoritative.
func (s *Store) HasFired(instant time.Time) bool {
	var fired bool
	err := s.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		n, err := s.client.Exists(ctx, firedKey(instant)).Result()
		if err != nil {
			return err
		}
		fired = n > 0
		return nil
	})
	if err != nil {
		return false
	}
	return fired
}

// SetPublicIP stores the last observed public IP.
func (s *Store) SetPublicIP(ctx context.Context, ip string) {
	err := s.breaker.Execute(func() error {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return s.client.Set(opCtx, publicIPKey, ip, 0).Err()
	})
	if err != nil {
		log.Printf("[redis] set public ip: %v", err)
	}
}

// PublicIP returns the stored public IP, or "" when unknown.
func (s *Store) PublicIP(ctx context.Context) string {
	var ip string
	err := s.breaker.Execute(func() error {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		v, err := s.client.Get(opCtx, publicIPKey).Result()
		if err == goredis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		ip = v
		return nil
	})
	if err != nil {
		return ""
	}
	return ip
}

// Client exposes the underlying connection for health probes.
func (s *Store) Client() *goredis.Client { return s.client }

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func firedKey(instant time.Time) string {
	return fmt.Sprintf("%s%d", firedKeyPrefix, instant.Unix())
}
