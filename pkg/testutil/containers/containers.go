//go:build integration

// Package containers starts the backing services integration tests run
// against: Postgres for the registry, Redis for the residency cache and a
// Kafka-compatible broker for management notifications.
package containers

import (
	"sync"
	"testing"
)

// Manager hands out one container per backend. A container lives as long
// as the test that first asked for it; the next request after that test
// finishes starts a fresh one.
type Manager struct {
	mu       sync.Mutex
	postgres *PostgresContainer
	kafka    *KafkaContainer
	redis    *RedisContainer
}

var (
	globalManager *Manager
	initOnce      sync.Once
)

func GetManager() *Manager {
	initOnce.Do(func() {
		globalManager = &Manager{}
	})
	return globalManager
}

func (m *Manager) GetPostgres(t *testing.T) *PostgresContainer {
	return acquire(m, &m.postgres, t, NewPostgresContainer)
}

func (m *Manager) GetKafka(t *testing.T) *KafkaContainer {
	return acquire(m, &m.kafka, t, NewKafkaContainer)
}

func (m *Manager) GetRedis(t *testing.T) *RedisContainer {
	return acquire(m, &m.redis, t, NewRedisContainer)
}

// acquire returns *slot, starting it with start when empty. start registers
// the container's termination on t; the slot is cleared alongside so a
// terminated container is never handed out.
func acquire[C any](m *Manager, slot **C, t *testing.T, start func(*testing.T) *C) *C {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if *slot != nil {
		return *slot
	}
	c := start(t)
	*slot = c
	t.Cleanup(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if *slot == c {
			*slot = nil
		}
	})
	return c
}
