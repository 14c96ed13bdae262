package utils

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrNoAvailableKeys is returned when every key is cooling down.
var ErrNoAvailableKeys = errors.New("no available API keys")

// APIKeyPool rotates TTS API keys, preferring the least used ones and
// skipping keys that recently failed.
type APIKeyPool struct {
	keys        []string
	usageCounts map[string]int
	blacklist   map[string]time.Time
	now         func() time.Time
	mu          sync.Mutex
}

// NewAPIKeyPool creates a new API key pool
func NewAPIKeyPool(keys []string) *APIKeyPool {
	if len(keys) == 0 {
		return nil
	}

	return &APIKeyPool{
		keys:        append([]string(nil), keys...),
		usageCounts: make(map[string]int),
		blacklist:   make(map[string]time.Time),
		now:         time.Now,
	}
}

// GetKey returns an available API key, picking randomly among the least used.
func (p *APIKeyPool) GetKey() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	minUsage := -1
	var candidates []string
	for _, key := range p.keys {
		if until, ok := p.blacklist[key]; ok {
			if now.Before(until) {
				continue
			}
			delete(p.blacklist, key)
		}

		count := p.usageCounts[key]
		switch {
		case minUsage == -1 || count < minUsage:
			minUsage = count
			candidates = append(candidates[:0], key)
		case count == minUsage:
			candidates = append(candidates, key)
		}
	}

	if len(candidates) == 0 {
		return "", ErrNoAvailableKeys
	}

	selected := candidates[rand.IntN(len(candidates))]
	p.usageCounts[selected]++
	return selected, nil
}

// MarkFailed temporarily blacklists a key
func (p *APIKeyPool) MarkFailed(key string, retryAfter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.blacklist[key] = p.now().Add(retryAfter)
}

// Available returns how many keys are not cooling down.
func (p *APIKeyPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := 0
	for _, key := range p.keys {
		if until, ok := p.blacklist[key]; ok && now.Before(until) {
			continue
		}
		n++
	}
	return n
}
