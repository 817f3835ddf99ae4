package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// NewMemoryStore 返回进程内缓存，重启即丢失，适合测试与临时部署。
func NewMemoryStore() Store {
	return &memoryStore{
		partitions: make(map[string]*memoryPartition),
		now:        time.Now,
	}
}

type memoryStore struct {
	mu         sync.RWMutex
	partitions map[string]*memoryPartition
	now        func() time.Time
}

type memoryPartition struct {
	name string
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]*Response
}

func (s *memoryStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	part := s.partitions[name]
	if part == nil {
		part = &memoryPartition{name: name, now: s.now, entries: make(map[string]*Response)}
		s.partitions[name] = part
	}
	return part, nil
}

func (s *memoryStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.partitions[name]
	return ok, nil
}

func (s *memoryStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	part, ok := s.partitions[name]
	if !ok {
		return false, nil
	}
	delete(s.partitions, name)
	// 已打开的句柄与 CacheStorage 一样脱离存储，但不再影响新分区。
	part.mu.Lock()
	part.entries = make(map[string]*Response)
	part.mu.Unlock()
	return true, nil
}

func (p *memoryPartition) Name() string {
	return p.name
}

func (p *memoryPartition) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	resp, ok := p.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (p *memoryPartition) Put(ctx context.Context, key string, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("nil response")
	}
	stored := resp.Clone()
	stored.URL = key
	stored.StoredAt = p.now().UTC()
	p.mu.Lock()
	p.entries[key] = stored
	p.mu.Unlock()
	return nil
}

func (p *memoryPartition) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[key]
	delete(p.entries, key)
	return ok, nil
}

func (p *memoryPartition) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	keys := make([]string, 0, len(p.entries))
	for key := range p.entries {
		keys = append(keys, key)
	}
	p.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}
