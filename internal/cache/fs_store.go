package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，每个分区对应一个子目录。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		now:      time.Now,
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStore struct {
	basePath string
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// filePartition 是 fileStore 中某个分区目录的句柄。
type filePartition struct {
	store *fileStore
	name  string
	dir   string
}

func (s *fileStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &filePartition{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	existed, err := s.Has(ctx, name)
	if err != nil || !existed {
		return false, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove partition %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStore) partitionDir(name string) (string, error) {
	if err := validatePartitionName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, name)
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPartition, name)
	}
	return dir, nil
}

func (p *filePartition) Name() string {
	return p.name
}

func (p *filePartition) Match(ctx context.Context, key string) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	// 与 Put 共用条目锁，避免读到一次写入的元数据和另一次写入的正文。
	unlock := p.store.lockEntry(p.name, key)
	defer unlock()

	bodyPath, metaPath := p.entryPaths(key)
	meta, err := readMeta(metaPath)
	if err != nil {
		return nil, err
	}
	if meta.URL != key {
		// sha1 碰撞或被替换的元数据，按未命中处理。
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return meta.response(body), nil
}

func (p *filePartition) Put(ctx context.Context, key string, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	unlock := p.store.lockEntry(p.name, key)
	defer unlock()

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return err
	}

	stored := resp.Clone()
	stored.URL = key
	meta := metaFor(stored, p.store.now().UTC())
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode entry meta: %w", err)
	}

	// 先写正文再写元数据：Keys 只依据元数据枚举，保证不会暴露半写入的条目。
	bodyPath, metaPath := p.entryPaths(key)
	if err := writeFileAtomic(ctx, bodyPath, bytes.NewReader(stored.Body)); err != nil {
		return err
	}
	return writeFileAtomic(ctx, metaPath, bytes.NewReader(metaBytes))
}

func (p *filePartition) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := p.store.lockEntry(p.name, key)
	defer unlock()

	bodyPath, metaPath := p.entryPaths(key)
	existed := true
	if err := os.Remove(metaPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		existed = false
	}
	if err := os.Remove(bodyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (p *filePartition) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(p.dir, entry.Name()))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		keys = append(keys, meta.URL)
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *filePartition) entryPaths(key string) (string, string) {
	id := entryID(key)
	return filepath.Join(p.dir, id+bodySuffix), filepath.Join(p.dir, id+metaSuffix)
}

func readMeta(path string) (entryMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entryMeta{}, ErrNotFound
		}
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return entryMeta{}, fmt.Errorf("decode entry meta %s: %w", filepath.Base(path), err)
	}
	return meta, nil
}

func (s *fileStore) lockEntry(partition, key string) func() {
	lockKey := partition + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

// writeFileAtomic 通过临时文件 + rename 写入，失败时清理临时文件。
func writeFileAtomic(ctx context.Context, filePath string, body io.Reader) error {
	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
