package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"
	rootName   = "@root"
	tempPrefix = ".cache-"
	dropPrefix = ".drop-"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，每个 scope 复用一份实例。
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
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是 .meta 侧车文件的内容；Key 保留原始清单键以便 Keys 反查。
type entryMeta struct {
	Key         string      `json:"key"`
	Status      int         `json:"status"`
	Header      http.Header `json:"header,omitempty"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	StoredAt    time.Time   `json:"stored_at"`
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	bodyPath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	meta, err := readMeta(bodyPath + metaSuffix)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(bodyPath + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(bodyPath + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{
		Entry: Entry{
			Locator:     locator,
			FilePath:    bodyPath + bodySuffix,
			SizeBytes:   info.Size(),
			ModTime:     meta.StoredAt,
			Status:      meta.Status,
			Header:      meta.Header,
			Fingerprint: meta.Fingerprint,
		},
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	unlock := s.lockEntry(locator)
	defer unlock()

	bodyPath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(bodyPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	written, err := writeAtomic(dir, bodyPath+bodySuffix, func(w io.Writer) (int64, error) {
		return copyWithContext(ctx, w, body)
	})
	if err != nil {
		return nil, err
	}

	status := opts.Status
	if status == 0 {
		status = http.StatusOK
	}
	storedAt := opts.ModTime
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	meta := entryMeta{
		Key:         locator.Key,
		Status:      status,
		Header:      opts.Header,
		Fingerprint: opts.Fingerprint,
		StoredAt:    storedAt,
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if _, err := writeAtomic(dir, bodyPath+metaSuffix, func(w io.Writer) (int64, error) {
		n, err := w.Write(payload)
		return int64(n), err
	}); err != nil {
		return nil, err
	}

	return &Entry{
		Locator:     locator,
		FilePath:    bodyPath + bodySuffix,
		SizeBytes:   written,
		ModTime:     storedAt,
		Status:      status,
		Header:      opts.Header,
		Fingerprint: opts.Fingerprint,
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	unlock := s.lockEntry(locator)
	defer unlock()

	bodyPath, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	// 先删元数据使条目立即不可见，再删正文。
	for _, suffix := range []string{metaSuffix, bodySuffix} {
		if err := os.Remove(bodyPath + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) Keys(ctx context.Context, region string) ([]string, error) {
	root, err := s.regionPath(region)
	if err != nil {
		return nil, err
	}

	var keys []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), metaSuffix) || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		meta, err := readMeta(p)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		keys = append(keys, meta.Key)
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return keys, nil
}

func (s *fileStore) DropRegion(ctx context.Context, region string) error {
	root, err := s.regionPath(region)
	if err != nil {
		return err
	}
	tombstone := filepath.Join(s.basePath, fmt.Sprintf("%s%s-%d", dropPrefix, region, time.Now().UnixNano()))
	if err := os.Rename(root, tombstone); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return os.RemoveAll(tombstone)
}

func (s *fileStore) lockEntry(locator Locator) func() {
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) regionPath(region string) (string, error) {
	if region == "" || strings.ContainsAny(region, `/\`) || strings.HasPrefix(region, ".") {
		return "", fmt.Errorf("%w: region %q", ErrInvalidLocator, region)
	}
	return filepath.Join(s.basePath, region), nil
}

// entryPath 返回不带后缀的条目路径。
func (s *fileStore) entryPath(locator Locator) (string, error) {
	root, err := s.regionPath(locator.Region)
	if err != nil {
		return "", err
	}

	rel := locator.Key
	if rel == "" || rel == "/" {
		rel = rootName
	}
	rel = path.Clean("/" + rel)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = rootName
	}

	filePath := filepath.Join(root, filepath.FromSlash(rel))
	if !strings.HasPrefix(filePath, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: key %q", ErrInvalidLocator, locator.Key)
	}
	return filePath, nil
}

func readMeta(metaPath string) (entryMeta, error) {
	data, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entryMeta{}, ErrNotFound
		}
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return entryMeta{}, fmt.Errorf("decode cache metadata %s: %w", metaPath, err)
	}
	return meta, nil
}

func writeAtomic(dir, target string, fill func(io.Writer) (int64, error)) (int64, error) {
	tempFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := fill(tempFile)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return 0, err
	}
	return written, nil
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

func locatorKey(locator Locator) string {
	return locator.Region + "::" + locator.Key
}
