package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Store 负责管理磁盘缓存区域的读写。磁盘布局遵循：
//
//	<base>/<Region>/<key>.body    # 响应正文
//	<base>/<Region>/<key>.meta    # 状态码、响应头、指纹（提交标记）
//
// 导航根 "/" 存储为 @root。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 写入正文与元数据，先正文后元数据，均通过临时文件 + rename 保证原子性。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除条目；条目不存在时不报错。
	Remove(ctx context.Context, locator Locator) error

	// Keys 列出区域内所有已提交条目的键，区域不存在时返回空列表。
	Keys(ctx context.Context, region string) ([]string, error)

	// DropRegion 删除整个区域，区域不存在时不报错。
	DropRegion(ctx context.Context, region string) error
}

// PutOptions 描述随正文一同保存的响应属性。
type PutOptions struct {
	Status      int
	Header      http.Header
	Fingerprint string
	ModTime     time.Time
}

// Locator 唯一定位一个缓存条目（区域 + 清单键）。
type Locator struct {
	Region string
	Key    string
}

// Entry 表示一次缓存命中结果，包含文件信息与保存的响应属性。
type Entry struct {
	Locator     Locator     `json:"locator"`
	FilePath    string      `json:"file_path"`
	SizeBytes   int64       `json:"size_bytes"`
	ModTime     time.Time   `json:"mod_time"`
	Status      int         `json:"status"`
	Header      http.Header `json:"header,omitempty"`
	Fingerprint string      `json:"fingerprint,omitempty"`
}

// ReadResult 组合 Entry 与正文 Reader，便于拦截器直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidLocator 表示区域名或键无法映射到缓存目录内。
	ErrInvalidLocator = errors.New("invalid cache locator")
)
