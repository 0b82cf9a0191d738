package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// RootKey 是导航根（index shell）在清单与缓存中的统一键。
const RootKey = "/"

// ErrInvalid 表示清单内容不满足约束。
var ErrInvalid = errors.New("invalid manifest")

// Manifest 是构建产物附带的资源清单，加载后只读。
type Manifest struct {
	resources map[string]string
	core      []string
	version   string
}

// document 是清单的 JSON 编码格式。
type document struct {
	Resources map[string]string `json:"resources"`
	Core      []string          `json:"core"`
}

// New 校验并构建清单；core 中的路径必须全部出现在 resources 中。
func New(resources map[string]string, core []string) (*Manifest, error) {
	if len(resources) == 0 {
		return nil, fmt.Errorf("%w: resources empty", ErrInvalid)
	}
	copied := make(map[string]string, len(resources))
	for path, fingerprint := range resources {
		if path == "" {
			return nil, fmt.Errorf("%w: empty resource path", ErrInvalid)
		}
		if fingerprint == "" {
			return nil, fmt.Errorf("%w: empty fingerprint for %s", ErrInvalid, path)
		}
		copied[path] = fingerprint
	}
	coreCopy := make([]string, 0, len(core))
	seen := make(map[string]struct{}, len(core))
	for _, path := range core {
		if _, ok := copied[path]; !ok {
			return nil, fmt.Errorf("%w: core path %s missing from resources", ErrInvalid, path)
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		coreCopy = append(coreCopy, path)
	}

	m := &Manifest{resources: copied, core: coreCopy}
	m.version = m.digest()
	return m, nil
}

// Parse 解析 JSON 编码的清单。
func Parse(data []byte) (*Manifest, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return New(doc.Resources, doc.Core)
}

// Load 从磁盘读取清单文件。
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

// MarshalJSON 输出与构建产物相同的格式，作为历史快照写入缓存。
func (m *Manifest) MarshalJSON() ([]byte, error) {
	return json.Marshal(document{Resources: m.resources, Core: m.core})
}

// Version 返回清单内容摘要；摘要不同即视为新的 worker 版本。
func (m *Manifest) Version() string {
	return m.version
}

// Has reports whether key is a managed resource.
func (m *Manifest) Has(key string) bool {
	_, ok := m.resources[key]
	return ok
}

// Fingerprint returns the fingerprint recorded for key.
func (m *Manifest) Fingerprint(key string) (string, bool) {
	fp, ok := m.resources[key]
	return fp, ok
}

// Core 返回核心壳资源列表的副本。
func (m *Manifest) Core() []string {
	return append([]string(nil), m.core...)
}

// Paths 返回排序后的全部资源路径。
func (m *Manifest) Paths() []string {
	paths := make([]string, 0, len(m.resources))
	for path := range m.resources {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Len 返回资源数量。
func (m *Manifest) Len() int {
	return len(m.resources)
}

// Diff 返回清单中存在但 have 中缺失的路径（已排序）。
func (m *Manifest) Diff(have []string) []string {
	present := make(map[string]struct{}, len(have))
	for _, key := range have {
		present[key] = struct{}{}
	}
	var missing []string
	for _, path := range m.Paths() {
		if _, ok := present[path]; !ok {
			missing = append(missing, path)
		}
	}
	return missing
}

// Stale 判断 key 在 previous → m 升级后是否应被淘汰：已移除或指纹变化。
func (m *Manifest) Stale(previous *Manifest, key string) bool {
	current, ok := m.resources[key]
	if !ok {
		return true
	}
	if previous == nil {
		return true
	}
	old, ok := previous.resources[key]
	return !ok || old != current
}

func (m *Manifest) digest() string {
	h := xxhash.New()
	for _, path := range m.Paths() {
		_, _ = h.WriteString(path)
		_, _ = h.WriteString("=")
		_, _ = h.WriteString(m.resources[path])
		_, _ = h.WriteString("\n")
	}
	_, _ = h.WriteString("core:")
	for _, path := range m.core {
		_, _ = h.WriteString(path)
		_, _ = h.WriteString(",")
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
