package manifest

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// 这些文件由宿主按需加载，不写入清单，与 Flutter 构建工具的跳过列表一致。
var skipOnBuild = map[string]struct{}{
	"flutter_service_worker.js": {},
	"manifest.json":             {},
	"assets/NOTICES":            {},
}

// Build 遍历构建产物目录，为每个文件计算 xxhash 指纹；index.html 同时登记为导航根。
func Build(dir string, core []string) (*Manifest, error) {
	resources := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if _, skip := skipOnBuild[key]; skip {
			return nil
		}
		fingerprint, err := fingerprintFile(path)
		if err != nil {
			return fmt.Errorf("fingerprint %s: %w", key, err)
		}
		resources[key] = fingerprint
		return nil
	})
	if err != nil {
		return nil, err
	}
	if fp, ok := resources["index.html"]; ok {
		resources[RootKey] = fp
	}
	return New(resources, core)
}

func fingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}
