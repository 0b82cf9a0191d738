package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/manifest"
)

// 生命周期记录与清单快照都保存在 Cache Store 中，进程重启后可以继续未完成的阶段。
const (
	recordRegion = "_lifecycle"
	recordKey    = "state"
	snapshotKey  = "manifest"
)

// errSnapshotCorrupt 表示清单历史快照存在但无法解析。
var errSnapshotCorrupt = errors.New("manifest snapshot corrupt")

// Record 是每个 Scope 唯一的持久化生命周期记录。
type Record struct {
	Version string `json:"version"`
	State   State  `json:"state"`
	// ActiveVersion 是当前控制客户端的版本；新版本安装期间旧版本仍然有效。
	ActiveVersion string    `json:"active_version,omitempty"`
	SkipWaiting   bool      `json:"skip_waiting"`
	InstallID     string    `json:"install_id,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func loadRecord(ctx context.Context, store cache.Store) (Record, error) {
	result, err := store.Get(ctx, cache.Locator{Region: recordRegion, Key: recordKey})
	if errors.Is(err, cache.ErrNotFound) {
		return Record{State: StateUninstalled}, nil
	}
	if err != nil {
		return Record{}, err
	}
	defer result.Reader.Close()

	var rec Record
	if err := json.NewDecoder(result.Reader).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("decode lifecycle record: %w", err)
	}
	if !rec.State.Valid() {
		return Record{}, fmt.Errorf("decode lifecycle record: unknown state %q", rec.State)
	}
	return rec, nil
}

func saveRecord(ctx context.Context, store cache.Store, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = store.Put(ctx, cache.Locator{Region: recordRegion, Key: recordKey}, bytes.NewReader(payload), cache.PutOptions{
		Header:  jsonHeader(),
		ModTime: rec.UpdatedAt,
	})
	return err
}

// readSnapshot 返回上一版本的清单；不存在时返回 nil, nil。
func readSnapshot(ctx context.Context, store cache.Store, region string) (*manifest.Manifest, error) {
	result, err := store.Get(ctx, cache.Locator{Region: region, Key: snapshotKey})
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer result.Reader.Close()

	data, err := io.ReadAll(result.Reader)
	if err != nil {
		return nil, err
	}
	previous, err := manifest.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errSnapshotCorrupt, err)
	}
	return previous, nil
}

func writeSnapshot(ctx context.Context, store cache.Store, region string, m *manifest.Manifest) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = store.Put(ctx, cache.Locator{Region: region, Key: snapshotKey}, bytes.NewReader(payload), cache.PutOptions{
		Header:      jsonHeader(),
		Fingerprint: m.Version(),
	})
	return err
}

func jsonHeader() http.Header {
	return http.Header{"Content-Type": []string{"application/json"}}
}
