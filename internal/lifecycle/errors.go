package lifecycle

import (
	"errors"
	"fmt"

	"github.com/any-hub/offline-hub/internal/origin"
)

// Kind 对错误进行分类，与宿主日志中的错误类型一一对应。
type Kind string

const (
	KindInstallFetch       Kind = "InstallFetchFailure"
	KindActivation         Kind = "ActivationFailure"
	KindNetwork            Kind = "NetworkFailure"
	KindUnexpectedResponse Kind = "UnexpectedResponse"
)

var (
	// ErrIllegalTransition 表示当前状态不接受该事件。
	ErrIllegalTransition = errors.New("illegal lifecycle transition")
	// ErrUnknownCommand 表示消息通道收到无法识别的命令。
	ErrUnknownCommand = errors.New("unknown command")
	// ErrNotActive 表示操作要求 worker 已处于 active 状态。
	ErrNotActive = errors.New("worker not active")
)

// Error 携带错误类别与出错的资源键，可通过 errors.As 获取。
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf 返回错误类别；对未包装的源站错误按 NetworkFailure / UnexpectedResponse 归类。
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	switch {
	case errors.Is(err, origin.ErrUnexpectedStatus):
		return KindUnexpectedResponse
	case errors.Is(err, origin.ErrNetwork):
		return KindNetwork
	}
	return ""
}

// fetchKind 根据源站错误为下载失败选择类别。
func fetchKind(err error) Kind {
	if errors.Is(err, origin.ErrUnexpectedStatus) {
		return KindUnexpectedResponse
	}
	return KindNetwork
}
