package lifecycle

import "fmt"

// State 是 worker 版本在生命周期中的位置。
type State string

const (
	StateUninstalled State = "uninstalled"
	StateInstalling  State = "installing"
	StateWaiting     State = "waiting"
	StateActivating  State = "activating"
	StateActive      State = "active"
)

// Event 驱动状态迁移。
type Event string

const (
	EventInstall        Event = "install"
	EventInstalled      Event = "installed"
	EventInstallFailed  Event = "install-failed"
	EventActivate       Event = "activate"
	EventActivated      Event = "activated"
	EventActivateFailed Event = "activate-failed"
)

// transitions 列出所有合法迁移；未列出的组合一律拒绝。
var transitions = map[State]map[Event]State{
	StateUninstalled: {
		EventInstall: StateInstalling,
	},
	StateInstalling: {
		// 进程在安装中途退出后重新安装。
		EventInstall:       StateInstalling,
		EventInstalled:     StateWaiting,
		EventInstallFailed: StateUninstalled,
	},
	StateWaiting: {
		EventActivate: StateActivating,
	},
	StateActivating: {
		// 恢复被中断的激活。
		EventActivate:       StateActivating,
		EventActivated:      StateActive,
		EventActivateFailed: StateUninstalled,
	},
	StateActive: {
		EventActivate: StateActivating,
	},
}

// Next 是纯函数：根据当前状态与事件给出下一状态，非法组合返回 ErrIllegalTransition。
func Next(from State, event Event) (State, error) {
	if to, ok := transitions[from][event]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, event, from)
}

// Valid 判断状态值是否可识别，用于校验持久化记录。
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s State) String() string {
	return string(s)
}
