// Package lifecycle 实现离线缓存 worker 的生命周期：
// uninstalled → installing → waiting → activating → active。
//
// 安装把核心资源下载到暂存区；激活以清单历史快照为基线对持久区做差异淘汰，
// 再把暂存区合并进来（暂存区优先）并写入新快照。所有状态都保存在 Cache Store 中，
// 进程重启后 Start 会从记录继续。消息通道支持 skip-waiting 与 download-offline。
package lifecycle
