// Package origin 封装对源站的 HTTP 访问：透传请求、整体下载清单资源，
// 并把传输失败与非 2xx 响应区分为 ErrNetwork 与 ErrUnexpectedStatus。
package origin
