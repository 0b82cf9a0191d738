package manifest

import "strings"

// NormalizeKey 把请求路径转换为清单键：
//   - 去掉前导 /，键相对源站根目录；
//   - 以 v= 开头的查询串是版本戳，直接丢弃；其它查询串保留在键中；
//   - 空路径或位于前端路由前缀下的路径统一视为导航根 "/"。
func NormalizeKey(rawPath, rawQuery string, routePrefixes []string) string {
	key := strings.TrimPrefix(rawPath, "/")
	if key == "" {
		return RootKey
	}
	for _, prefix := range routePrefixes {
		if underRoutePrefix(key, prefix) {
			return RootKey
		}
	}
	if rawQuery == "" || strings.HasPrefix(rawQuery, "v=") {
		return key
	}
	return key + "?" + rawQuery
}

// underRoutePrefix 按路径段匹配：前缀 "app" 命中 "app" 与 "app/..."，不命中 "apple.js"。
func underRoutePrefix(key, prefix string) bool {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return false
	}
	return key == prefix || strings.HasPrefix(key, prefix+"/")
}

// RequestPath 是 NormalizeKey 的逆向：根据清单键得到回源路径。
func RequestPath(key string) string {
	if key == RootKey {
		return "/"
	}
	return "/" + key
}
