package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.OriginTimeout.DurationValue() <= 0 {
		return newFieldError("Global.OriginTimeout", "必须大于 0")
	}
	if g.DownloadConcurrency <= 0 {
		return newFieldError("Global.DownloadConcurrency", "必须大于 0")
	}
	if g.ResourceCheckTTL.DurationValue() <= 0 {
		return newFieldError("Global.ResourceCheckTTL", "必须大于 0")
	}

	if len(c.Scopes) == 0 {
		return errors.New("至少需要配置一个 Scope")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Scopes {
		scope := &c.Scopes[i]
		if scope.Name == "" {
			return newFieldError("Scope[].Name", "不能为空")
		}
		if strings.ContainsAny(scope.Name, `/\`) || scope.Name == "." || scope.Name == ".." {
			return newFieldError(scopeField(scope.Name, "Name"), "不能包含路径分隔符")
		}
		if _, exists := seenNames[scope.Name]; exists {
			return newFieldError(scopeField(scope.Name, "Name"), "重复")
		}
		seenNames[scope.Name] = struct{}{}

		if err := validateDomain(scope.Domain); err != nil {
			return fmt.Errorf("%s: %w", scopeField(scope.Name, "Domain"), err)
		}
		domain := strings.ToLower(scope.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(scopeField(scope.Name, "Domain"), "重复")
		}
		seenDomains[domain] = struct{}{}

		if err := validateOrigin(scope.Origin); err != nil {
			return fmt.Errorf("%s: %w", scopeField(scope.Name, "Origin"), err)
		}
		if scope.Proxy != "" {
			if err := validateOrigin(scope.Proxy); err != nil {
				return fmt.Errorf("%s: %w", scopeField(scope.Name, "Proxy"), err)
			}
		}
		if strings.TrimSpace(scope.Manifest) == "" {
			return newFieldError(scopeField(scope.Name, "Manifest"), "不能为空")
		}
		for _, prefix := range scope.RoutePrefixes {
			if prefix == "" || prefix == "/" {
				return newFieldError(scopeField(scope.Name, "RoutePrefixes"), "前缀不能为空或仅为 /")
			}
		}
		if err := validateRegions(scope); err != nil {
			return err
		}
	}

	return nil
}

func validateRegions(scope *ScopeConfig) error {
	regions := map[string]string{
		"TempRegion":     scope.TempRegion,
		"ContentRegion":  scope.ContentRegion,
		"ManifestRegion": scope.ManifestRegion,
	}
	seen := map[string]string{}
	for _, field := range []string{"TempRegion", "ContentRegion", "ManifestRegion"} {
		name := regions[field]
		if name == "" {
			return newFieldError(scopeField(scope.Name, field), "不能为空")
		}
		if strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			return newFieldError(scopeField(scope.Name, field), "不能包含路径分隔符或以 . / _ 开头")
		}
		if other, exists := seen[name]; exists {
			return newFieldError(scopeField(scope.Name, field), "与 "+other+" 重名")
		}
		seen[name] = field
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不需要协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少 Origin")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}
