package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/checker"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/metrics"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/version"
	"github.com/any-hub/offline-hub/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath     string
	checkOnly      bool
	checkResources bool
	buildManifest  string
	coreKeys       []string
	showVersion    bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}
	if opts.buildManifest != "" {
		return runBuildManifest(opts)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		return runCheckConfig(cfg, opts, logger)
	}

	m := metrics.New()
	registry, err := server.NewScopeRegistry(cfg, logger, m)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Scope 注册表失败: %v\n", err)
		return 1
	}

	if opts.checkResources {
		return runCheckResources(cfg, registry, logger)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["scopes"] = config.ScopeNames(cfg.Scopes)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：注册表 → 各 Scope 安装/激活（后台） → 清单监听 → Fiber server。
	// 安装期间请求按透传处理，不阻塞监听。
	deployWorkers(ctx, registry, logger)

	if cfg.Global.WatchManifest {
		w, err := watcher.New(registry.List(), logger)
		if err != nil {
			fmt.Fprintf(stdErr, "初始化清单监听失败: %v\n", err)
			return 1
		}
		defer w.Close()
		go w.Run(ctx)
	}

	err = startHTTPServer(ctx, cfg, registry, m, logger)
	registry.Wait()
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag     string
		checkOnly      bool
		checkResources bool
		buildManifest  string
		coreFlag       string
		showVer        bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置与清单后退出")
	fs.BoolVar(&checkResources, "check-resources", false, "探测所有清单资源能否从源站下载后退出")
	fs.StringVar(&buildManifest, "build-manifest", "", "为构建产物目录生成资源清单并输出到 stdout")
	fs.StringVar(&coreFlag, "core", "", "与 --build-manifest 搭配，逗号分隔的核心资源列表")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if coreFlag != "" && buildManifest == "" {
		return cliOptions{}, fmt.Errorf("--core 需要与 --build-manifest 一起使用")
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:     path,
		checkOnly:      checkOnly,
		checkResources: checkResources,
		buildManifest:  buildManifest,
		coreKeys:       splitList(coreFlag),
		showVersion:    showVer,
	}, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func runBuildManifest(opts cliOptions) int {
	m, err := manifest.Build(opts.buildManifest, opts.coreKeys)
	if err != nil {
		fmt.Fprintf(stdErr, "生成清单失败: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdOut)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		fmt.Fprintf(stdErr, "输出清单失败: %v\n", err)
		return 1
	}
	return 0
}

// runCheckConfig 在配置校验之外解析每个 Scope 的清单，保证启动时不会因清单损坏而安装失败。
func runCheckConfig(cfg *config.Config, opts cliOptions, logger *logrus.Logger) int {
	versions := make(map[string]string, len(cfg.Scopes))
	for _, scope := range cfg.Scopes {
		m, err := manifest.Load(scope.Manifest)
		if err != nil {
			fmt.Fprintf(stdErr, "Scope %s 清单无效: %v\n", scope.Name, err)
			return 1
		}
		versions[scope.Name] = m.Version()
	}
	fields := logging.BaseFields("check_config", opts.configPath)
	fields["scopes"] = len(cfg.Scopes)
	fields["versions"] = versions
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return 0
}

func runCheckResources(cfg *config.Config, registry *server.ScopeRegistry, logger *logrus.Logger) int {
	chk := checker.New(cfg.Global.ResourceCheckTTL.DurationValue(), cfg.Global.DownloadConcurrency, logger)
	ctx := context.Background()
	code := 0
	for _, route := range registry.List() {
		m, err := manifest.Load(route.Config.Manifest)
		if err != nil {
			fmt.Fprintf(stdErr, "Scope %s 清单无效: %v\n", route.Config.Name, err)
			code = 1
			continue
		}
		report, _ := chk.ManifestReport(ctx, route.Config.Name, route.Origin, m)
		for _, result := range report.Results {
			mark := "✅"
			if !result.OK {
				mark = "❌"
			}
			fmt.Fprintf(stdOut, "%s %s %s\n", mark, route.Config.Name, result.Path)
		}
		fmt.Fprintf(stdOut, "%s: %d/%d ok\n", route.Config.Name, report.Total-report.Failed, report.Total)
		if !report.Healthy() {
			code = 1
		}
	}
	return code
}

// deployWorkers 为每个 Scope 加载清单并在后台执行 install → activate。
func deployWorkers(ctx context.Context, registry *server.ScopeRegistry, logger *logrus.Logger) {
	for _, route := range registry.List() {
		ctrl, err := route.LoadWorker()
		if err != nil {
			logger.WithFields(logrus.Fields{
				"action": "deploy",
				"scope":  route.Config.Name,
			}).WithError(err).Error("加载清单失败，Scope 以透传模式运行")
			continue
		}
		go func() {
			if err := route.Deploy(ctx, ctrl); err != nil {
				logger.WithFields(logging.LifecycleFields("deploy", route.Config.Name, ctrl.Version(), string(ctrl.State()))).
					WithError(err).Error("worker 部署失败")
			}
		}()
	}
}

func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.ScopeRegistry, m *metrics.Metrics, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	chk := checker.New(cfg.Global.ResourceCheckTTL.DurationValue(), cfg.Global.DownloadConcurrency, logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewForwarder(proxy.NewHandler(logger, m), logger),
		ListenPort: port,
		Diagnostics: func(router fiber.Router) {
			routes.RegisterScopeRoutes(router, registry)
			routes.RegisterMessageRoutes(router, registry, logger)
			routes.RegisterResourceRoutes(router, registry, chk)
			routes.RegisterMetricsRoute(router, m)
		},
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，停止 Fiber 服务")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithError(err).Warn("Fiber 服务关闭超时")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
