package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offcache/offcache/internal/agent"
	"github.com/offcache/offcache/internal/cache"
	"github.com/offcache/offcache/internal/config"
	"github.com/offcache/offcache/internal/lifecycle"
	"github.com/offcache/offcache/internal/logging"
	"github.com/offcache/offcache/internal/manifest"
	"github.com/offcache/offcache/internal/proxy"
	"github.com/offcache/offcache/internal/server"
	"github.com/offcache/offcache/internal/server/routes"
	"github.com/offcache/offcache/internal/upstream"
	"github.com/offcache/offcache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

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
	defer logging.Close(logger)

	loadManifest := manifestLoader(cfg.Agent)
	m, err := loadManifest(context.Background())
	if err != nil {
		fmt.Fprintf(stdErr, "加载资源清单失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Agent.Origin
		fields["cache_id"] = m.Cache.String()
		fields["assets"] = len(m.Assets)
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	origin, err := upstream.NewOrigin(cfg.Agent.Origin)
	if err != nil {
		fmt.Fprintf(stdErr, "解析源站失败: %v\n", err)
		return 1
	}

	// CLI 启动遵循“配置 → 缓存存储 → 上游 client → 注册表/更新器 → Fiber server”顺序，
	// 所有 agent 版本共享同一存储与 client。
	storage, err := cache.NewStorage(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	httpClient := upstream.NewClient(cfg)
	registration := lifecycle.NewRegistration(logger)
	updater := lifecycle.NewUpdater(
		registration,
		loadManifest,
		workerFactory(cfg, origin, storage, httpClient, logger),
		cfg.Agent.UpdateInterval.DurationValue(),
		logger,
	)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = origin.String()
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["cache_id"] = m.Cache.String()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewHandler(httpClient, logger, registration, origin),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务初始化失败: %v\n", err)
		return 1
	}
	routes.RegisterAgentRoutes(app, routes.Deps{
		Registration: registration,
		Updater:      updater,
		Storage:      storage,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	waitUpdater := startBackground(ctx, updater.Run)

	err = serve(ctx, app, cfg.Global.ListenPort, logger)
	// 先停掉更新器，确保没有安装仍在写存储，再执行 defer 的 storage.Close。
	stop()
	waitUpdater()
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// startBackground 在独立 goroutine 中执行 fn，返回的函数阻塞到 fn 退出。
func startBackground(ctx context.Context, fn func(context.Context)) (wait func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(ctx)
	}()
	return func() { <-done }
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置与资源清单后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// manifestLoader 每次检查都重新读取清单文件，未配置时使用内置清单；配置中的
// ExcludeMarkers 追加在清单自身的排除规则之后。
func manifestLoader(cfg config.AgentConfig) lifecycle.ManifestLoader {
	return func(ctx context.Context) (*manifest.Manifest, error) {
		var (
			m   *manifest.Manifest
			err error
		)
		if cfg.UsesBuiltinManifest() {
			m = manifest.Default()
		} else if m, err = manifest.Load(cfg.ManifestPath); err != nil {
			return nil, err
		}
		return m.WithExtraExclusions(cfg.ExcludeMarkers), nil
	}
}

func workerFactory(cfg *config.Config, origin *upstream.Origin, storage cache.Storage, client agent.Network, logger *logrus.Logger) lifecycle.WorkerFactory {
	return func(m *manifest.Manifest) (lifecycle.Worker, error) {
		a, err := agent.New(agent.Options{
			ID:                 m.Cache,
			Assets:             m.Assets,
			Exclusion:          agent.NewExclusionPolicy(m.Exclude...),
			BaseURL:            origin.BaseURL(),
			Storage:            storage,
			Network:            client,
			Logger:             logger,
			InstallConcurrency: cfg.Agent.InstallConcurrency,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}

// serve 启动 Fiber 并在收到退出信号后优雅关闭。
func serve(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，开始优雅关闭")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}
