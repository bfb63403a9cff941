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

	"github.com/eplnewshub/newshub-edge/internal/cache"
	"github.com/eplnewshub/newshub-edge/internal/config"
	"github.com/eplnewshub/newshub-edge/internal/engine"
	"github.com/eplnewshub/newshub-edge/internal/logging"
	"github.com/eplnewshub/newshub-edge/internal/metrics"
	"github.com/eplnewshub/newshub-edge/internal/proxy"
	"github.com/eplnewshub/newshub-edge/internal/server"
	"github.com/eplnewshub/newshub-edge/internal/server/routes"
	"github.com/eplnewshub/newshub-edge/internal/upstream"
	"github.com/eplnewshub/newshub-edge/internal/userstore"
	"github.com/eplnewshub/newshub-edge/internal/version"
)

const configEnv = "NEWSHUB_EDGE_CONFIG"

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

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["namespaces"] = cfg.Cache.NamespaceNames()
		fields["manifest"] = len(cfg.Cache.Manifest)
		fields["storage_mode"] = string(cfg.Global.Storage())
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 存储 → 引擎安装/激活 → Fiber server，
	// 激活完成前到达的请求全部直通源站。
	edge, err := buildEdge(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	bringUp(ctx, cfg, edge.engine, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Global.Origin
	fields["phase"] = string(edge.engine.Phase())
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, cfg, edge, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("newshub-edge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 NEWSHUB_EDGE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnv)
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

// edgeComponents 是一次启动构建出的全部组件，所有请求共享同一份实例。
type edgeComponents struct {
	app     *fiber.App
	engine  *engine.Engine
	storage cache.Storage
	metrics *metrics.Metrics
}

func buildEdge(cfg *config.Config, logger *logrus.Logger) (*edgeComponents, error) {
	storage, err := openStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	stats := metrics.New()
	client := upstream.NewClient(cfg)

	opts := engine.OptionsFromConfig(cfg)
	opts.Storage = storage
	opts.Fetcher = upstream.NewFetcher(client, cfg.Global.MaxBodySize)
	opts.Logger = logger
	opts.Metrics = stats
	eng, err := engine.New(opts)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存引擎失败: %w", err)
	}

	proxyHandler := proxy.NewHandler(eng, cfg.OriginURL(), cfg.Cache.BypassHosts, logger)

	registrars := []server.RouteRegistrar{
		routes.RegisterDiagnostics(routes.DiagnosticsOptions{
			Engine:     eng,
			Metrics:    stats.Handler(),
			Logger:     logger,
			AllowClear: cfg.Cache.AllowClear,
		}),
		routes.RegisterFPLProxy(routes.FPLOptions{
			Client:      client,
			BaseURL:     cfg.API.FPLBaseURL,
			AllowOrigin: cfg.API.AllowOrigin,
			Logger:      logger,
		}),
		routes.RegisterFamilyAccess(routes.FamilyOptions{
			Store:       userstore.New(cfg.API.UsersFile),
			AllowOrigin: cfg.API.AllowOrigin,
			Logger:      logger,
		}),
	}
	if cfg.API.HasInference() {
		registrars = append(registrars, routes.RegisterInferenceProxy(routes.InferenceOptions{
			Client:      client,
			BaseURL:     cfg.API.InferenceBaseURL,
			Token:       cfg.API.InferenceToken,
			AllowOrigin: cfg.API.AllowOrigin,
			Logger:      logger,
		}))
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxyHandler,
		ListenPort: cfg.Global.ListenPort,
		BodyLimit:  int(cfg.Global.MaxBodySize),
		Routes:     registrars,
	})
	if err != nil {
		return nil, err
	}

	return &edgeComponents{app: app, engine: eng, storage: storage, metrics: stats}, nil
}

func openStorage(cfg *config.Config) (cache.Storage, error) {
	if cfg.Global.Storage() == config.StorageModeMemory {
		return cache.NewMemoryStorage(), nil
	}
	disk, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return nil, err
	}
	if cfg.Global.HotCacheEntries > 0 {
		return cache.NewHotStorage(disk, cfg.Global.HotCacheEntries)
	}
	return disk, nil
}

// bringUp 执行安装与激活。安装失败不会阻止服务启动：若磁盘上已有完整的
// 静态命名空间，引擎沿用它照常激活；否则保持非接管状态，请求直通源站。
func bringUp(ctx context.Context, cfg *config.Config, eng *engine.Engine, logger *logrus.Logger) {
	installCtx, cancel := context.WithTimeout(ctx, cfg.Global.UpstreamTimeout.DurationValue())
	defer cancel()

	if err := eng.Install(installCtx); err != nil {
		logger.WithFields(logging.NamespaceFields("install", cfg.Cache.StaticCache)).
			WithError(err).Warn("引擎安装失败，所有请求将直通源站")
		return
	}
	if _, err := eng.Activate(ctx); err != nil {
		logger.WithFields(logging.NamespaceFields("activate", cfg.Cache.StaticCache)).
			WithError(err).Warn("引擎激活失败，所有请求将直通源站")
	}
}

func startHTTPServer(ctx context.Context, cfg *config.Config, edge *edgeComponents, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err := edge.app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{
		DisableStartupMessage: true,
		GracefulContext:       ctx,
	})

	// 等待后台缓存写入落盘后再退出。
	flushed := make(chan struct{})
	go func() {
		edge.engine.Flush()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(cfg.Cache.WriteTimeout.DurationValue()):
		logger.WithField("action", "shutdown").Warn("cache_flush_timeout")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.WithField("action", "shutdown").Info("服务已停止")
	return nil
}
