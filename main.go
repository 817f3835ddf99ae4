package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
	"github.com/any-hub/shellcache/internal/proxy"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/server/routes"
	"github.com/any-hub/shellcache/internal/version"
	"github.com/any-hub/shellcache/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	envFile     string
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

	bundle, err := manifest.LoadFile(cfg.App.ManifestPath, cfg.App.Shell)
	if err != nil {
		fmt.Fprintf(stdErr, "加载资源清单失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.App.Origin
		fields["resources"] = len(bundle.Resources)
		fields["shell"] = len(bundle.Shell)
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["partitions"] = cfg.PartitionNames()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动遵循“配置 → 日志 → 缓存后端 → worker 注册 → Fiber server”顺序，
	// 所有请求共享同一个 Registration 与缓存实例。
	store, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存后端失败: %v\n", err)
		return 1
	}

	httpClient := server.NewUpstreamClient(cfg)
	registration := worker.NewRegistration(logger)
	gens := &generations{
		cfg:          cfg,
		configPath:   opts.configPath,
		store:        store,
		network:      worker.NewHTTPNetwork(httpClient),
		registration: registration,
		logger:       logger,
	}
	if _, err := gens.install(ctx, bundle); err != nil {
		// 安装失败时不退出：没有 active worker 的请求全部透传到源站。
		logger.WithFields(logging.BaseFields("startup", opts.configPath)).
			WithError(err).Warn("initial_install_failed")
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origin"] = cfg.App.Origin
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["resources"] = len(bundle.Resources)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	handler := proxy.NewHandler(httpClient, logger, registration, cfg.App.Origin)
	if err := startHTTPServer(ctx, cfg, gens, proxy.NewGuard(handler, logger), logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
// --env-file 在计算配置路径之前加载，因此文件中的 SHELLCACHE_CONFIG 同样生效。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		envFile    string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.StringVar(&envFile, "env-file", "", "启动前加载的 .env 文件，已存在的环境变量不会被覆盖")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置与资源清单后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return cliOptions{}, fmt.Errorf("加载 env 文件失败: %w", err)
		}
	}

	path := os.Getenv(config.EnvPrefix + "_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		envFile:     envFile,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, gens *generations, handler server.RequestHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Handler:    handler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterLifecycleRoutes(app, gens.registration, gens.reload, logger)

	go watchReloadSignal(ctx, gens, logger)
	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}

// watchReloadSignal 在收到 SIGHUP 时重新读取清单并注册新世代。
func watchReloadSignal(ctx context.Context, gens *generations, logger *logrus.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := gens.reload(ctx); err != nil {
				logger.WithFields(logging.LifecycleFields("reload", "")).
					WithError(err).Error("signal_reload_failed")
			}
		}
	}
}
