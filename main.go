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

	"github.com/kitchen-assistant/kitchen-cache/internal/cache"
	"github.com/kitchen-assistant/kitchen-cache/internal/config"
	"github.com/kitchen-assistant/kitchen-cache/internal/logging"
	"github.com/kitchen-assistant/kitchen-cache/internal/proxy"
	"github.com/kitchen-assistant/kitchen-cache/internal/server"
	"github.com/kitchen-assistant/kitchen-cache/internal/server/routes"
	"github.com/kitchen-assistant/kitchen-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	printConfig bool
	showVersion bool
}

const shutdownTimeout = 10 * time.Second

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

	if opts.printConfig {
		out, err := config.DumpYAML(cfg)
		if err != nil {
			fmt.Fprintf(stdErr, "输出配置失败: %v\n", err)
			return 1
		}
		_, _ = stdOut.Write(out)
		return 0
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_name"] = cfg.Worker.CacheName
		fields["origin"] = cfg.Worker.Origin
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["assets"] = len(cfg.Worker.Assets)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序为“配置 → 缓存存储 → install/activate → Fiber server”，
	// 保证监听开始前已经有可服务的缓存版本。
	storage, err := cache.NewStorage(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, worker, err := buildApp(ctx, cfg, storage, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "缓存版本启动失败: %v\n", err)
		return 1
	}
	defer worker.Flush()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_name"] = cfg.Worker.CacheName
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["state"] = string(worker.State())
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(ctx, app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("kitchen-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag  string
		checkOnly   bool
		printConfig bool
		showVer     bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 KITCHEN_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&printConfig, "print-config", false, "以 YAML 输出生效配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("KITCHEN_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		printConfig: printConfig,
		showVersion: showVer,
	}, nil
}

// buildApp 完成 Worker 的 install/activate 并组装 Fiber 应用。
// 安装失败但存储中仍有旧版本时继续启动，由旧版本提供服务。
func buildApp(ctx context.Context, cfg *config.Config, storage cache.Storage, logger *logrus.Logger) (*fiber.App, *proxy.Worker, error) {
	opts, err := proxy.OptionsFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	httpClient := server.NewUpstreamClient(cfg)
	worker, err := proxy.NewWorker(opts, httpClient, storage, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := worker.Start(ctx); err != nil {
		if errors.Is(err, proxy.ErrNoActiveVersion) {
			return nil, nil, err
		}
	}

	handler := proxy.NewHandler(worker, httpClient, logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewForwarder(handler, worker.CacheName(), logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, worker, logger)
	routes.RegisterClientConfigRoutes(app, cfg.Client)
	return app, worker, nil
}

// serve 监听端口直到 ctx 结束，随后在超时内优雅关闭。
func serve(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，等待请求结束")
	return app.ShutdownWithTimeout(shutdownTimeout)
}
