package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bagaking/claude-balancer/balancer"
	"github.com/bagaking/claude-balancer/config"
	"github.com/bagaking/claude-balancer/metrics"
	"github.com/bagaking/claude-balancer/proxy"
)

var version = "dev"

type cliFlags struct {
	configPath  string
	listen      string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()
	if flags.showVersion {
		fmt.Printf("claude-balancer %s\n", version)
		return
	}

	// 配置加载之前的失败同样输出结构化日志
	bootLogger := bootstrapLogger(flags)

	cfg, err := loadConfig(flags, bootLogger)
	if err != nil {
		_ = bootLogger.Sync()
		os.Exit(1)
	}

	logger, err := proxy.NewLogger(proxy.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		bootLogger.Error("failed to initialize logger",
			zap.String("level", cfg.Log.Level),
			zap.String("format", cfg.Log.Format),
			zap.Error(err),
		)
		_ = bootLogger.Sync()
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	// 注册表不合法时绝不监听端口
	registry, err := balancer.NewRegistry(cfg.Endpoints)
	if err != nil {
		logger.Error("invalid endpoint registry", zap.String("config", flags.configPath), zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("endpoint registry loaded",
		zap.String("config", flags.configPath),
		zap.Int("endpoints", registry.Len()),
	)

	gin.SetMode(gin.ReleaseMode)
	p := proxy.NewProxy(proxy.Config{
		ListenAddr:        cfg.Listen,
		Timeout:           cfg.Timeout,
		StreamIdleTimeout: cfg.StreamIdleTimeout,
		DefaultVersion:    cfg.DefaultVersion,
		MaxBodyBytes:      cfg.MaxBodyBytes,
	}, balancer.NewRoundRobin(registry),
		proxy.WithLogger(logger),
		proxy.WithMetrics(metrics.New("")),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx); err != nil {
		logger.Error("proxy server stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("CONFIG_PATH", config.DefaultPath),
		"Path to the endpoints configuration file")
	listen := flag.String("listen", "", "Listen address, overrides PORT and the config file")
	logLevel := flag.String("log-level", os.Getenv("LOG_LEVEL"), "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", os.Getenv("LOG_FORMAT"), "Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		listen:      *listen,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// bootstrapLogger 配置文件加载之前使用的日志器；命令行给出的级别非法时退回默认值
func bootstrapLogger(flags cliFlags) proxy.Logger {
	logger, err := proxy.NewLogger(proxy.LogConfig{Level: flags.logLevel, Format: flags.logFormat})
	if err == nil {
		return logger
	}

	fallback, _ := proxy.NewLogger(proxy.LogConfig{})
	fallback.Warn("invalid log flags, using defaults", zap.Error(err))
	return fallback
}

// loadConfig 加载配置文件并应用覆盖项
func loadConfig(flags cliFlags, logger proxy.Logger) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		logger.Error("failed to load config",
			zap.String("config", flags.configPath),
			zap.Error(err),
		)
		return nil, err
	}
	applyOverrides(cfg, flags)
	return cfg, nil
}

// applyOverrides 优先级：命令行 > 环境变量 > 配置文件
func applyOverrides(cfg *config.Config, flags cliFlags) {
	switch {
	case flags.listen != "":
		cfg.Listen = flags.listen
	case os.Getenv("PORT") != "":
		cfg.Listen = ":" + os.Getenv("PORT")
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
