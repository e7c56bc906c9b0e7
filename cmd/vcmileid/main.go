package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"VCMilei/internal/agent"
	"VCMilei/internal/api"
	"VCMilei/internal/auth"
	"VCMilei/internal/config"
	"VCMilei/internal/dispatch"
	"VCMilei/internal/knowledge"
	"VCMilei/internal/observability/metrics"
	"VCMilei/internal/task"
	"VCMilei/pkg/logger"
)

// main 是 VCMilei 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("vcmileid 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("vcmileid")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	res, err := openResources(ctx, cfg)
	if err != nil {
		return err
	}
	defer res.Close()

	llmClient, embedder, err := createLLM(ctx, cfg)
	if err != nil {
		return err
	}

	recorder, err := createRecorder(cfg, res, embedder)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := recorder.Close(shutdownCtx); err != nil {
			log.Warn("等待记忆写入完成超时", slog.Any("error", err))
		}
	}()

	persona, err := knowledge.Load(cfg.Knowledge.Source)
	if err != nil {
		return err
	}

	deps := agent.Deps{
		LLM:          llmClient,
		Recorder:     recorder,
		Persona:      persona,
		MaxRounds:    cfg.LLM.MaxRounds,
		Temperature:  cfg.LLM.Temperature,
		RoundTimeout: config.Seconds(cfg.LLM.RoundTimeoutSeconds),
	}
	src, err := attachSources(ctx, cfg, &deps)
	if err != nil {
		return err
	}
	defer src.Close()

	router := agent.NewRouter(deps)
	alerts := createAlerts(cfg)

	taskStore, err := createTaskStore(cfg, res)
	if err != nil {
		return err
	}
	taskQueue, err := createTaskQueue(ctx, cfg, res)
	if err != nil {
		_ = taskStore.Close()
		return err
	}
	taskService := task.NewService(taskStore, taskQueue, cfg.TaskQueue.MaxRetries)
	defer func() {
		if err := taskService.Close(); err != nil {
			log.Warn("关闭任务服务失败", slog.Any("error", err))
		}
	}()
	processor := task.NewProcessor(router, taskStore, taskQueue, taskQueue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithExecutionTimeout(config.Seconds(cfg.TaskQueue.ExecutionTimeoutSecs)),
		task.WithAlertDispatcher(alerts),
	)

	dispatcher := dispatch.New(
		dispatch.WithPolicy(dispatch.ParsePolicy(cfg.Dispatch.Policy)),
		dispatch.WithAlerts(alerts),
	)
	if err := registerFeeds(ctx, cfg, res, dispatcher, router.VCMilei(), src); err != nil {
		return err
	}

	keys, err := auth.ParseKeys(config.Secret(cfg.Server.APIKeysEnv))
	if err != nil {
		return err
	}
	authService, err := auth.NewService(keys)
	if err != nil {
		return err
	}
	if !authService.Enabled() {
		log.Warn("未配置 API Key，接口不做认证")
	}
	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Agents:  router,
		Tasks:   taskService,
		Memory:  recorder,
		Ledgers: dispatcher,
		Auth:    authService,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return processor.Start(groupCtx) })
	group.Go(func() error { return dispatcher.Run(groupCtx) })
	group.Go(func() error { return server.Start(groupCtx) })
	if cfg.Metrics.Address != "" {
		group.Go(func() error { return metrics.StartServer(groupCtx, cfg.Metrics.Address) })
	}

	log.Info("VCMilei 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("llm", cfg.LLM.Provider),
		slog.String("task_queue", cfg.TaskQueue.Driver),
	)
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("VCMilei 已停止")
	return nil
}

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Rotation: logger.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		},
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.AuditPath != "",
			Path:       cfg.Logging.AuditPath,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		},
	})
}
