package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"meli_sync_v1/internal/config"
	"meli_sync_v1/internal/controller"
	"meli_sync_v1/internal/metrics"
	"meli_sync_v1/internal/middleware"
	"meli_sync_v1/internal/realtime"
	"meli_sync_v1/internal/repository"
	"meli_sync_v1/internal/router"
	"meli_sync_v1/internal/service"
	"meli_sync_v1/internal/task"
	"meli_sync_v1/pkg/database"
	"meli_sync_v1/pkg/logger"
	"meli_sync_v1/pkg/meli"
)

func main() {
	app := &cli.App{
		Name:  "meli-sync",
		Usage: "Mercado Livre 账号同步与 Webhook 处理服务",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "配置文件路径，不存在时只使用默认值和环境变量",
				EnvVars: []string{"MELI_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "启动 HTTP 服务和定时任务",
				Action: runServe,
			},
			{
				Name:   "migrate",
				Usage:  "只执行数据库迁移",
				Action: runMigrate,
			},
			{
				Name:  "issue-token",
				Usage: "签发运维 Access Token",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "user-id", Required: true},
					&cli.StringFlag{Name: "username", Value: "operator"},
					&cli.StringFlag{Name: "role", Value: middleware.RoleOperator},
				},
				Action: runIssueToken,
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ==================== 依赖容器 ====================

// Dependencies 依赖容器
type Dependencies struct {
	Config      *config.Config
	Logger      *zap.SugaredLogger
	DB          *gorm.DB
	Redis       *redis.Client
	Repos       *Repositories
	Services    *Services
	Hub         *realtime.Hub
	TaskManager *task.TaskManager
	Controllers *router.Controllers
	Limits      router.Limits
}

// Repositories 仓库集合
type Repositories struct {
	Account repository.AccountRepository
	Event   repository.WebhookEventRepository
}

// Services 服务集合
type Services struct {
	Token   *service.TokenService
	Cache   *service.CacheService
	Sync    *service.SyncService
	Event   *service.EventService
	Webhook *service.WebhookService
	Auth    *service.AuthService
	Account *service.AccountService
}

// ==================== 命令 ====================

func loadConfig(c *cli.Context) (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	middleware.SetJWTConfig(&middleware.JWTConfig{
		SecretKey:      cfg.JWT.Secret,
		AccessTokenTTL: cfg.JWT.AccessTokenTTL,
		Issuer:         cfg.JWT.Issuer,
	})
	return cfg, log, nil
}

func runMigrate(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	// InitDB 内部已执行迁移
	if _, err := database.InitDB(cfg.Postgres); err != nil {
		return err
	}
	log.Info("数据库迁移完成")
	return nil
}

func runIssueToken(c *cli.Context) error {
	if _, _, err := loadConfig(c); err != nil {
		return err
	}
	token, err := middleware.GenerateAccessToken(c.Int64("user-id"), c.String("username"), c.String("role"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runServe(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 初始化依赖
	metrics.Register()
	deps, err := initDependencies(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = deps.Redis.Close() }()

	// 2. 后台协程：推送 Hub、Webhook 入库 worker
	go deps.Hub.Run(ctx)
	deps.Services.Webhook.Start(ctx)

	// 3. 启动定时任务
	if err := deps.TaskManager.Start(); err != nil {
		return err
	}

	// 4. 初始化路由
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.AccessLog(log), metrics.GinMiddleware(), gin.Recovery())
	router.InitRoutes(r, deps.Controllers, deps.Limits)

	// 5. 启动服务，阻塞到收到退出信号
	return startServer(ctx, deps, r)
}

// ==================== 初始化函数 ====================

// initDependencies 初始化所有依赖
func initDependencies(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*Dependencies, error) {
	// -------- 存储 --------
	db, err := database.InitDB(cfg.Postgres)
	if err != nil {
		return nil, err
	}
	rdb, err := database.InitRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}

	repos := &Repositories{
		Account: repository.NewAccountRepository(db),
		Event:   repository.NewWebhookEventRepository(db),
	}

	// -------- 基础设施 --------
	meliClient := meli.NewClient(cfg.Meli)
	hub := realtime.NewHub(cfg.Server.RealtimeBuffer, log)

	// -------- 业务服务 --------
	svc := &Services{}
	svc.Cache = service.NewCacheService(rdb, log)
	svc.Token = service.NewTokenService(repos.Account, meliClient, log)
	svc.Sync = service.NewSyncService(repos.Account, svc.Token, meliClient, hub, cfg.Sync, log)
	svc.Event = service.NewEventService(repos.Event, repos.Account, svc.Token, meliClient, svc.Cache, hub, cfg.Events, log)
	svc.Webhook = service.NewWebhookService(repos.Event, repos.Account, service.NewSignatureVerifier(cfg.Webhook), cfg.Webhook, log)
	svc.Auth = service.NewAuthService(repos.Account, meliClient, meliClient, svc.Cache, log)
	svc.Account = service.NewAccountService(repos.Account, repos.Event, svc.Cache, log)

	// -------- 定时任务 --------
	taskManager := task.NewTaskManager(&task.TaskManagerDeps{
		AccountRepo:  repos.Account,
		EventRepo:    repos.Event,
		TokenService: svc.Token,
		SyncService:  svc.Sync,
		EventService: svc.Event,
	}, cfg, log)

	// -------- Controller 层 --------
	syncLimiter := middleware.NewSyncRateLimiter()
	controllers := &router.Controllers{
		Auth:     controller.NewAuthController(svc.Auth, svc.Account, svc.Token),
		Account:  controller.NewAccountController(svc.Account),
		Sync:     controller.NewSyncController(svc.Account, svc.Sync, taskManager, syncLimiter),
		Webhook:  controller.NewWebhookController(svc.Webhook, cfg.Webhook.MaxBodyBytes),
		Realtime: controller.NewRealtimeController(hub, cfg.Server.AllowedOrigins, log),
	}

	return &Dependencies{
		Config:      cfg,
		Logger:      log,
		DB:          db,
		Redis:       rdb,
		Repos:       repos,
		Services:    svc,
		Hub:         hub,
		TaskManager: taskManager,
		Controllers: controllers,
		Limits: router.Limits{
			SyncLimiter:    syncLimiter,
			ManualCooldown: cfg.Sync.ManualCooldown,
			OAuthLimiter:   middleware.NewIPRateLimiter(cfg.Server.OAuthRPS, cfg.Server.OAuthBurst),
		},
	}, nil
}

// ==================== 服务启动 ====================

// startServer 启动服务，ctx 结束后按顺序优雅关闭
func startServer(ctx context.Context, deps *Dependencies, r *gin.Engine) error {
	log := deps.Logger
	srv := &http.Server{
		Addr:              ":" + deps.Config.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("服务启动", "port", deps.Config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("服务启动失败: %w", err)
	case <-ctx.Done():
	}

	log.Info("正在关闭服务...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), deps.Config.Server.ShutdownTimeout)
	defer cancel()

	// 1. 停止接收请求
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("服务强制关闭", "error", err)
	}
	// 2. 停止定时任务
	deps.TaskManager.Stop(shutdownCtx)
	// 3. 关闭通知队列，等待已应答的 Webhook 入库
	deps.Services.Webhook.Stop()

	log.Info("服务已退出")
	return nil
}
