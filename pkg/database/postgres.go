package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"meli_sync_v1/internal/config"
	"meli_sync_v1/internal/model"
)

// InitDB 初始化数据库连接并完成迁移
func InitDB(cfg config.PostgresConfig) (*gorm.DB, error) {
	// 开发环境下可以打开 SQL 日志，方便调试
	logMode := logger.Warn
	if cfg.LogSQL {
		logMode = logger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logMode),
	})
	if err != nil {
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}

	// 获取底层的 sqlDB 对象，用于设置连接池参数
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 SQL DB 失败: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate 自动建表，并补充 AutoMigrate 无法表达的组合索引
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.Account{}, &model.WebhookEvent{}); err != nil {
		return fmt.Errorf("自动建表出错: %w", err)
	}

	// created_at 来自 BaseModel，只能在这里建组合索引
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_webhook_events_owner_topic_created ON webhook_events (owner_user_id, topic, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_webhook_events_created_at ON webhook_events (created_at)",
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("创建索引失败: %w", err)
		}
	}
	return nil
}
