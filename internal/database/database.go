package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailsync/internal/models"

	// 导入SQLite驱动
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Initialize 初始化数据库连接
func Initialize(dbPath string) (*gorm.DB, error) {
	return InitializeWithDriver(dbPath, false)
}

// InitializeWithDriver 使用指定驱动初始化数据库连接
// usePureGo为true时使用纯Go SQLite驱动（用于测试环境）
func InitializeWithDriver(dbPath string, usePureGo bool) (*gorm.DB, error) {
	// 确保数据库目录存在
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// 执行数据库迁移（使用独立连接，避免影响GORM连接状态）
	if err := runMigrations(dbPath, usePureGo); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	db, err := openGorm(dbPath, usePureGo)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// 优化连接池参数
	if err := optimizeConnectionPool(sqlDB); err != nil {
		return nil, fmt.Errorf("failed to optimize connection pool: %w", err)
	}

	// 应用SQLite性能优化
	if err := applySQLiteOptimizations(db); err != nil {
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	log.Println("Database initialized successfully")
	return db, nil
}

// openGorm 打开GORM连接
func openGorm(dbPath string, usePureGo bool) (*gorm.DB, error) {
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			LogLevel: logger.Warn,
			Colorful: true,
		},
	)

	if usePureGo {
		return gorm.Open(sqlite.Dialector{
			DriverName: "sqlite",
			DSN:        dbPath,
		}, &gorm.Config{
			Logger: gormLogger,
		})
	}

	return gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormLogger,
	})
}

// runMigrations 执行数据库迁移
// 使用golang-migrate的嵌入式迁移源，保证二进制可独立分发
func runMigrations(dbPath string, usePureGo bool) error {
	driverName := "sqlite3"
	if usePureGo {
		driverName = "sqlite"
	}

	migrationDB, err := sql.Open(driverName, dbPath)
	if err != nil {
		return fmt.Errorf("failed to open migration database connection: %w", err)
	}
	defer migrationDB.Close()

	sourceDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	dbDriver, err := migratesqlite.WithInstance(migrationDB, &migratesqlite.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// optimizeConnectionPool 优化连接池参数
// SQLite在WAL模式下支持并发读取，写入仍然是串行的
func optimizeConnectionPool(sqlDB *sql.DB) error {
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)

	return nil
}

// applySQLiteOptimizations 应用SQLite性能优化
func applySQLiteOptimizations(db *gorm.DB) error {
	optimizations := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range optimizations {
		if err := db.Exec(pragma).Error; err != nil {
			log.Printf("Warning: failed to execute %s: %v", pragma, err)
		}
	}

	return nil
}

// AllModels 返回全部数据模型，供测试环境AutoMigrate使用
func AllModels() []interface{} {
	return []interface{}{
		&models.EmailAccount{},
		&models.Folder{},
		&models.Message{},
		&models.Attachment{},
		&models.PendingAction{},
		&models.FolderSyncState{},
	}
}
