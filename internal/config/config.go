package config

import (
	"os"
	"strconv"
	"time"
)

// Config 应用配置结构
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Storage  StorageConfig  `json:"storage"`
	Sync     SyncConfig     `json:"sync"`
	Cache    CacheConfig    `json:"cache"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host string `json:"host"`
	Port string `json:"port"`
	Env  string `json:"env"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Path string `json:"path"`
}

// StorageConfig 附件存储配置
type StorageConfig struct {
	AttachmentDir string `json:"attachment_dir"`
	MaxFileSize   int64  `json:"max_file_size"`
}

// SyncConfig 同步引擎配置
type SyncConfig struct {
	PageSize          int           `json:"page_size"`
	MaxActionAttempts int           `json:"max_action_attempts"`
	ActiveInterval    time.Duration `json:"active_interval"`
	PassiveInterval   time.Duration `json:"passive_interval"`
	BackfillAfter     time.Duration `json:"backfill_after"`
	BulkFetchBatch    int           `json:"bulk_fetch_batch"`
}

// CacheConfig 缓存配额与淘汰配置
type CacheConfig struct {
	QuotaBytes    int64         `json:"quota_bytes"`
	RetentionDays int           `json:"retention_days"`
	UsagePause    float64       `json:"usage_pause_ratio"`      // 超过该比例后暂停新的下载任务
	EvictTrigger  float64       `json:"eviction_trigger_ratio"` // 超过该比例后触发淘汰任务
	EvictTarget   float64       `json:"eviction_target_ratio"`  // 淘汰的目标水位
	CheckInterval time.Duration `json:"check_interval"`
}

// Load 加载配置
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: getEnv("HOST", "localhost"),
			Port: getEnv("PORT", "8080"),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Path: getEnv("DB_PATH", "./mailsync.db"),
		},
		Storage: StorageConfig{
			AttachmentDir: getEnv("ATTACHMENT_DIR", "./attachments"),
			MaxFileSize:   parseInt64(getEnv("ATTACHMENT_MAX_FILE_SIZE", "104857600"), 100*1024*1024),
		},
		Sync: SyncConfig{
			PageSize:          parseInt(getEnv("SYNC_PAGE_SIZE", "100"), 100),
			MaxActionAttempts: parseInt(getEnv("SYNC_MAX_ACTION_ATTEMPTS", "3"), 3),
			ActiveInterval:    parseDuration(getEnv("SYNC_ACTIVE_INTERVAL", "5s"), 5*time.Second),
			PassiveInterval:   parseDuration(getEnv("SYNC_PASSIVE_INTERVAL", "15m"), 15*time.Minute),
			BackfillAfter:     parseDuration(getEnv("SYNC_BACKFILL_AFTER", "1h"), time.Hour),
			BulkFetchBatch:    parseInt(getEnv("SYNC_BULK_FETCH_BATCH", "20"), 20),
		},
		Cache: CacheConfig{
			QuotaBytes:    parseInt64(getEnv("CACHE_QUOTA_BYTES", "524288000"), 500*1024*1024),
			RetentionDays: parseInt(getEnv("CACHE_RETENTION_DAYS", "90"), 90),
			UsagePause:    parseFloat(getEnv("SYNC_USAGE_PAUSE_RATIO", "0.90"), 0.90),
			EvictTrigger:  parseFloat(getEnv("SYNC_EVICTION_TRIGGER_RATIO", "0.98"), 0.98),
			EvictTarget:   parseFloat(getEnv("SYNC_EVICTION_TARGET_RATIO", "0.80"), 0.80),
			CheckInterval: parseDuration(getEnv("CACHE_CHECK_INTERVAL", "10m"), 10*time.Minute),
		},
	}
}

// RetentionWindow 返回淘汰保留窗口
func (c *CacheConfig) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// TargetBytes 返回淘汰目标字节数
func (c *CacheConfig) TargetBytes() int64 {
	return int64(float64(c.QuotaBytes) * c.EvictTarget)
}

// TriggerBytes 返回淘汰触发字节数
func (c *CacheConfig) TriggerBytes() int64 {
	return int64(float64(c.QuotaBytes) * c.EvictTrigger)
}

// PauseBytes 返回下载暂停字节数
func (c *CacheConfig) PauseBytes() int64 {
	return int64(float64(c.QuotaBytes) * c.UsagePause)
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration 解析时间间隔
func parseDuration(s string, defaultValue time.Duration) time.Duration {
	duration, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return duration
}

// parseInt 解析整数
func parseInt(s string, defaultValue int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return i
}

// parseInt64 解析64位整数
func parseInt64(s string, defaultValue int64) int64 {
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return defaultValue
	}
	return i
}

// parseFloat 解析浮点数
func parseFloat(s string, defaultValue float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return defaultValue
	}
	return f
}
