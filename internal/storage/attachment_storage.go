package storage

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// AttachmentStorage 附件本地存储
// 以不透明的blob名落盘，数据库记录持有存储路径
type AttachmentStorage struct {
	baseDir string
}

// NewAttachmentStorage 创建附件存储
func NewAttachmentStorage(baseDir string) (*AttachmentStorage, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("attachment storage directory not configured")
	}

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &AttachmentStorage{baseDir: baseDir}, nil
}

// Save 保存附件内容，返回存储路径
// 先写临时文件再原子重命名，避免下载中断留下半截文件
func (s *AttachmentStorage) Save(accountID uint, filename string, data io.Reader) (string, int64, error) {
	accountDir := filepath.Join(s.baseDir, fmt.Sprintf("account_%d", accountID))
	if err := os.MkdirAll(accountDir, 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create account directory: %w", err)
	}

	blobName := uuid.New().String() + sanitizeExt(filename)
	finalPath := filepath.Join(accountDir, blobName)

	tmpFile, err := os.CreateTemp(accountDir, ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	written, err := io.Copy(tmpFile, data)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to write attachment data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to finalize attachment file: %w", err)
	}

	return finalPath, written, nil
}

// Open 打开已保存的附件
func (s *AttachmentStorage) Open(storagePath string) (io.ReadCloser, error) {
	if storagePath == "" {
		return nil, fmt.Errorf("attachment has no storage path")
	}
	return os.Open(storagePath)
}

// Delete 删除附件文件
// 文件不存在视为删除成功，保证淘汰过程可重入
func (s *AttachmentStorage) Delete(storagePath string) error {
	if storagePath == "" {
		return nil
	}

	if err := os.Remove(storagePath); err != nil {
		if os.IsNotExist(err) {
			log.Printf("Attachment file already gone: %s", storagePath)
			return nil
		}
		return fmt.Errorf("failed to delete attachment file: %w", err)
	}
	return nil
}

// sanitizeExt 提取安全的文件扩展名
func sanitizeExt(filename string) string {
	ext := filepath.Ext(filename)
	if ext == "" || len(ext) > 10 || strings.ContainsAny(ext, "/\\") {
		return ""
	}
	return strings.ToLower(ext)
}
