package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eplnewshub/newshub-edge/internal/config"
	"github.com/eplnewshub/newshub-edge/internal/version"
)

const serviceName = "newshub-edge"

// InitLogger 根据全局配置初始化 JSON 结构化日志，文件输出交给 lumberjack 轮转。
// 每条日志都会带上 service/version 字段，便于多实例汇总后区分部署版本。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	output, outErr := buildOutput(cfg)
	if outErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", outErr)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(staticFieldsHook{fields: logrus.Fields{
		"service": serviceName,
		"version": version.Version,
	}})

	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.GetLevel())

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(outErr.Error())
	}

	return logger, nil
}

// NewDiscardLogger 返回丢弃全部输出的 logger，供测试与可选依赖使用。
func NewDiscardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// buildOutput 根据配置创建日志输出 Writer；目录不可写时降级到 stdout 并返回错误。
func buildOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}

	dir := filepath.Dir(cfg.LogFilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}

// staticFieldsHook 为每条日志补充固定字段，调用方显式设置的同名字段优先。
type staticFieldsHook struct {
	fields logrus.Fields
}

func (h staticFieldsHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h staticFieldsHook) Fire(entry *logrus.Entry) error {
	for key, value := range h.fields {
		if _, exists := entry.Data[key]; !exists {
			entry.Data[key] = value
		}
	}
	return nil
}
