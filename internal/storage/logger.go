package storage

import (
	"context"
	"errors"
	"time"

	flog "flowguard/internal/logger"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type flowIDKey struct{}

// WithFlowID 在 context 中携带 flow id，SQL 日志会带上该字段
func WithFlowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, flowIDKey{}, id)
}

func flowIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(flowIDKey{}).(string)
	return id
}

// GormLogger 将 GORM 日志转发到 flowguard logger
type GormLogger struct {
	flog.Logger
	LogLevel      logger.LogLevel
	SlowThreshold time.Duration
}

// NewGormLogger 默认只记录错误与慢查询
func NewGormLogger(l flog.Logger) *GormLogger {
	return &GormLogger{
		Logger:        l,
		LogLevel:      logger.Warn,
		SlowThreshold: 200 * time.Millisecond,
	}
}

// LogMode 返回指定级别的副本
func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.LogLevel = level
	return &cp
}

// Info 实现 logger.Interface
func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	l.forward(ctx, logger.Info, l.Logger.Info, msg, data)
}

// Warn 实现 logger.Interface
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	l.forward(ctx, logger.Warn, l.Logger.Warn, msg, data)
}

// Error 实现 logger.Interface
func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	l.forward(ctx, logger.Error, l.Logger.Error, msg, data)
}

// forward 级别满足时附带 flow id 转发
func (l *GormLogger) forward(ctx context.Context, at logger.LogLevel, emit func(string, ...any), msg string, data []any) {
	if l.LogLevel < at {
		return
	}
	emit(msg, "flowID", flowIDFrom(ctx), "data", data)
}

// Trace 记录 SQL：出错记 error，慢查询记 warn，Info 模式下记 debug
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []any{
		"flowID", flowIDFrom(ctx),
		"sql", sql,
		"rows", rows,
		"timeMs", float64(elapsed.Nanoseconds()) / 1e6,
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.LogLevel >= logger.Error:
		l.Logger.Error("SQL执行错误", append(fields, "error", err)...)
	case l.SlowThreshold > 0 && elapsed > l.SlowThreshold && l.LogLevel >= logger.Warn:
		l.Logger.Warn("慢SQL查询", append(fields, "threshold", l.SlowThreshold.String())...)
	case l.LogLevel == logger.Info:
		l.Logger.Debug("SQL执行", fields...)
	}
}
