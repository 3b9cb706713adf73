package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

const slowQueryThreshold = 200 * time.Millisecond

// queryLogger routes gorm's internal logging through zap so database output
// shares the application's log pipeline. Queries slower than
// slowQueryThreshold are logged at warn level regardless of log level.
type queryLogger struct {
	log     *zap.Logger
	level   logger.LogLevel
	showSQL bool
}

func newQueryLogger(log *zap.Logger, level logger.LogLevel, showSQL bool) logger.Interface {
	return queryLogger{log: log, level: level, showSQL: showSQL}
}

func (q queryLogger) LogMode(level logger.LogLevel) logger.Interface {
	q.level = level
	return q
}

func (q queryLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if q.level >= logger.Info {
		q.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (q queryLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if q.level >= logger.Warn {
		q.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (q queryLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if q.level >= logger.Error {
		q.log.Error(fmt.Sprintf(msg, args...))
	}
}

func (q queryLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("caller", utils.FileWithLineNum()),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", elapsed),
	}

	switch {
	case err != nil && !errors.Is(err, logger.ErrRecordNotFound):
		q.log.Error("query failed", append(fields, zap.Error(err))...)
	case elapsed >= slowQueryThreshold:
		q.log.Warn("slow query", append(fields, zap.Duration("threshold", slowQueryThreshold))...)
	case q.showSQL && q.level >= logger.Info:
		q.log.Debug("query", fields...)
	}
}
