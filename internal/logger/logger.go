package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base  = newLogger()
	sugar = base.Sugar()
)

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// SetDebug 设置是否开启调试模式
func SetDebug(debug bool) {
	if debug {
		level.SetLevel(zapcore.DebugLevel)
		return
	}
	level.SetLevel(zapcore.InfoLevel)
}

// L 返回底层的结构化 logger，供需要字段化日志的地方使用
func L() *zap.Logger {
	return base
}

// Info 打印信息日志
func Info(format string, v ...interface{}) {
	sugar.Infof(format, v...)
}

// Debug 打印调试日志
func Debug(format string, v ...interface{}) {
	sugar.Debugf(format, v...)
}

// Warn 打印告警日志
func Warn(format string, v ...interface{}) {
	sugar.Warnf(format, v...)
}

// Error 打印错误日志
func Error(format string, v ...interface{}) {
	sugar.Errorf(format, v...)
}

// Fatal 打印错误日志并退出
func Fatal(format string, v ...interface{}) {
	sugar.Fatalf(format, v...)
}

// Sync 刷新缓冲区，进程退出前调用
func Sync() {
	_ = base.Sync()
}
