package sysutil

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log = zap.NewNop()
var LogSugar = Log.Sugar()

// InitLogger 初始化全局日志, level 取值 debug/info/warn/error
func InitLogger(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder        // 格式化时间输出
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder // 彩色级别
	// 开发模式：输出到控制台，带颜色和行号
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(config.EncoderConfig),
		zapcore.AddSync(os.Stdout),
		lvl,
	)
	Log = zap.New(core, zap.AddCaller())
	LogSugar = Log.Sugar()
	return nil
}

// Named 返回带组件名的子日志; 未初始化时为 Nop
func Named(component string) *zap.Logger {
	return Log.Named(component)
}
