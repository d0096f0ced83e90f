package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type impl struct {
	name  string
	level zap.AtomicLevel
	base  *zap.Logger
}

func (imp *impl) AsZap() *zap.SugaredLogger {
	ret := imp.base.WithOptions(zap.IncreaseLevel(imp.level)).Sugar()
	if imp.name != "" {
		ret = ret.Named(imp.name)
	}
	return ret
}

func (imp *impl) Sublogger(subname string) Logger {
	newName := subname
	if imp.name != "" {
		newName = fmt.Sprintf("%s.%s", imp.name, subname)
	}

	return &impl{
		name:  newName,
		level: zap.NewAtomicLevelAt(imp.level.Level()),
		base:  imp.base,
	}
}

func (imp *impl) SetLevel(level Level) {
	imp.level.SetLevel(level.AsZap())
}

func (imp *impl) GetLevel() Level {
	return levelFromZap(imp.level.Level())
}

func (imp *impl) Sync() error {
	return imp.base.Sync()
}

func (imp *impl) sugar() *zap.SugaredLogger {
	// Skip the wrapper frame so callers see their own file:line.
	ret := imp.base.WithOptions(zap.AddCallerSkip(1), zap.IncreaseLevel(imp.level)).Sugar()
	if imp.name != "" {
		ret = ret.Named(imp.name)
	}
	return ret
}

func (imp *impl) enabled(level zapcore.Level) bool {
	return imp.level.Enabled(level)
}

func (imp *impl) Debug(args ...interface{}) {
	if imp.enabled(zapcore.DebugLevel) {
		imp.sugar().Debug(args...)
	}
}

func (imp *impl) Debugf(template string, args ...interface{}) {
	if imp.enabled(zapcore.DebugLevel) {
		imp.sugar().Debugf(template, args...)
	}
}

func (imp *impl) Debugw(msg string, keysAndValues ...interface{}) {
	if imp.enabled(zapcore.DebugLevel) {
		imp.sugar().Debugw(msg, keysAndValues...)
	}
}

func (imp *impl) Info(args ...interface{}) {
	imp.sugar().Info(args...)
}

func (imp *impl) Infof(template string, args ...interface{}) {
	imp.sugar().Infof(template, args...)
}

func (imp *impl) Infow(msg string, keysAndValues ...interface{}) {
	imp.sugar().Infow(msg, keysAndValues...)
}

func (imp *impl) Warn(args ...interface{}) {
	imp.sugar().Warn(args...)
}

func (imp *impl) Warnf(template string, args ...interface{}) {
	imp.sugar().Warnf(template, args...)
}

func (imp *impl) Warnw(msg string, keysAndValues ...interface{}) {
	imp.sugar().Warnw(msg, keysAndValues...)
}

func (imp *impl) Error(args ...interface{}) {
	imp.sugar().Error(args...)
}

func (imp *impl) Errorf(template string, args ...interface{}) {
	imp.sugar().Errorf(template, args...)
}

func (imp *impl) Errorw(msg string, keysAndValues ...interface{}) {
	imp.sugar().Errorw(msg, keysAndValues...)
}
