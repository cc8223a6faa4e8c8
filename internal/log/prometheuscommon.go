package log

import plog "github.com/prometheus/common/log"

// NewPrometheusCommon adapts prometheus/common/log to the Logger
// interface, the same logging dependency the teacher's transport layer
// calls directly as package-level functions.
func NewPrometheusCommon() Logger {
	return prometheusCommonLogger{base: plog.Base()}
}

type prometheusCommonLogger struct {
	base plog.Logger
}

func (l prometheusCommonLogger) Info(args ...interface{})                  { l.base.Info(args...) }
func (l prometheusCommonLogger) Infof(format string, args ...interface{})  { l.base.Infof(format, args...) }
func (l prometheusCommonLogger) Warn(args ...interface{})                  { l.base.Warn(args...) }
func (l prometheusCommonLogger) Warnf(format string, args ...interface{})  { l.base.Warnf(format, args...) }
func (l prometheusCommonLogger) Error(args ...interface{})                 { l.base.Error(args...) }
func (l prometheusCommonLogger) Errorf(format string, args ...interface{}) { l.base.Errorf(format, args...) }
func (l prometheusCommonLogger) Debug(args ...interface{})                 { l.base.Debug(args...) }
func (l prometheusCommonLogger) Debugf(format string, args ...interface{}) { l.base.Debugf(format, args...) }

func (l prometheusCommonLogger) WithField(key string, value interface{}) Logger {
	return prometheusCommonLogger{base: l.base.With(key, value)}
}
