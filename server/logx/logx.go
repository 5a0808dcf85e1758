// log sink construction: sync or async, daily rotation, off switch
package logx

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultQueueSize = 1000

type Options struct {
	Dir       string // directory for the daily files
	Base      string // filename stem, default "webserv"
	Async     bool   // true: bounded queue + flusher goroutine
	QueueSize int    // async queue capacity, default 1000
	Disabled  bool   // true: nop logger
}

// Log is the process-wide sink. Sync mode writes on the calling
// goroutine, async mode is best-effort and drops on a full queue.
type Log struct {
	*zap.SugaredLogger

	file  *dailyWriter
	async *asyncWriter
}

func New(o Options) *Log {
	if o.Disabled {
		return &Log{SugaredLogger: zap.NewNop().Sugar()}
	}
	if o.Base == "" {
		o.Base = "webserv"
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}

	l := &Log{file: newDailyWriter(o.Dir, o.Base)}

	var sink zapcore.WriteSyncer = l.file
	if o.Async {
		l.async = newAsyncWriter(sink, o.QueueSize)
		sink = l.async
	}

	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})
	core := zapcore.NewCore(enc, sink, zap.InfoLevel)
	l.SugaredLogger = zap.New(core).Sugar()
	return l
}

// Dropped reports lines discarded by the async queue
func (l *Log) Dropped() uint64 {
	if l.async == nil {
		return 0
	}
	return l.async.Dropped()
}

func (l *Log) Close() {
	l.SugaredLogger.Sync()
	if l.async != nil {
		l.async.Close()
	}
	if l.file != nil {
		l.file.Close()
	}
}
