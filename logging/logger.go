package logging

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Level is a zap level name ("debug",
// "info", ...); an empty level means info. Development selects the
// human-readable console encoder.
func New(level string, development bool) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	config := zap.NewProductionConfig()
	if development {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = zap.NewAtomicLevelAt(lvl)
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// EventLogger records the named events of one node: peers joining and
// leaving, monitor summaries, errors and operation metrics. Every entry
// carries an "event" field so runs can be filtered and plotted later.
type EventLogger struct {
	nodeID string
	logger *zap.Logger
}

// NewEventLogger wraps logger for nodeID. A nil logger discards events.
func NewEventLogger(nodeID string, logger *zap.Logger) *EventLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventLogger{
		nodeID: nodeID,
		logger: logger.With(zap.String("node", nodeID)),
	}
}

// Logger returns the underlying logger.
func (l *EventLogger) Logger() *zap.Logger { return l.logger }

// LogPeerJoin records a peer entering the cluster.
func (l *EventLogger) LogPeerJoin(peerID, addr string) {
	l.logger.Info("peer joined",
		zap.String("event", "PEER_JOIN"),
		zap.String("peer", peerID),
		zap.String("addr", addr),
		zap.Int64("joined_at", time.Now().UnixMilli()))
}

// LogPeerLeave records a peer leaving the cluster.
func (l *EventLogger) LogPeerLeave(peerID string) {
	l.logger.Info("peer left",
		zap.String("event", "PEER_LEAVE"),
		zap.String("peer", peerID),
		zap.Int64("left_at", time.Now().UnixMilli()))
}

// LogPeerUpdate records changed peer metadata.
func (l *EventLogger) LogPeerUpdate(peerID string) {
	l.logger.Debug("peer updated",
		zap.String("event", "PEER_UPDATE"),
		zap.String("peer", peerID))
}

// LogSummary records one monitor refresh.
func (l *EventLogger) LogSummary(agents int, spread time.Duration, meanAbsDiff float64) {
	l.logger.Info("sync summary",
		zap.String("event", "SYNC_SUMMARY"),
		zap.Int("agents", agents),
		zap.Duration("spread", spread),
		zap.Float64("mean_abs_diff", meanAbsDiff),
		zap.Int64("snapshot_at", time.Now().UnixMilli()))
}

// LogEviction records agents dropped after going silent.
func (l *EventLogger) LogEviction(agents []string) {
	l.logger.Info("agents evicted",
		zap.String("event", "EVICTED"),
		zap.Strings("agents", agents))
}

// LogError records a failed operation.
func (l *EventLogger) LogError(operation string, err error) {
	l.logger.Error("operation failed",
		zap.String("event", "ERROR"),
		zap.String("operation", operation),
		zap.Error(err))
}

// LogMetrics records how long an operation over count items took.
func (l *EventLogger) LogMetrics(operation string, duration time.Duration, count int) {
	rate := 0.0
	if duration > 0 {
		rate = float64(count) / duration.Seconds()
	}
	l.logger.Info("metrics",
		zap.String("event", "METRICS"),
		zap.String("operation", operation),
		zap.Duration("duration", duration),
		zap.Int("count", count),
		zap.Float64("ops_per_sec", rate))
}
