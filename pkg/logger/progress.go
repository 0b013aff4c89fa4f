package logger

import (
	"fmt"
	"sync"
	"time"
)

// ProgressTracker counts units of work for a long-running stage (statements
// parsed, SAT packages downloaded) and logs at most once per interval.
type ProgressTracker struct {
	logger      Logger
	stage       string
	total       int64
	current     int64
	startTime   time.Time
	lastLogTime time.Time
	logInterval time.Duration
	mutex       sync.Mutex
}

// NewProgressTracker creates a tracker for stage with an expected total.
// A zero total means the amount of work is unknown.
func NewProgressTracker(stage string, total int64, log Logger) *ProgressTracker {
	if log == nil {
		log = GetGlobalLogger()
	}
	now := time.Now()
	p := &ProgressTracker{
		logger:      log.WithComponent("progress"),
		stage:       stage,
		total:       total,
		startTime:   now,
		lastLogTime: now,
		logInterval: 5 * time.Second,
	}
	p.logger.WithFields(Fields{"stage": stage, "total": total}).Debug("Stage started")
	return p
}

// Add advances the counter by delta.
func (p *ProgressTracker) Add(delta int64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.current += delta
	now := time.Now()
	if now.Sub(p.lastLogTime) >= p.logInterval {
		p.logger.WithFields(p.fields(now)).Info("Progress update")
		p.lastLogTime = now
	}
}

// Complete logs final statistics. A non-nil err marks the stage as failed.
func (p *ProgressTracker) Complete(err error) ProgressStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := time.Now()
	fields := p.fields(now)
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("Stage failed")
	} else {
		p.logger.WithFields(fields).Info("Stage completed")
	}
	return ProgressStats{
		Stage:    p.stage,
		Total:    p.total,
		Current:  p.current,
		Duration: now.Sub(p.startTime),
	}
}

func (p *ProgressTracker) fields(now time.Time) Fields {
	duration := now.Sub(p.startTime)
	fields := Fields{
		"stage":     p.stage,
		"processed": p.current,
		"duration":  duration.String(),
	}
	if p.total > 0 {
		fields["total"] = p.total
		fields["percentage"] = fmt.Sprintf("%.1f%%", float64(p.current)/float64(p.total)*100)
	}
	return fields
}

// ProgressStats contains progress statistics
type ProgressStats struct {
	Stage    string        `json:"stage"`
	Total    int64         `json:"total"`
	Current  int64         `json:"current"`
	Duration time.Duration `json:"duration"`
}

// String returns a human-readable representation of the progress
func (ps ProgressStats) String() string {
	if ps.Total > 0 {
		return fmt.Sprintf("%s: %d/%d in %v", ps.Stage, ps.Current, ps.Total, ps.Duration)
	}
	return fmt.Sprintf("%s: %d processed in %v", ps.Stage, ps.Current, ps.Duration)
}

// TimedOperation executes fn and logs how long it took.
func TimedOperation(operation string, log Logger, fn func() error) error {
	start := time.Now()
	err := fn()
	logTiming(log, operation, time.Since(start), err)
	return err
}

// Timed executes fn, which cannot fail, logs how long it took and returns
// the duration.
func Timed(operation string, log Logger, fn func()) time.Duration {
	start := time.Now()
	fn()
	elapsed := time.Since(start)
	logTiming(log, operation, elapsed, nil)
	return elapsed
}

func logTiming(log Logger, operation string, elapsed time.Duration, err error) {
	if log == nil {
		log = GetGlobalLogger()
	}
	fields := Fields{"operation": operation, "duration": elapsed.String()}
	if err != nil {
		log.WithError(err).WithFields(fields).Error("Operation failed")
		return
	}
	log.WithFields(fields).Debug("Operation completed")
}
