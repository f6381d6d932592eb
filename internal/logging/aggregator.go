package logging

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Aggregator folds repetitive events (capture ticks, dropped broadcasts)
// into one "event_summary" record per component and event each interval,
// so a busy poller does not flood debug.log.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	pending map[string]*eventTally

	stopOnce sync.Once
	quit     chan struct{}
	finished chan struct{}
	running  bool
}

type eventTally struct {
	component string
	event     string
	count     int64
	first     time.Time
	last      time.Time
	attrs     []slog.Attr
}

// NewAggregator returns an aggregator flushing every intervalSecs seconds
// (30 when unset). A nil logger swallows everything.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		pending:  make(map[string]*eventTally),
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Start launches the periodic flush.
func (a *Aggregator) Start() {
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	go func() {
		defer close(a.finished)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Flush()
			case <-a.quit:
				return
			}
		}
	}()
}

// Stop ends the periodic flush and writes what is still pending. It is safe
// to call more than once and without Start.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.quit)
		a.mu.Lock()
		running := a.running
		a.mu.Unlock()
		if running {
			<-a.finished
		}
		a.Flush()
	})
}

// Record counts one occurrence. Attributes from the newest call are kept.
func (a *Aggregator) Record(component, event string, attrs ...slog.Attr) {
	now := time.Now()
	key := component + "\x00" + event

	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.pending[key]
	if t == nil {
		t = &eventTally{component: component, event: event, first: now}
		a.pending[key] = t
	}
	t.count++
	t.last = now
	if len(attrs) > 0 {
		t.attrs = attrs
	}
}

// Flush writes one summary per pending event, ordered by component then
// event, and resets the counts.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	batch := make([]*eventTally, 0, len(a.pending))
	for _, t := range a.pending {
		batch = append(batch, t)
	}
	a.pending = make(map[string]*eventTally)
	a.mu.Unlock()

	if a.logger == nil || len(batch) == 0 {
		return
	}
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].component != batch[j].component {
			return batch[i].component < batch[j].component
		}
		return batch[i].event < batch[j].event
	})
	for _, t := range batch {
		args := make([]any, 0, 5+len(t.attrs))
		args = append(args,
			slog.String("component", t.component),
			slog.String("event", t.event),
			slog.Int64("count", t.count),
			slog.Duration("span", t.last.Sub(t.first)),
			slog.Int("window_seconds", int(a.interval.Seconds())),
		)
		for _, attr := range t.attrs {
			args = append(args, attr)
		}
		a.logger.Info("event_summary", args...)
	}
}
