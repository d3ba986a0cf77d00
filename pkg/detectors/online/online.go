// Package online implements a streaming flow anomaly detector that warms up on
// the first events, scores every later event against an Isolation Forest and
// periodically rebuilds its model from a sliding window of recent events.
package online

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hed1ad/flowguard/pkg/detectors"
	"github.com/hed1ad/flowguard/pkg/detectors/iforest"
	"github.com/hed1ad/flowguard/pkg/features"
	"github.com/hed1ad/flowguard/pkg/flow"
)

// Training kinds passed to Observer.ObserveTraining.
const (
	TrainingInitial = "initial"
	TrainingRetrain = "retrain"
)

// Observer receives detector events. Implementations must be safe for
// concurrent use when asynchronous retraining is enabled.
type Observer interface {
	ObserveEvent(trained bool)
	ObserveScore(score float64, anomalous bool)
	ObserveTraining(kind string, window int, took time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveEvent(bool)                          {}
func (nopObserver) ObserveScore(float64, bool)                 {}
func (nopObserver) ObserveTraining(string, int, time.Duration) {}

// model is a normalizer and forest trained on the same window. Neither is
// modified after the model is built, so scoring always sees one consistent
// version.
type model struct {
	norm    *features.Normalizer
	forest  *iforest.IsolationForest
	version uint64
	// through is the number of events processed when the window was taken.
	through uint64
}

// Detector scores flow records as they arrive.
//
// The detector keeps two normalizers. The live normalizer is updated with
// every event and is rebuilt from the training window whenever a new model is
// installed. Scoring uses the normalizer frozen into the active model, the one
// the forest was built with.
//
// Process must be called from a single goroutine at a time. Counters may be
// read concurrently.
type Detector struct {
	cfg      detectors.Config
	logger   *zap.Logger
	observer Observer
	rng      *rand.Rand
	now      func() time.Time

	mu           sync.Mutex
	window       *window
	norm         *features.Normalizer
	normVersion  uint64
	sinceRetrain int

	current        atomic.Pointer[model]
	trained        atomic.Bool
	totalEvents    atomic.Uint64
	totalAnomalies atomic.Uint64
	retrains       atomic.Uint64
	skipped        atomic.Uint64

	retraining atomic.Bool
	inflight   sync.WaitGroup
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithObserver sets the observer notified of events, scores and training runs.
func WithObserver(o Observer) Option {
	return func(d *Detector) {
		if o != nil {
			d.observer = o
		}
	}
}

// WithRand sets the random source used to build forests. It overrides
// Config.RandomSeed.
func WithRand(rng *rand.Rand) Option {
	return func(d *Detector) {
		if rng != nil {
			d.rng = rng
		}
	}
}

// WithClock sets the clock used to time training runs.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a Detector in the buffering state.
func New(cfg detectors.Config, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Detector{
		cfg:      cfg,
		logger:   zap.NewNop(),
		observer: nopObserver{},
		now:      time.Now,
		window:   newWindow(cfg.BufferSize),
		norm:     features.NewNormalizer(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.rng == nil {
		d.rng = rand.New(rand.NewSource(cfg.RandomSeed))
	}

	return d, nil
}

// Process consumes one record. It returns a report when the detector is
// trained and the record's score exceeds the configured threshold.
func (d *Detector) Process(r flow.Record) (*detectors.AnomalyReport, bool) {
	vec := features.Extract(r)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.adoptModel()
	d.totalEvents.Add(1)
	d.window.push(vec)
	d.norm.Update(vec)

	if !d.trained.Load() {
		d.observer.ObserveEvent(false)
		if d.window.len() >= d.cfg.BufferSize {
			d.trainInitial()
		}
		return nil, false
	}

	d.observer.ObserveEvent(true)
	m := d.current.Load()
	normalized := m.norm.Normalize(vec)
	score := m.forest.Score(normalized[:])
	anomalous := score > d.cfg.Threshold
	d.observer.ObserveScore(score, anomalous)

	var report *detectors.AnomalyReport
	if anomalous {
		d.totalAnomalies.Add(1)
		report = d.newReport(r, vec, score)
	}

	d.sinceRetrain++
	if d.sinceRetrain >= d.cfg.RetrainInterval {
		d.sinceRetrain = 0
		d.retrain()
	}

	return report, report != nil
}

// adoptModel rebuilds the live normalizer from a newly installed model: the
// model's window bounds plus every event seen since that window was taken.
// Caller holds d.mu.
func (d *Detector) adoptModel() {
	m := d.current.Load()
	if m == nil || m.version == d.normVersion {
		return
	}

	live := m.norm.Clone()
	live.FitBatch(d.window.last(int(d.totalEvents.Load() - m.through)))
	d.norm = live
	d.normVersion = m.version
}

func (d *Detector) newReport(r flow.Record, vec features.Vector, score float64) *detectors.AnomalyReport {
	return &detectors.AnomalyReport{
		ID:        uuid.NewString(),
		Timestamp: r.Timestamp,
		SrcIP:     r.SrcIP.String(),
		SrcPort:   r.SrcPort,
		DstIP:     r.DstIP.String(),
		DstPort:   r.DstPort,
		Protocol:  r.Protocol.String(),
		Bytes:     r.Bytes,
		Duration:  r.Duration,
		Features:  vec.Slice(),
		Score:     score,
		Threshold: d.cfg.Threshold,
	}
}

// trainInitial builds the first model from the warm-up buffer. Caller holds d.mu.
func (d *Detector) trainInitial() {
	m, err := d.build(d.window.snapshot(), TrainingInitial, 1, d.totalEvents.Load())
	if err != nil {
		d.logger.Error("initial training failed, still buffering", zap.Error(err))
		return
	}

	d.current.Store(m)
	d.trained.Store(true)
	d.logger.Info("model trained, detecting anomalies",
		zap.Int("buffer_size", d.cfg.BufferSize),
		zap.Int("trees", m.forest.Trees()),
		zap.Int("sample_size", m.forest.SampleSize()),
	)
}

// retrain replaces the model with one built from the current window only.
// Caller holds d.mu.
func (d *Detector) retrain() {
	snapshot := d.window.snapshot()
	through := d.totalEvents.Load()
	version := d.current.Load().version + 1

	if !d.cfg.AsyncRetrain {
		d.install(d.build(snapshot, TrainingRetrain, version, through))
		return
	}

	if !d.retraining.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		d.logger.Warn("retrain still in progress, skipping interval",
			zap.Uint64("total_events", through))
		return
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer d.retraining.Store(false)
		d.install(d.build(snapshot, TrainingRetrain, version, through))
	}()
}

func (d *Detector) install(m *model, err error) {
	if err != nil {
		d.logger.Error("retrain failed, keeping previous model", zap.Error(err))
		return
	}
	d.current.Store(m)
	d.retrains.Add(1)
	d.logger.Debug("model retrained",
		zap.Uint64("version", m.version),
		zap.Uint64("through_event", m.through),
	)
}

// build fits a fresh normalizer and forest on samples.
func (d *Detector) build(samples []features.Vector, kind string, version, through uint64) (*model, error) {
	start := d.now()

	norm := features.NewNormalizer()
	norm.FitBatch(samples)

	normalized := make([]features.Vector, len(samples))
	for i, s := range samples {
		normalized[i] = norm.Normalize(s)
	}

	forest, err := iforest.Train(features.Rows(normalized),
		iforest.WithTrees(d.cfg.NTrees),
		iforest.WithSampleSize(d.cfg.SubsampleSize),
		iforest.WithRand(d.rng),
	)
	if err != nil {
		return nil, fmt.Errorf("%s training on %d samples: %w", kind, len(samples), err)
	}

	d.observer.ObserveTraining(kind, len(samples), d.now().Sub(start))
	return &model{norm: norm, forest: forest, version: version, through: through}, nil
}

// Handler is called by Run after each record is processed. report is nil
// unless the record was flagged.
type Handler func(rec flow.Record, report *detectors.AnomalyReport) error

// Run processes records from input in order until input is closed or ctx is
// done. A handle error stops the run.
func (d *Detector) Run(ctx context.Context, input <-chan flow.Record, handle Handler) error {
	defer d.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-input:
			if !ok {
				return nil
			}
			report, _ := d.Process(rec)
			if handle == nil {
				continue
			}
			if err := handle(rec, report); err != nil {
				return fmt.Errorf("handle record %d: %w", d.totalEvents.Load(), err)
			}
		}
	}
}

// Wait blocks until any in-flight asynchronous retrain has finished.
func (d *Detector) Wait() {
	d.inflight.Wait()
}

// TotalEvents returns the number of processed records.
func (d *Detector) TotalEvents() uint64 {
	return d.totalEvents.Load()
}

// TotalAnomalies returns the number of reported records.
func (d *Detector) TotalAnomalies() uint64 {
	return d.totalAnomalies.Load()
}

// IsTrained reports whether the warm-up phase has completed.
func (d *Detector) IsTrained() bool {
	return d.trained.Load()
}

// Retrains returns the number of completed retrains.
func (d *Detector) Retrains() uint64 {
	return d.retrains.Load()
}

// SkippedRetrains returns the number of retrain intervals skipped because an
// asynchronous retrain was still running.
func (d *Detector) SkippedRetrains() uint64 {
	return d.skipped.Load()
}

// ModelVersion returns the version of the active model, zero while buffering.
func (d *Detector) ModelVersion() uint64 {
	if m := d.current.Load(); m != nil {
		return m.version
	}
	return 0
}

// Config returns the detector configuration.
func (d *Detector) Config() detectors.Config {
	return d.cfg
}

// Bounds returns the live normalizer bounds.
func (d *Detector) Bounds() (lo, hi features.Vector, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adoptModel()
	return d.norm.Bounds()
}

// Normalize maps sample with the live normalizer without updating it.
func (d *Detector) Normalize(sample features.Vector) features.Vector {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adoptModel()
	return d.norm.Normalize(sample)
}
