// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package modelfetch discovers machine-learning model artifacts across
// multiple registries and downloads them under explicit concurrency limits,
// with resume, integrity validation, and a pluggable conversion hook.
//
// The Orchestrator is the public entry point. It composes one Adapter per
// registry, a Validator, a Converter and a job registry behind a fixed-size
// worker pool, and emits lifecycle events consumable by a UI or server layer:
//
//	orch, err := modelfetch.New(modelfetch.DefaultConfig())
//	entries, _ := orch.Search(ctx, "tinyllama", "", 20, nil)
//	handle, err := orch.Download(entries[0], nil)
package modelfetch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// progressEmitInterval throttles progress events per job.
const progressEmitInterval = 200 * time.Millisecond

// Orchestrator coordinates search and download across all configured sources.
type Orchestrator struct {
	cfg       Config
	log       *zap.Logger
	adapters  map[Source]Adapter
	validator *Validator
	converter Converter
	registry  *jobRegistry
	bus       eventBus

	tasks   chan *task
	workers sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// task is one queued download.
type task struct {
	entry      Entry
	j          *job
	ctx        context.Context
	onProgress func(Job)
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithAdapter registers (or replaces) the adapter for its source.
func WithAdapter(a Adapter) Option {
	return func(o *Orchestrator) { o.adapters[a.Source()] = a }
}

// WithConverter replaces the default pass-through converter.
func WithConverter(c Converter) Option {
	return func(o *Orchestrator) { o.converter = c }
}

// WithValidator replaces the default validator.
func WithValidator(v *Validator) Option {
	return func(o *Orchestrator) { o.validator = v }
}

// New creates an Orchestrator and starts its worker pool. Call Cleanup to
// cancel in-flight jobs and release resources.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	cfg.applyDefaults()
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg: cfg,
		log: cfg.Logger.Named("orchestrator"),
		adapters: map[Source]Adapter{
			SourceHuggingFace: NewHuggingFaceAdapter(cfg),
			SourceOllama:      NewOllamaAdapter(cfg),
			SourceLMStudio:    NewLMStudioAdapter(cfg),
		},
		validator:  NewValidator(cfg),
		converter:  PassThroughConverter{},
		registry:   newJobRegistry(),
		tasks:      make(chan *task, 1024),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	for _, opt := range opts {
		opt(o)
	}

	for i := 0; i < cfg.MaxConcurrentDownloads; i++ {
		o.workers.Add(1)
		go func() {
			defer o.workers.Done()
			for t := range o.tasks {
				o.runJob(t)
			}
		}()
	}

	o.log.Info("orchestrator started",
		zap.Int("workers", cfg.MaxConcurrentDownloads),
		zap.String("downloadDir", cfg.DownloadDir))
	return o, nil
}

// Search fans out to every configured adapter (or just src when non-empty)
// and merges successful results. One failing source never aborts the
// aggregate: its error is logged and its results dropped.
func (o *Orchestrator) Search(ctx context.Context, query string, src Source, limit int, filters map[string]string) ([]Entry, error) {
	var targets []Adapter
	if src != "" {
		a, ok := o.adapters[src]
		if !ok {
			return nil, fmt.Errorf("source %q: %w", src, ErrConfiguration)
		}
		targets = []Adapter{a}
	} else {
		for _, a := range o.adapters {
			targets = append(targets, a)
		}
	}

	var (
		mu     sync.Mutex
		merged []Entry
		wg     sync.WaitGroup
	)
	for _, a := range targets {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			entries, err := a.Search(ctx, query, limit, filters)
			if err != nil {
				o.log.Warn("source search failed",
					zap.String("source", string(a.Source())), zap.Error(err))
				return
			}
			mu.Lock()
			merged = append(merged, entries...)
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	return merged, nil
}

// Download starts an asynchronous download of entry and returns a handle.
// It fails synchronously only with ErrConflict (a non-terminal job already
// exists for entry.Name) or when the orchestrator is shut down; every other
// failure surfaces through the job's terminal state and events.
func (o *Orchestrator) Download(entry Entry, onProgress func(Job)) (string, error) {
	if entry.Name == "" {
		return "", fmt.Errorf("entry has no name: %w", ErrConfiguration)
	}

	ctx, cancel := context.WithCancel(o.baseCtx)
	j := newJob(entry.Name, cancel)
	if err := o.registry.tryStart(j); err != nil {
		cancel()
		return "", err
	}

	t := &task{entry: entry, j: j, ctx: ctx, onProgress: onProgress}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		// The job was already registered; finish it so no phantom PENDING
		// entry survives the refusal.
		err := fmt.Errorf("orchestrator is shut down: %w", ErrConfiguration)
		o.finishFailed(t, err)
		return "", err
	}
	select {
	case o.tasks <- t:
	default:
		o.mu.Unlock()
		cancel()
		o.finishFailed(t, fmt.Errorf("download queue full"))
		return "", fmt.Errorf("download queue full")
	}
	o.mu.Unlock()

	return uuid.NewString(), nil
}

// Cancel signals the job's cancellation token and returns without waiting;
// the job transitions to CANCELLED once the in-flight phase observes the
// token at its next checkpoint.
func (o *Orchestrator) Cancel(name string) error {
	j, ok := o.registry.get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobUnknown, name)
	}
	j.cancel()
	return nil
}

// Status returns a snapshot of the named job.
func (o *Orchestrator) Status(name string) (Job, bool) {
	j, ok := o.registry.get(name)
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// ListStatuses returns snapshots of every tracked job.
func (o *Orchestrator) ListStatuses() []Job {
	live := o.registry.list()
	out := make([]Job, 0, len(live))
	for _, j := range live {
		out = append(out, j.snapshot())
	}
	return out
}

// CleanupCompleted drops bookkeeping for terminal jobs and returns how many
// were removed.
func (o *Orchestrator) CleanupCompleted() int {
	return o.registry.removeTerminal()
}

// Subscribe returns a channel receiving lifecycle events. Slow consumers may
// miss progress events; size the buffer accordingly or drain promptly.
func (o *Orchestrator) Subscribe() chan Event {
	return o.bus.subscribe()
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (o *Orchestrator) Unsubscribe(ch chan Event) {
	o.bus.unsubscribe(ch)
}

// Cleanup cancels all active jobs, drains the worker pool, then removes the
// temp directory best-effort. It never fails the caller: residual temp files
// only cost disk space and are logged as warnings.
func (o *Orchestrator) Cleanup() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.tasks)
	o.mu.Unlock()

	o.baseCancel()
	o.workers.Wait()
	o.bus.closeAll()

	if err := os.RemoveAll(o.cfg.TempDir); err != nil {
		o.log.Warn("temp dir cleanup failed", zap.String("dir", o.cfg.TempDir), zap.Error(err))
	}
	o.log.Info("orchestrator shut down")
}

// runJob executes one download through its phases. The calling worker
// goroutine is the only writer of the job's fields until a terminal state.
func (o *Orchestrator) runJob(t *task) {
	defer t.j.cancel()

	// Cancelled while queued.
	if t.ctx.Err() != nil {
		o.finishCancelled(t)
		return
	}

	adapter, ok := o.adapters[t.entry.Source]
	if !ok {
		o.finishFailed(t, fmt.Errorf("no adapter for source %q: %w", t.entry.Source, ErrConfiguration))
		return
	}
	if o.cfg.MaxDownloadSize > 0 && t.entry.SizeBytes > o.cfg.MaxDownloadSize {
		o.finishFailed(t, fmt.Errorf("%d bytes: %w", t.entry.SizeBytes, ErrTooLarge))
		return
	}

	t.j.update(func(s *Job) {
		s.Status = StatusDownloading
		s.TotalBytes = t.entry.SizeBytes
	})
	o.bus.emit(Event{Type: EventDownloadStarted, ModelName: t.entry.Name})

	localPath, err := adapter.Fetch(t.ctx, t.entry, o.cfg.DownloadDir, o.progressFunc(t))
	if err != nil {
		if isCancelled(err) {
			o.finishCancelled(t)
		} else {
			o.finishFailed(t, err)
		}
		return
	}

	if o.cfg.EnableValidation {
		if t.ctx.Err() != nil {
			o.finishCancelled(t)
			return
		}
		t.j.update(func(s *Job) { s.Status = StatusValidating })
		o.bus.emit(Event{Type: EventValidationStarted, ModelName: t.entry.Name})

		if err := o.validator.Validate(localPath, t.entry); err != nil {
			o.bus.emit(Event{Type: EventValidationCompleted, ModelName: t.entry.Name, Valid: false})
			o.finishFailed(t, err)
			return
		}
		o.bus.emit(Event{Type: EventValidationCompleted, ModelName: t.entry.Name, Valid: true})
	}

	if o.cfg.EnableConversion {
		if t.ctx.Err() != nil {
			o.finishCancelled(t)
			return
		}
		t.j.update(func(s *Job) { s.Status = StatusConverting })
		o.bus.emit(Event{Type: EventConversionStarted, ModelName: t.entry.Name})

		newPath, err := o.converter.Convert(t.ctx, localPath, t.entry, o.cfg.PreferredFormats)
		if err != nil {
			if isCancelled(err) {
				o.finishCancelled(t)
			} else {
				o.finishFailed(t, &ConversionError{Path: localPath, Err: err})
			}
			return
		}
		// Remove the original only after a successful conversion produced a
		// different file.
		if newPath != "" && newPath != localPath {
			if err := os.Remove(localPath); err != nil {
				o.log.Warn("could not remove pre-conversion file",
					zap.String("path", localPath), zap.Error(err))
			}
			localPath = newPath
		}
		o.bus.emit(Event{Type: EventConversionCompleted, ModelName: t.entry.Name, LocalPath: localPath})
	}

	t.j.update(func(s *Job) {
		s.Status = StatusCompleted
		s.Percentage = 100
		s.LocalPath = localPath
	})
	o.bus.emit(Event{Type: EventDownloadCompleted, ModelName: t.entry.Name, LocalPath: localPath, Percentage: 100})
	o.notifyCaller(t)
	o.log.Info("download completed", zap.String("model", t.entry.Name), zap.String("path", localPath))
}

// progressFunc builds the adapter progress callback for a job: it derives
// percentage (clamped, non-decreasing), speed and ETA, and emits throttled
// DownloadProgress events outside any registry lock.
func (o *Orchestrator) progressFunc(t *task) ProgressFunc {
	var lastEmit time.Time
	return func(p Progress) {
		var snap Job
		t.j.update(func(s *Job) {
			// RESUMING reflects whether the current transfer continues a
			// partial file. A restart after the server ignored the range
			// reports Resumed=false and flips back.
			if s.Status == StatusDownloading || s.Status == StatusResuming {
				if p.Resumed {
					s.Status = StatusResuming
				} else {
					s.Status = StatusDownloading
				}
			}
			s.BytesDownloaded = p.Downloaded
			if p.Total > 0 {
				s.TotalBytes = p.Total
			}
			if s.TotalBytes > 0 {
				pct := float64(p.Downloaded) / float64(s.TotalBytes) * 100
				if pct > 100 {
					pct = 100
				}
				// Monotone while transferring: a retry that restarts from
				// zero must not walk the displayed percentage backwards.
				if pct > s.Percentage {
					s.Percentage = pct
				}
			}
			s.CurrentFile = p.File
			if p.FileCount > 0 {
				s.TotalFiles = p.FileCount
				s.CurrentFileIndex = p.FileIndex
			}

			now := time.Now()
			if !t.j.lastTick.IsZero() {
				dt := now.Sub(t.j.lastTick).Seconds()
				if dt > 0 && p.Downloaded >= t.j.lastBytes {
					inst := float64(p.Downloaded-t.j.lastBytes) / dt / (1 << 20)
					if s.SpeedMBps == 0 {
						s.SpeedMBps = inst
					} else {
						s.SpeedMBps = 0.7*s.SpeedMBps + 0.3*inst
					}
					if s.SpeedMBps > 0 && s.TotalBytes > p.Downloaded {
						remaining := float64(s.TotalBytes-p.Downloaded) / (1 << 20)
						s.ETASeconds = int64(remaining / s.SpeedMBps)
					}
				}
			}
			t.j.lastTick = now
			t.j.lastBytes = p.Downloaded
			snap = *s
		})

		if time.Since(lastEmit) >= progressEmitInterval {
			lastEmit = time.Now()
			o.bus.emit(Event{
				Type:       EventDownloadProgress,
				ModelName:  snap.ModelName,
				Percentage: snap.Percentage,
				SpeedMBps:  snap.SpeedMBps,
				ETASeconds: snap.ETASeconds,
			})
			if t.onProgress != nil {
				t.onProgress(snap)
			}
		}
	}
}

func (o *Orchestrator) finishFailed(t *task, err error) {
	t.j.update(func(s *Job) {
		s.Status = StatusFailed
		s.ErrorMessage = err.Error()
	})
	o.bus.emit(Event{Type: EventDownloadFailed, ModelName: t.entry.Name, Message: err.Error()})
	o.notifyCaller(t)
	o.log.Warn("download failed", zap.String("model", t.entry.Name), zap.Error(err))
}

func (o *Orchestrator) finishCancelled(t *task) {
	t.j.update(func(s *Job) { s.Status = StatusCancelled })
	o.bus.emit(Event{Type: EventDownloadCancelled, ModelName: t.entry.Name})
	o.notifyCaller(t)
	o.log.Info("download cancelled", zap.String("model", t.entry.Name))
}

// notifyCaller delivers a final snapshot to the per-download callback.
func (o *Orchestrator) notifyCaller(t *task) {
	if t.onProgress != nil {
		t.onProgress(t.j.snapshot())
	}
}
