package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carrerajorge/Hola-sub007/internal/contract"
	"github.com/Carrerajorge/Hola-sub007/internal/eventstore"
	"github.com/Carrerajorge/Hola-sub007/internal/gateway"
	"github.com/Carrerajorge/Hola-sub007/internal/pipeline"
	"github.com/Carrerajorge/Hola-sub007/internal/progress"
	"github.com/Carrerajorge/Hola-sub007/internal/tracebus"
	"github.com/Carrerajorge/Hola-sub007/policy"
)

var (
	ErrRunNotFound    = errors.New("run not found")
	ErrRunTerminal    = errors.New("run already finished")
	ErrPromptRequired = errors.New("prompt is required")
)

// CapacityError rejects a run while the concurrency cap is reached.
type CapacityError struct {
	Max        int
	Current    int
	RetryAfter time.Duration
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("too many concurrent runs (%d/%d)", e.Current, e.Max)
}

// Config tunes the run controller.
type Config struct {
	// MaxConcurrent caps pending plus running runs.
	MaxConcurrent int
	// RetryAfter is suggested to clients rejected by the cap.
	RetryAfter time.Duration
	// DefaultTargetCount applies when a request has no target count.
	DefaultTargetCount int
	// JobTimeout bounds a single job.
	JobTimeout time.Duration
	// SignalBuffer is the capacity of the per-run signal queue.
	SignalBuffer int
	// CleanupDelay is how long a finished run stays registered so stream
	// clients can observe its end.
	CleanupDelay time.Duration
	// Retention is how long GC keeps finished runs whose cleanup did not
	// happen.
	Retention time.Duration
	// InactivityTimeout fails unfinished runs that reported nothing for
	// that long.
	InactivityTimeout time.Duration
	// GCInterval is the period of RunGC.
	GCInterval time.Duration

	Bus           tracebus.Config
	Contract      contract.Contract
	Weights       progress.Weights
	ProgressDelta float64
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      5,
		RetryAfter:         30 * time.Second,
		DefaultTargetCount: 50,
		JobTimeout:         30 * time.Minute,
		SignalBuffer:       256,
		CleanupDelay:       30 * time.Second,
		Retention:          10 * time.Minute,
		InactivityTimeout:  15 * time.Minute,
		GCInterval:         time.Minute,
		Bus:                tracebus.DefaultConfig(),
		Contract:           contract.DefaultContract(),
		Weights:            progress.DefaultWeights(),
		ProgressDelta:      progress.DefaultDelta,
	}
}

// Service is the run controller. It admits runs, drives their jobs and
// owns their in-memory contexts until cleanup.
type Service struct {
	cfg     Config
	gateway *gateway.Gateway
	events  *eventstore.Registry
	policy  *policy.Engine
	job     pipeline.Job
	logCtx  context.Context
	now     func() time.Time

	mu   sync.Mutex
	runs map[string]*runContext
	// wg tracks job goroutines.
	wg sync.WaitGroup

	created   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	rejected  atomic.Int64
	gcRuns    atomic.Int64
	gcRemoved atomic.Int64
	lastGC    atomic.Pointer[GCReport]
}

// New creates a run controller.
func New(logCtx context.Context, cfg Config, gw *gateway.Gateway, events *eventstore.Registry, engine *policy.Engine, job pipeline.Job) *Service {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = def.RetryAfter
	}
	if cfg.DefaultTargetCount <= 0 {
		cfg.DefaultTargetCount = def.DefaultTargetCount
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.SignalBuffer <= 0 {
		cfg.SignalBuffer = def.SignalBuffer
	}
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = def.CleanupDelay
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = def.GCInterval
	}
	return &Service{
		cfg:     cfg,
		gateway: gw,
		events:  events,
		policy:  engine,
		job:     job,
		logCtx:  logCtx,
		now:     time.Now,
		runs:    make(map[string]*runContext),
	}
}

// Gateway returns the stream gateway runs are registered with.
func (s *Service) Gateway() *gateway.Gateway { return s.gateway }
