package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type TaskResult struct {
	Account  *Account
	State    LoginState
	Trace    []LoginState
	Attempts int
	Error    error
	Fatal    bool
}

// SchedulerConfig holds what every worker needs to build sessions and logins.
type SchedulerConfig struct {
	Workers      int
	MaxAttempts  int
	StaggerDelay time.Duration
	Session      SessionConfig
	Login        LoginConfig
}

type Worker struct {
	id     string
	logger Logger
}

// Scheduler runs login attempts for many accounts concurrently. Accounts never
// share a session, a mailbox or any other mutable state.
type Scheduler struct {
	workers      []*Worker
	workChan     chan *Account
	resultsChan  chan TaskResult
	wg           sync.WaitGroup
	proxyManager *ProxyManager
	cfg          SchedulerConfig
	logger       Logger
	ctx          context.Context
	cancel       context.CancelFunc
	fatalOnce    sync.Once
	stopped      atomic.Bool

	// newSession is swapped in tests.
	newSession func(SessionConfig, Logger) (*Session, error)
}

// NewScheduler creates the worker pool. proxyManager may be nil, in which case
// every session uses cfg.Session.Proxy.
func NewScheduler(cfg SchedulerConfig, proxyManager *ProxyManager, logger Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	s := &Scheduler{
		workers:      make([]*Worker, cfg.Workers),
		workChan:     make(chan *Account, cfg.Workers*2),
		resultsChan:  make(chan TaskResult, cfg.Workers*2),
		proxyManager: proxyManager,
		cfg:          cfg,
		logger:       logger,
		newSession:   NewSession,
	}

	for i := range s.workers {
		id := generateWorkerID()
		s.workers[i] = &Worker{id: id, logger: &prefixLogger{prefix: id, base: logger}}
	}

	return s
}

func generateWorkerID() string {
	return uuid.New().String()[:8]
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.ctx = ctx

	for i, worker := range s.workers {
		s.wg.Add(1)
		go s.runWorker(ctx, worker)

		if s.cfg.StaggerDelay > 0 && i < len(s.workers)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.StaggerDelay):
			}
		}
	}
}

func (s *Scheduler) handleFatalError(err error) {
	s.fatalOnce.Do(func() {
		s.stopped.Store(true)
		s.logger.Log("FATAL ERROR: %v - stopping all workers", err)

		if s.cancel != nil {
			s.cancel()
		}

		select {
		case s.resultsChan <- TaskResult{Fatal: true, Error: err}:
		default:
		}
	})
}

func (s *Scheduler) runWorker(ctx context.Context, worker *Worker) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case account, ok := <-s.workChan:
			if !ok {
				return // Channel closed, exit
			}
			if s.stopped.Load() {
				return
			}

			result := s.processAccount(ctx, worker, account)
			if result.Fatal {
				s.handleFatalError(result.Error)
				return
			}

			select {
			case s.resultsChan <- result:
			case <-ctx.Done():
				return
			}
		}
	}
}

// processAccount runs login attempts for one account. A new attempt on a fresh
// proxy is only made when the previous one failed on the network.
func (s *Scheduler) processAccount(ctx context.Context, worker *Worker, account *Account) TaskResult {
	logger := &prefixLogger{prefix: account.DisplayName(), base: worker.logger}

	sessionCfg := s.cfg.Session
	if s.proxyManager != nil {
		sessionCfg.Proxy = s.proxyManager.Random().URL()
	}

	session, err := s.newSession(sessionCfg, logger)
	if err != nil {
		return TaskResult{Account: account, State: StateFailed, Error: err, Fatal: IsFatalError(err)}
	}
	defer session.Close()

	var result LoginResult
	attempt := 0
	for attempt < s.cfg.MaxAttempts {
		attempt++
		logger.Log("Login attempt %d/%d (proxy: %s)", attempt, s.cfg.MaxAttempts, displayProxy(session.Proxy()))

		result = NewOrchestrator(session, account, s.cfg.Login, logger).Run(ctx)
		if result.Err == nil || !IsRetryableError(result.Err) || attempt == s.cfg.MaxAttempts {
			break
		}

		if s.proxyManager != nil {
			next := s.proxyManager.Random()
			if err := session.SetProxy(next.URL()); err != nil {
				logger.Log("Failed to rotate proxy: %v", err)
				break
			}
			logger.Log("Rotated to proxy: %s", next.Display())
		}
	}

	return TaskResult{
		Account:  account,
		State:    result.State,
		Trace:    result.Trace,
		Attempts: attempt,
		Error:    result.Err,
	}
}

func displayProxy(proxyURL string) string {
	if proxyURL == "" {
		return "direct"
	}
	p, err := ParseProxy(proxyURL)
	if err != nil {
		return "invalid"
	}
	return p.Display()
}

// Submit adds an account to the work queue. It returns false once the scheduler
// has been stopped by a fatal error. Start must be called first.
func (s *Scheduler) Submit(account *Account) bool {
	select {
	case s.workChan <- account:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Results returns the results channel for reading task outcomes.
func (s *Scheduler) Results() <-chan TaskResult {
	return s.resultsChan
}

// Close shuts down the scheduler and waits for workers to finish.
func (s *Scheduler) Close() {
	close(s.workChan)
	s.wg.Wait()
	close(s.resultsChan)
}

// WorkerCount returns the number of workers.
func (s *Scheduler) WorkerCount() int {
	return len(s.workers)
}
