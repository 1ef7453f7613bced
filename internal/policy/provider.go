package policy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arbiterlabs/arbiter/internal/domain"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// RuleSetProvider owns the live rule set and its hot reload. Readers take
// an immutable snapshot via Current; reload swaps the whole set atomically,
// so an in-flight evaluation keeps the version it started with and a
// half-written file can never corrupt it.
type RuleSetProvider struct {
	path    string
	current atomic.Pointer[domain.RuleSet]
	logger  *zap.Logger

	watcher  *fsnotify.Watcher
	debounce time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRuleSetProvider loads the rule set once; a file that fails to load at
// startup is a hard error.
func NewRuleSetProvider(path string, logger *zap.Logger) (*RuleSetProvider, error) {
	rs, err := LoadRuleSet(path)
	if err != nil {
		return nil, err
	}

	p := &RuleSetProvider{
		path:     path,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}
	p.current.Store(rs)
	return p, nil
}

// Current returns the active rule set snapshot. Callers must not mutate it.
func (p *RuleSetProvider) Current() *domain.RuleSet {
	return p.current.Load()
}

// Reload re-reads the file and swaps the active set. On any load or
// validation error the previous set stays active.
func (p *RuleSetProvider) Reload() error {
	rs, err := LoadRuleSet(p.path)
	if err != nil {
		p.logger.Error("rule set reload failed, keeping previous version",
			zap.String("path", p.path),
			zap.Error(err))
		return err
	}
	p.current.Store(rs)
	p.logger.Info("rule set reloaded",
		zap.String("name", rs.Name),
		zap.String("version", rs.Version),
		zap.Int("rules", len(rs.Rules)))
	return nil
}

// Watch starts reloading on file changes in a background goroutine.
// Rapid successive writes are debounced into one reload.
func (p *RuleSetProvider) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(p.path); err != nil {
		_ = watcher.Close()
		return err
	}
	p.watcher = watcher

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		var pending *time.Timer
		var pendingCh <-chan time.Time

		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.NewTimer(p.debounce)
				pendingCh = pending.C

			case <-pendingCh:
				pendingCh = nil
				_ = p.Reload()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("rule set watcher error", zap.Error(err))

			case <-p.stopCh:
				return
			}
		}
	}()

	p.logger.Info("rule set watcher started", zap.String("path", p.path))
	return nil
}

// Stop shuts the watcher down and waits for the goroutine to exit.
func (p *RuleSetProvider) Stop() {
	close(p.stopCh)
	if p.watcher != nil {
		_ = p.watcher.Close()
	}
	p.wg.Wait()
}
