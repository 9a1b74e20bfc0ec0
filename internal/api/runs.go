package api

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/corpwell/campaigner/internal/archive"
	"github.com/corpwell/campaigner/internal/domain"
	"github.com/corpwell/campaigner/internal/engine"
	"github.com/corpwell/campaigner/internal/history"
	"github.com/corpwell/campaigner/internal/pkg/logger"
	"github.com/corpwell/campaigner/internal/resume"
)

var ErrUnknownRun = errors.New("unknown run")

// RunView is the progress snapshot served to operators while a run is in
// flight and after it finishes.
type RunView struct {
	RunID        string           `json:"run_id"`
	CampaignName string           `json:"campaign_name"`
	Status       domain.RunStatus `json:"status"`
	Total        int              `json:"total"`
	Completed    int              `json:"completed"`
	Delivered    int              `json:"delivered"`
	Failed       int              `json:"failed"`
	Error        string           `json:"error,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
}

type managedRun struct {
	view   RunView
	spec   domain.CampaignSpec
	cancel context.CancelFunc
}

// Manager owns the in-process lifecycle of dispatch runs: it starts them in
// the background, tracks their progress, cancels and resumes them, and feeds
// finished runs into the history sink and the archive.
type Manager struct {
	engine   *engine.Engine
	store    resume.Store
	sink     history.Sink
	archiver archive.Archiver

	mu   sync.Mutex
	runs map[string]*managedRun
}

func NewManager(e *engine.Engine, store resume.Store, sink history.Sink, archiver archive.Archiver) *Manager {
	return &Manager{
		engine:   e,
		store:    store,
		sink:     sink,
		archiver: archiver,
		runs:     make(map[string]*managedRun),
	}
}

// Start launches a run in the background and returns its ID immediately.
func (m *Manager) Start(spec domain.CampaignSpec, recipients []domain.Recipient) (string, error) {
	if len(recipients) == 0 {
		return "", engine.ErrNoRecipients
	}
	runID := domain.NewRunID(time.Now())
	m.launch(runID, spec, func(ctx context.Context, progress engine.ProgressFunc) (*domain.Summary, error) {
		return m.engine.RunWithID(ctx, spec, recipients, runID, progress)
	}, len(recipients), 0)
	return runID, nil
}

// Resume restarts an interrupted run from its stored checkpoint. The
// campaign fields come from the in-memory run when the server still has it,
// otherwise from the caller-provided fallback.
func (m *Manager) Resume(ctx context.Context, runID string, fallback domain.CampaignSpec) error {
	cp, ok, err := m.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownRun
	}

	spec := fallback
	m.mu.Lock()
	if prior, known := m.runs[runID]; known {
		if prior.view.Status == domain.RunSending {
			m.mu.Unlock()
			return errors.New("run is already in flight")
		}
		spec = prior.spec
	}
	m.mu.Unlock()

	m.launch(runID, spec, func(ctx context.Context, progress engine.ProgressFunc) (*domain.Summary, error) {
		return m.engine.Resume(ctx, spec, cp, progress)
	}, len(cp.Recipients), cp.Cursor)
	return nil
}

func (m *Manager) launch(runID string, spec domain.CampaignSpec, dispatch func(context.Context, engine.ProgressFunc) (*domain.Summary, error), total, done int) {
	ctx, cancel := context.WithCancel(context.Background())
	run := &managedRun{
		spec:   spec,
		cancel: cancel,
		view: RunView{
			RunID:        runID,
			CampaignName: spec.Name,
			Status:       domain.RunSending,
			Total:        total,
			Completed:    done,
			StartedAt:    time.Now().UTC(),
		},
	}
	m.mu.Lock()
	m.runs[runID] = run
	m.mu.Unlock()

	go func() {
		defer cancel()
		summary, err := dispatch(ctx, func(completed, total int) {
			m.mu.Lock()
			run.view.Completed = completed
			run.view.Total = total
			m.mu.Unlock()
		})
		m.mu.Lock()
		if err != nil {
			run.view.Status = domain.RunCancelled
			run.view.Error = err.Error()
			m.mu.Unlock()
			return
		}
		run.view.Delivered = summary.Delivered
		run.view.Failed = summary.Failed
		if summary.Cancelled {
			run.view.Status = domain.RunCancelled
		} else {
			run.view.Status = domain.RunCompleted
		}
		m.mu.Unlock()

		if !summary.Cancelled {
			m.record(spec, summary)
		}
	}()
}

// record appends the history row and archives the per-recipient results.
// Both are best-effort: a sink outage must not disturb a finished run.
func (m *Manager) record(spec domain.CampaignSpec, summary *domain.Summary) {
	ctx, cancelRecord := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelRecord()

	now := time.Now()
	if m.sink != nil {
		err := m.sink.Append(ctx, history.Entry{
			SentAt:       now.UTC(),
			CampaignName: spec.Name,
			Subject:      spec.Subject,
			Total:        summary.Total,
			Delivered:    summary.Delivered,
			Failed:       summary.Failed,
		})
		if err != nil {
			logger.Warn("history append failed", "run_id", summary.RunID, "error", err.Error())
		}
	}
	if m.archiver != nil {
		loc, err := m.archiver.Store(ctx, archive.ReportFromSummary(spec, summary, now))
		if err != nil {
			logger.Warn("run archive failed", "run_id", summary.RunID, "error", err.Error())
		} else {
			logger.Info("run archived", "run_id", summary.RunID, "location", loc)
		}
	}
}

// Cancel asks a run to stop. The run's status flips once in-flight sends
// drain and the checkpoint is written.
func (m *Manager) Cancel(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrUnknownRun
	}
	run.cancel()
	return nil
}

// View returns the current snapshot for one run.
func (m *Manager) View(runID string) (RunView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return RunView{}, ErrUnknownRun
	}
	return run.view, nil
}

// Views lists all runs the server has seen since start, newest first.
func (m *Manager) Views() []RunView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunView, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, run.view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}
