package worker

import (
	"context"
	"devicefleet/internal/directory"
	"devicefleet/internal/driver"
	"devicefleet/internal/observability"
	"devicefleet/internal/tasks"
	"errors"
	"runtime/debug"
	"time"
)

// run is the loop of one endpoint worker. A stop request is observed only at the top of an
// iteration so an in-flight task always finishes its attempts.
func (m *Manager) run(alias string) {
	defer m.wg.Done()
	defer observability.WorkersRunning.Dec()

	m.logger.Info("worker started", "alias", alias)
	for {
		ep, ok := m.enter(alias)
		if !ok {
			m.logger.Info("worker stopped", "alias", alias)
			return
		}
		m.iterate(alias, ep)
	}
}

func (m *Manager) iterate(alias string, ep directory.Endpoint) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("worker loop panic", "alias", alias, "panic", r, "stack", string(debug.Stack()))
			time.Sleep(m.cfg.Cooldown)
		}
	}()

	ctx := context.Background()

	task, err := m.store.DequeueNext(ctx, alias)
	switch {
	case err == nil:
	case errors.Is(err, tasks.ErrEndpointBusy), errors.Is(err, tasks.ErrQueueEmpty), errors.Is(err, tasks.ErrTaskNotFound):
		time.Sleep(m.cfg.PollInterval)
		return
	default:
		m.logger.Error("dequeue failed", "alias", alias, "err", err)
		time.Sleep(m.cfg.Cooldown)
		return
	}

	m.setState(alias, StateBusy)
	if err := m.process(ctx, ep, task); err != nil {
		m.logger.Error("task bookkeeping failed", "alias", alias, "task_id", task.ID, "err", err)
		time.Sleep(m.cfg.Cooldown)
	}
}

func (m *Manager) process(ctx context.Context, ep directory.Endpoint, task *tasks.Task) error {
	target := driver.Target{
		EndpointID: ep.ID,
		Alias:      ep.Alias,
		Width:      ep.Width,
		Height:     ep.Height,
		FocusX:     ep.FocusX,
		FocusY:     ep.FocusY,
	}

	m.logger.Info("processing task", "alias", ep.Alias, "task_id", task.ID, "action", task.Action)
	start := time.Now()

	var (
		result any
		err    error
	)
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		result, err = m.exec.Execute(ctx, target, task.Action, task.Payload)
		if err == nil {
			break
		}
		m.logger.Warn("attempt failed", "alias", ep.Alias, "task_id", task.ID, "attempt", attempt, "err", err)
		if attempt < m.cfg.MaxAttempts {
			time.Sleep(m.cfg.RetryBackoff)
		}
	}

	m.processed.Add(1)

	if err != nil {
		m.failed.Add(1)
		observability.TasksProcessed.WithLabelValues(observability.OutcomeFailed).Inc()
		m.logger.Error("task failed", "alias", ep.Alias, "task_id", task.ID, "attempts", m.cfg.MaxAttempts,
			"duration", time.Since(start), "err", err)

		taskErr := tasks.TaskError{Message: err.Error(), Attempts: m.cfg.MaxAttempts}
		if _, ferr := m.store.Fail(ctx, task.ID, taskErr, false); ferr != nil {
			return ferr
		}
		m.record(ctx, task.ID)
		return nil
	}

	m.succeeded.Add(1)
	observability.TasksProcessed.WithLabelValues(observability.OutcomeSuccess).Inc()
	m.logger.Info("task completed", "alias", ep.Alias, "task_id", task.ID, "duration", time.Since(start))

	if err := m.store.Complete(ctx, task.ID, result); err != nil {
		return err
	}
	if err := m.store.IncrementCounters(ctx, ep.Alias); err != nil {
		return err
	}
	m.record(ctx, task.ID)
	return nil
}

func (m *Manager) record(ctx context.Context, taskID string) {
	if m.archive == nil {
		return
	}
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		m.logger.Warn("archive lookup failed", "task_id", taskID, "err", err)
		return
	}
	if err := m.archive.Record(ctx, task); err != nil {
		m.logger.Warn("archive write failed", "task_id", taskID, "err", err)
	}
}
