package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/geomemo/internal/editmode"
	"github.com/MarcoPoloResearchLab/geomemo/internal/events"
	"github.com/MarcoPoloResearchLab/geomemo/internal/geo"
	"github.com/MarcoPoloResearchLab/geomemo/internal/notes"
	"github.com/MarcoPoloResearchLab/geomemo/internal/regions"
	"github.com/MarcoPoloResearchLab/geomemo/internal/tasks"
)

const panTaskKey = "attachment:pan"

// Attachment is one UI surface bound to the runtime. It holds subscriptions and its
// own task scope under the UI context. Closing it never touches manager tasks.
type Attachment struct {
	runtime *Runtime
	ctx     context.Context
	cancel  context.CancelFunc
	tasks   *tasks.Coordinator

	mu            sync.Mutex
	subscriptions []*events.Subscription
	closeOnce     sync.Once
}

// Attach binds a UI surface scoped to ctx.
func (r *Runtime) Attach(ctx context.Context) *Attachment {
	attachCtx, cancel := context.WithCancel(ctx)
	return &Attachment{
		runtime: r,
		ctx:     attachCtx,
		cancel:  cancel,
		tasks: tasks.NewCoordinator(tasks.Config{
			Parent: attachCtx,
			Name:   "attachment",
			Logger: r.logger,
		}),
	}
}

func (a *Attachment) keep(subscription *events.Subscription) *events.Subscription {
	a.mu.Lock()
	a.subscriptions = append(a.subscriptions, subscription)
	a.mu.Unlock()
	return subscription
}

// ObserveMarkers delivers marker snapshots, starting with the current one.
func (a *Attachment) ObserveMarkers(handler func(notes.MarkerState)) *events.Subscription {
	return a.keep(a.runtime.markers.ObserveContext(a.ctx, handler))
}

// ObserveMemos delivers memo snapshots, starting with the current one.
func (a *Attachment) ObserveMemos(handler func(notes.MemoState)) *events.Subscription {
	return a.keep(a.runtime.memos.ObserveContext(a.ctx, handler))
}

// ObserveEditMode delivers edit mode transitions and countdown ticks.
func (a *Attachment) ObserveEditMode(handler func(editmode.Event)) *events.Subscription {
	return a.keep(a.runtime.editMode.Events().SubscribeContext(a.ctx, handler))
}

// ObserveErrors delivers background failures of both managers.
func (a *Attachment) ObserveErrors(handler func(error)) {
	a.keep(a.runtime.markers.Events().SubscribeContext(a.ctx, func(event notes.MarkerEvent) {
		if event.Kind == notes.EventError && event.Err != nil {
			handler(event.Err)
		}
	}))
	a.keep(a.runtime.memos.Events().SubscribeContext(a.ctx, func(event notes.MemoEvent) {
		if event.Kind == notes.EventError && event.Err != nil {
			handler(event.Err)
		}
	}))
}

// PanTo loads the region around position once the map has rested for debounce. A newer
// pan supersedes a pending one. done, when set, receives the outcome of loads that ran.
func (a *Attachment) PanTo(position geo.Position, debounce time.Duration, done func(regions.Result, error)) *tasks.Handle {
	key, neighbors := a.runtime.RegionAround(position)
	return a.tasks.Launch(panTaskKey, debounce, func(ctx context.Context) error {
		result, err := a.runtime.loader.LoadNewArea(ctx, key, neighbors)
		if tasks.IsCancellation(err) {
			return err
		}
		if done != nil {
			done(result, err)
		}
		if err != nil {
			a.runtime.logger.Warn("region load after pan failed",
				zap.String("operation", "app.pan"),
				zap.String("reason", "region_load_failed"),
				zap.String("spatial_key", key.String()),
				zap.Error(err))
		}
		return nil
	})
}

// Refresh reloads the visible region after the app returned from the background.
func (a *Attachment) Refresh(ctx context.Context, awayFor time.Duration) (regions.Result, error) {
	visible, ok := a.runtime.loader.Visible()
	if !ok {
		return regions.Result{}, nil
	}
	return a.runtime.loader.ForegroundRefresh(ctx, visible.Primary, visible.Neighbors, awayFor)
}

// Done is closed once the attachment is closed or its context ends.
func (a *Attachment) Done() <-chan struct{} {
	return a.ctx.Done()
}

// Close cancels the attachment's tasks and detaches its subscriptions.
func (a *Attachment) Close() {
	a.closeOnce.Do(func() {
		a.cancel()
		a.tasks.Close()
		a.mu.Lock()
		subscriptions := a.subscriptions
		a.subscriptions = nil
		a.mu.Unlock()
		for _, subscription := range subscriptions {
			subscription.Close()
		}
	})
}
