package edge

import (
	"context"

	"github.com/docker/go-events"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/log"
	"github.com/aaronorosen/vmware-nsx/state/store"
	"github.com/aaronorosen/vmware-nsx/vcns"
)

// CallbackHandler turns backend task outcomes into binding row
// transitions. It is registered as a sink on the backend client's task
// notifier, so every deploy, update, and delete lands here regardless of
// which code path issued it. The handler never resurrects a removed
// binding and treats rows that vanished mid-flight as benign races.
type CallbackHandler struct {
	ctx        context.Context
	store      *store.MemoryStore
	backend    vcns.Client
	maxTunnels int
}

// NewCallbackHandler builds a handler applying transitions to s. The
// backend is used to clean up the logical switch of a distributed router
// pair once its edge delete completes.
func NewCallbackHandler(ctx context.Context, s *store.MemoryStore, backend vcns.Client, maxTunnels int) *CallbackHandler {
	return &CallbackHandler{
		ctx:        log.WithModule(ctx, "callbacks"),
		store:      s,
		backend:    backend,
		maxTunnels: maxTunnels,
	}
}

// Write implements events.Sink.
func (h *CallbackHandler) Write(ev events.Event) error {
	task, ok := ev.(vcns.TaskEvent)
	if !ok {
		return nil
	}
	ctx := log.WithField(h.ctx, "resource.id", task.JobData.ResourceID)
	if task.EdgeID != "" {
		ctx = log.WithField(ctx, "edge.id", task.EdgeID)
	}
	switch task.Kind {
	case vcns.TaskKindDeploy:
		h.deployEvent(ctx, task)
	case vcns.TaskKindUpdate:
		h.updateEvent(ctx, task)
	case vcns.TaskKindDelete:
		h.deleteEvent(ctx, task)
	}
	return nil
}

// Close implements events.Sink.
func (h *CallbackHandler) Close() error {
	return nil
}

func (h *CallbackHandler) deployEvent(ctx context.Context, task vcns.TaskEvent) {
	var err error
	switch task.Phase {
	case vcns.TaskStarted:
		err = h.store.Update(func(tx store.Tx) error {
			return applyDeployStarted(tx, task.JobData.ResourceID, task.EdgeID, h.maxTunnels)
		})
	case vcns.TaskCompleted:
		err = h.store.Update(func(tx store.Tx) error {
			return applyDeployCompleted(tx, task.JobData.ResourceID)
		})
	case vcns.TaskFailed:
		log.G(ctx).WithError(task.Err).Errorf("edge deploy failed")
		err = h.store.Update(func(tx store.Tx) error {
			return applyDeployFailed(tx, task.JobData.ResourceID)
		})
	}
	if err == store.ErrNotExist {
		log.G(ctx).Warnf("deploy %s for unknown binding", task.Phase)
	} else if err != nil {
		log.G(ctx).WithError(err).Errorf("failed to record deploy %s", task.Phase)
	}
}

func (h *CallbackHandler) updateEvent(ctx context.Context, task vcns.TaskEvent) {
	if task.Phase != vcns.TaskFailed {
		return
	}
	log.G(ctx).WithError(task.Err).Errorf("edge update failed")
	err := h.store.Update(func(tx store.Tx) error {
		binding := store.GetRouterBinding(tx, task.JobData.ResourceID)
		if binding == nil {
			return store.ErrNotExist
		}
		binding.Status = api.StatusError
		return store.UpdateRouterBinding(tx, binding)
	})
	if err == store.ErrNotExist {
		// An update racing a delete must not resurrect the binding.
		log.G(ctx).Debugf("update failed for removed binding")
	} else if err != nil {
		log.G(ctx).WithError(err).Errorf("failed to record update failure")
	}
}

func (h *CallbackHandler) deleteEvent(ctx context.Context, task vcns.TaskEvent) {
	switch task.Phase {
	case vcns.TaskCompleted:
		var lswitchID string
		err := h.store.Update(func(tx store.Tx) error {
			binding := store.GetRouterBinding(tx, task.JobData.ResourceID)
			if binding == nil {
				return store.ErrNotExist
			}
			lswitchID = binding.LswitchID
			if err := store.DeleteRouterBinding(tx, binding.ResourceID); err != nil {
				return err
			}
			if binding.EdgeType != api.EdgeTypeVDR && binding.EdgeID != "" {
				return store.CleanEdgeVnicBindings(tx, binding.EdgeID)
			}
			return nil
		})
		if err == store.ErrNotExist {
			log.G(ctx).Debugf("delete completed for already removed binding")
			return
		}
		if err != nil {
			log.G(ctx).WithError(err).Errorf("failed to remove binding after edge delete")
			return
		}
		if lswitchID != "" {
			if err := h.backend.DeleteLswitch(h.ctx, lswitchID); err != nil {
				log.G(ctx).WithError(err).Warnf("failed to delete lswitch %s", lswitchID)
			}
		}
	case vcns.TaskFailed:
		log.G(ctx).WithError(task.Err).Errorf("edge delete failed")
		err := h.store.Update(func(tx store.Tx) error {
			binding := store.GetRouterBinding(tx, task.JobData.ResourceID)
			if binding == nil {
				return store.ErrNotExist
			}
			binding.Status = api.StatusError
			return store.UpdateRouterBinding(tx, binding)
		})
		if err != nil && err != store.ErrNotExist {
			log.G(ctx).WithError(err).Errorf("failed to record delete failure")
		}
	}
}

// applyDeployStarted records the assigned edge ID on a binding and seeds
// the vnic grid for service edges. An event carrying no edge ID fails the
// binding, since nothing can ever be correlated to it.
func applyDeployStarted(tx store.Tx, resourceID, edgeID string, maxTunnels int) error {
	binding := store.GetRouterBinding(tx, resourceID)
	if binding == nil {
		return store.ErrNotExist
	}
	if edgeID == "" {
		binding.Status = api.StatusError
		return store.UpdateRouterBinding(tx, binding)
	}
	if binding.EdgeID == edgeID {
		// Already recorded. Deploy waiters apply transitions as soon as
		// the task settles; the sink reapplies them when the events drain.
		return nil
	}
	binding.EdgeID = edgeID
	if err := store.UpdateRouterBinding(tx, binding); err != nil {
		return err
	}
	if binding.EdgeType != api.EdgeTypeVDR {
		if err := store.CleanEdgeVnicBindings(tx, edgeID); err != nil {
			return err
		}
		return store.InitEdgeVnicBindings(tx, edgeID, maxTunnels)
	}
	return nil
}

// applyDeployCompleted settles an in-flight create. Rows in any other
// state are left alone; a completion must never revive a binding that was
// freed or failed in the meantime.
func applyDeployCompleted(tx store.Tx, resourceID string) error {
	binding := store.GetRouterBinding(tx, resourceID)
	if binding == nil {
		return store.ErrNotExist
	}
	if binding.Status != api.StatusPendingCreate {
		return nil
	}
	binding.Status = api.StatusActive
	return store.UpdateRouterBinding(tx, binding)
}

func applyDeployFailed(tx store.Tx, resourceID string) error {
	binding := store.GetRouterBinding(tx, resourceID)
	if binding == nil {
		return store.ErrNotExist
	}
	if binding.Status == api.StatusPendingDelete {
		// A teardown is already in flight; its completion removes the row.
		return nil
	}
	binding.Status = api.StatusError
	if err := store.UpdateRouterBinding(tx, binding); err != nil {
		return err
	}
	if binding.EdgeType != api.EdgeTypeVDR && binding.EdgeID != "" {
		return store.CleanEdgeVnicBindings(tx, binding.EdgeID)
	}
	return nil
}
