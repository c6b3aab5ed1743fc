package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clinicaltrials/gridline/pkg/checkpoint"
	"github.com/clinicaltrials/gridline/pkg/models"
)

// ErrThreadExists is returned by Invoke when the thread id already has
// committed checkpoints; callers wanting to continue that run must use
// Resume instead.
var ErrThreadExists = errors.New("pipeline: thread already has committed steps")

// ErrNoCheckpoint is returned by Resume when the thread has no committed
// checkpoint to resume from; callers start a fresh run instead.
var ErrNoCheckpoint = errors.New("pipeline: no checkpoint for thread")

// StatusWriter flips the protocol's externally visible status as the run
// moves between nodes.
type StatusWriter interface {
	SetStatus(ctx context.Context, protocolID string, status models.ProtocolStatus) error
}

// stepDef binds a node to its step index and the protocol status observers
// should see while it runs.
type stepDef struct {
	step        int
	enterStatus models.ProtocolStatus // empty means no transition on entry
	run         func(ctx context.Context, st State) (State, error)
}

// Driver owns the node order, the conditional edges, and checkpointing.
// One Driver serves every run in the process; per-run state lives entirely
// in State and the checkpoint store, keyed by thread id.
type Driver struct {
	steps       []stepDef
	checkpoints checkpoint.Store
	status      StatusWriter
}

// NewDriver assembles the fixed node sequence over nodes.
func NewDriver(nodes *Nodes, checkpoints checkpoint.Store, status StatusWriter) *Driver {
	return &Driver{
		steps: []stepDef{
			{step: StepIngest, run: nodes.Ingest},
			{step: StepExtract, enterStatus: models.ProtocolExtracting, run: nodes.Extract},
			{step: StepParse, run: nodes.Parse},
			{step: StepGround, enterStatus: models.ProtocolGrounding, run: nodes.Ground},
			{step: StepPersist, run: nodes.Persist},
		},
		checkpoints: checkpoints,
		status:      status,
	}
}

// Invoke starts a new run under initial.ThreadID. It refuses a thread that
// already has committed steps so a duplicate delivery can never fork a
// run.
func (d *Driver) Invoke(ctx context.Context, initial State) (State, error) {
	if initial.ThreadID == "" {
		return initial, errors.New("pipeline: initial state has no thread id")
	}

	_, _, exists, err := d.checkpoints.Latest(ctx, initial.ThreadID)
	if err != nil {
		return initial, fmt.Errorf("pipeline: checking thread %s: %w", initial.ThreadID, err)
	}
	if exists {
		return initial, fmt.Errorf("%w: %s", ErrThreadExists, initial.ThreadID)
	}

	return d.run(ctx, initial, StepIngest)
}

// Resume continues a run from the node after its last committed
// checkpoint. The initial state is not passed in; it is reconstructed
// entirely from the checkpoint.
func (d *Driver) Resume(ctx context.Context, threadID string) (State, error) {
	step, data, ok, err := d.checkpoints.Latest(ctx, threadID)
	if err != nil {
		return State{}, fmt.Errorf("pipeline: reading checkpoint for %s: %w", threadID, err)
	}
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrNoCheckpoint, threadID)
	}
	if step >= StepPersist {
		// The run already finished; nothing to do.
		return UnmarshalState(data)
	}

	st, err := UnmarshalState(data)
	if err != nil {
		return State{}, err
	}

	slog.Info("resuming pipeline run",
		"protocol_id", st.ProtocolID, "thread_id", threadID, "from_step", StepName(step+1))
	return d.run(ctx, st, step+1)
}

// run executes nodes from fromStep onward, checkpointing after each
// success. A node error stops the run with no checkpoint for that step,
// so the next resume replays it. Cancellation between nodes leaves the
// last committed checkpoint valid and the protocol status untouched.
func (d *Driver) run(ctx context.Context, st State, fromStep int) (State, error) {
	log := slog.With("protocol_id", st.ProtocolID, "thread_id", st.ThreadID)

	for _, def := range d.steps {
		if def.step < fromStep {
			continue
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}

		if def.enterStatus != "" && d.status != nil {
			if err := d.status.SetStatus(ctx, st.ProtocolID, def.enterStatus); err != nil {
				return st, fmt.Errorf("pipeline: entering %s: %w", StepName(def.step), err)
			}
		}

		next, err := def.run(ctx, st)
		if err != nil {
			log.Warn("pipeline node failed", "node", StepName(def.step), "error", err)
			return st, classifyNodeError(err)
		}
		st = next

		data, err := st.Marshal()
		if err != nil {
			return st, models.NewClassifiedError(models.CategoryPipelineFailed, err)
		}
		if err := d.checkpoints.Save(ctx, st.ThreadID, def.step, data); err != nil {
			// The step is considered not committed; the next resume
			// replays it.
			return st, models.NewClassifiedError(models.CategoryStorage,
				fmt.Errorf("checkpointing %s: %w", StepName(def.step), err))
		}
		log.Info("pipeline node complete", "node", StepName(def.step))
	}

	return st, nil
}

// Cleanup drops a finished thread's checkpoint history.
func (d *Driver) Cleanup(ctx context.Context, threadID string) error {
	return d.checkpoints.Delete(ctx, threadID)
}

// classifyNodeError ensures every error leaving the driver carries a
// category the outbox processor can act on.
func classifyNodeError(err error) error {
	var classified *models.ClassifiedError
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return models.NewClassifiedError(models.CategoryPipelineFailed, err)
}
