package fault

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
)

// Static errors.
var (
	ErrStoreRequired     = errors.New("fault recorder requires a dataset store")
	ErrRestarterRequired = errors.New("fault recorder requires a restarter")
	ErrRecordUpload      = errors.New("failed to upload failure record")
)

// Recorder persists the first device fault of the process and triggers the
// restart.
type Recorder struct {
	state     *State
	store     core.ObjectStore
	restarter core.Restarter
	log       *logger.Logger
}

// NewRecorder wires a Recorder to its collaborators.
func NewRecorder(
	state *State,
	store core.ObjectStore,
	restarter core.Restarter,
	log *logger.Logger,
) (*Recorder, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if restarter == nil {
		return nil, ErrRestarterRequired
	}

	if state == nil {
		state = NewState()
	}

	return &Recorder{
		state:     state,
		store:     store,
		restarter: restarter,
		log:       log,
	}, nil
}

// State returns the fault state the recorder drives.
func (r *Recorder) State() *State {
	return r.state
}

// Handle runs the recovery path for a device fault. Only the first caller
// per process uploads the record and restarts; it reports whether this call
// was that caller. Upload failures are logged and do not prevent the
// restart. The restart is attempted once and never retried.
func (r *Recorder) Handle(ctx context.Context, record Record, referencePath string) (bool, error) {
	r.log.Error(
		"Exit due to: Unrecoverable exception caused by language:%s prompt:%s",
		record.Language, record.Text,
	)

	if !r.state.TryDetect(record.Text, record.Language) {
		snapshot := r.state.Snapshot()
		r.log.Warn("Device fault already recorded (%s) for language:%s prompt:%s",
			snapshot.Phase, snapshot.Language, snapshot.Prompt)

		return false, nil
	}

	uploadErr := r.upload(ctx, record, referencePath)
	if uploadErr != nil {
		r.log.Error("Failed to persist failure record: %v", uploadErr)
	}

	r.state.MarkRestarting()
	r.log.System("Device-side assert encountered, requesting restart")

	restartErr := r.restarter.Restart(ctx)
	if restartErr != nil {
		r.log.Error("Restart request failed: %v", restartErr)

		return true, fmt.Errorf("restart failed: %w", restartErr)
	}

	return true, uploadErr
}

func (r *Recorder) upload(ctx context.Context, record Record, referencePath string) error {
	data, err := record.CSV()
	if err != nil {
		return err
	}

	r.log.Info("Writing error csv")

	csvErr := r.store.Upload(ctx, record.RecordKey(), data)
	if csvErr != nil {
		return fmt.Errorf("%w: %w", ErrRecordUpload, csvErr)
	}

	if referencePath == "" {
		return nil
	}

	reference, err := os.ReadFile(referencePath)
	if err != nil {
		return fmt.Errorf("failed to read reference audio %s: %w", referencePath, err)
	}

	r.log.Info("Writing error reference audio")

	refErr := r.store.Upload(ctx, record.ReferenceKey(), reference)
	if refErr != nil {
		return fmt.Errorf("%w: %w", ErrRecordUpload, refErr)
	}

	return nil
}

// ExitRestarter ends the process so an external supervisor starts a fresh one.
type ExitRestarter struct {
	code int
	exit func(int)
	log  *logger.Logger
}

// NewExitRestarter returns a restarter that exits with code. A nil exit
// function uses os.Exit.
func NewExitRestarter(code int, exit func(int), log *logger.Logger) *ExitRestarter {
	if exit == nil {
		exit = os.Exit
	}

	return &ExitRestarter{code: code, exit: exit, log: log}
}

// Restart logs and exits.
func (e *ExitRestarter) Restart(_ context.Context) error {
	e.log.System("Exiting with code %d for restart", e.code)
	e.exit(e.code)

	return nil
}

var _ core.Restarter = (*ExitRestarter)(nil)
