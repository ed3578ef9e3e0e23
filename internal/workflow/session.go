package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"github.com/example/bggone/internal/apperror"
	"github.com/example/bggone/internal/imagedata"
	"github.com/example/bggone/internal/ingest"
	"github.com/example/bggone/internal/removal"
)

// TopicStateChanged receives a Snapshot after every transition.
const TopicStateChanged = "workflow:state"

// DefaultTimeout bounds a single removal call.
const DefaultTimeout = 60 * time.Second

const (
	msgGeneric     = "Something went wrong while processing the image."
	msgTimeout     = "Processing timed out. Please try again."
	msgReadFailure = "Could not read the selected file."
)

var (
	// ErrBusy is returned by Submit outside the Idle state.
	ErrBusy = errors.New("workflow: a submission is already in progress")
	// ErrStale is returned when a reset or newer submission superseded the
	// file read.
	ErrStale = errors.New("workflow: submission superseded")
)

// Options configures a Session.
type Options struct {
	Remover removal.Remover
	Timeout time.Duration
	Bus     evbus.Bus
	Logger  *zap.Logger
}

// Session runs one upload → removal → result lifecycle at a time. All
// fields behind mu are owned by the session; results from superseded
// generations are discarded.
type Session struct {
	id      string
	remover removal.Remover
	timeout time.Duration
	bus     evbus.Bus
	logger  *zap.Logger

	mu         sync.Mutex
	state      State
	images     ImagePair
	errInfo    *ErrorInfo
	validation string
	generation uint64
	seq        uint64
	changed    chan struct{}
}

// NewSession returns an Idle session.
func NewSession(id string, opts Options) *Session {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Session{
		id:      id,
		remover: opts.Remover,
		timeout: opts.Timeout,
		bus:     opts.Bus,
		logger:  opts.Logger.With(zap.String("session_id", id)),
		state:   Idle,
		changed: make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Submit validates and reads f, then moves Idle → Processing and starts the
// removal call in the background. Validation failures leave the state Idle.
func (s *Session) Submit(ctx context.Context, f ingest.File) error {
	if s.remover == nil {
		return apperror.New(apperror.KindConfiguration, "workflow.submit", "no remover configured")
	}

	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrBusy
	}
	if err := ingest.Validate(f); err != nil {
		s.validation = err.Error()
		snap := s.changeLocked()
		s.mu.Unlock()
		s.publish(snap)
		return err
	}
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	img, readErr := ingest.Read(ctx, f)

	s.mu.Lock()
	if gen != s.generation || s.state != Idle {
		s.mu.Unlock()
		s.logger.Debug("discarding superseded file read", zap.Uint64("generation", gen))
		return ErrStale
	}
	if readErr != nil {
		var vErr *ingest.ValidationError
		if errors.As(readErr, &vErr) {
			s.validation = vErr.Message
		} else {
			s.validation = msgReadFailure
		}
		snap := s.changeLocked()
		s.mu.Unlock()
		s.publish(snap)
		return readErr
	}

	s.state = Processing
	s.images = ImagePair{Original: img}
	s.errInfo = nil
	s.validation = ""
	snap := s.changeLocked()
	s.mu.Unlock()

	s.logger.Info("processing started",
		zap.String("file", f.Name),
		zap.String("media_type", img.MediaType),
		zap.String("size", ingest.HumanSize(f.Size)),
		zap.Uint64("generation", gen),
	)
	s.publish(snap)

	go s.run(context.WithoutCancel(ctx), gen, img)
	return nil
}

// Reset returns the session to Idle and clears the pair and error. A call
// still in flight is abandoned; its result will be discarded.
func (s *Session) Reset() {
	s.mu.Lock()
	s.generation++
	s.state = Idle
	s.images = ImagePair{}
	s.errInfo = nil
	s.validation = ""
	snap := s.changeLocked()
	s.mu.Unlock()

	s.publish(snap)
}

// Snapshot returns the current observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Await blocks until the session is not Processing or ctx is done.
func (s *Session) Await(ctx context.Context) (Snapshot, error) {
	for {
		s.mu.Lock()
		if s.state != Processing {
			snap := s.snapshotLocked()
			s.mu.Unlock()
			return snap, nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return s.Snapshot(), ctx.Err()
		}
	}
}

func (s *Session) run(base context.Context, gen uint64, img imagedata.EncodedImage) {
	ctx, cancel := context.WithTimeout(base, s.timeout)
	defer cancel()

	var (
		result imagedata.EncodedImage
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = apperror.New(apperror.KindInternal, "workflow.run", fmt.Sprintf("remover panicked: %v", r))
			}
		}()
		result, err = removal.RemoveImage(ctx, s.remover, img)
	}()

	if err == nil && result.Empty() {
		err = apperror.New(apperror.KindMalformed, "workflow.run", "No result returned from server")
	}
	s.resolve(gen, result, err, ctx.Err())
}

func (s *Session) resolve(gen uint64, result imagedata.EncodedImage, err, ctxErr error) {
	s.mu.Lock()
	if gen != s.generation || s.state != Processing {
		s.mu.Unlock()
		s.logger.Debug("discarding stale removal result", zap.Uint64("generation", gen), zap.Error(err))
		return
	}

	if err != nil {
		s.state = Error
		s.errInfo = toErrorInfo(err, ctxErr)
	} else {
		s.state = Success
		res := result.Data
		s.images.Result = &res
		s.images.ResultMediaType = result.MediaType
	}
	snap := s.changeLocked()
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("processing failed", zap.String("kind", string(snap.Error.Kind)), zap.Error(err))
	} else {
		s.logger.Info("processing succeeded", zap.Int("result_len", len(result.Data)), zap.String("media_type", result.MediaType))
	}
	s.publish(snap)
}

func toErrorInfo(err, ctxErr error) *ErrorInfo {
	info := &ErrorInfo{
		Kind:    apperror.KindOf(err),
		Message: apperror.Message(err, msgGeneric),
	}
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		info.Kind = apperror.KindTimeout
	}
	if info.Kind == apperror.KindTimeout && !hasMessage(err) {
		info.Message = msgTimeout
	}

	var typed *apperror.Error
	if errors.As(err, &typed) {
		info.Details = typed.Details
	}
	return info
}

func hasMessage(err error) bool {
	var typed *apperror.Error
	return errors.As(err, &typed) && typed.Message != ""
}

func (s *Session) changeLocked() Snapshot {
	s.seq++
	close(s.changed)
	s.changed = make(chan struct{})
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:  s.id,
		State:      s.state,
		Images:     s.images,
		Validation: s.validation,
		Generation: s.generation,
		Seq:        s.seq,
	}
	if s.images.Result != nil {
		res := *s.images.Result
		snap.Images.Result = &res
	}
	if s.errInfo != nil {
		e := *s.errInfo
		snap.Error = &e
	}
	return snap
}

func (s *Session) publish(snap Snapshot) {
	if s.bus != nil {
		s.bus.Publish(TopicStateChanged, snap)
	}
}
