// Package live composes the snapshot loader, the push channel and the merge
// engine into one synchronizer per subject. Every merge runs on the Sync's
// own goroutine; readers see an immutable view published after each job.
package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ticketdesk/threads/internal/comment"
	"ticketdesk/threads/internal/event"
	"ticketdesk/threads/internal/push"
	"ticketdesk/threads/internal/remote"
	"ticketdesk/threads/internal/snapshot"
	"ticketdesk/threads/internal/thread"
)

var ErrClosed = errors.New("sync closed")

const defaultQueueSize = 256

// Commands is the request/response side used for writes. Acknowledgments are
// returned to the caller and never merged.
type Commands interface {
	CreateComment(ctx context.Context, subjectID, content string) (comment.Comment, error)
	CreateReply(ctx context.Context, subjectID, parentID, content string) (comment.Comment, error)
	UpdateComment(ctx context.Context, subjectID, commentID, content string) (comment.Comment, error)
	DeleteComment(ctx context.Context, subjectID, commentID string) (remote.DeleteAck, error)
	SetReaction(ctx context.Context, subjectID, commentID, kind string) (remote.ReactionAck, error)
	ClearReaction(ctx context.Context, subjectID, commentID string) (remote.ReactionAck, error)
	AttachFiles(ctx context.Context, subjectID, commentID string, files []remote.File) (remote.AttachmentAck, error)
	DetachFile(ctx context.Context, subjectID, commentID, name string) (remote.AttachmentAck, error)
}

type Deps struct {
	Fetcher  snapshot.Fetcher
	Commands Commands
	Dialer   push.Dialer
	// Viewer resolves the viewer's own reaction from per-user payloads.
	Viewer string
	Clock  func() time.Time
	Logger zerolog.Logger
}

type Options struct {
	PageSize          int
	AppliedLogSize    int
	ParkLimit         int
	QueueSize         int
	Backoff           push.Backoff
	HeartbeatInterval time.Duration
}

// View is an immutable snapshot of the synchronized state.
type View struct {
	Tree        []comment.Comment
	Pagination  thread.Pagination
	OrphanCount int
	ParkedCount int
}

// Sync keeps one subject's comment tree current.
type Sync struct {
	subjectID  string
	deps       Deps
	loader     *snapshot.Loader
	normalizer *event.Normalizer
	manager    *push.Manager
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan func(*thread.State) bool
	done   chan struct{}
	view   atomic.Pointer[View]
	once   sync.Once

	mu        sync.Mutex
	fetchErr  error
	listeners []func(View)
	bootstrap sync.WaitGroup
}

// New starts synchronizing subjectID: the first page is loaded, then the
// push channel is opened whether or not the load succeeded.
func New(subjectID string, deps Deps, opts Options) *Sync {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	logger := deps.Logger.With().Str("subject", subjectID).Logger()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Sync{
		subjectID:  subjectID,
		deps:       deps,
		loader:     snapshot.NewLoader(deps.Fetcher, opts.PageSize, logger),
		normalizer: event.NewNormalizer(deps.Viewer, logger).WithClock(deps.Clock),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(chan func(*thread.State) bool, queueSize),
		done:       make(chan struct{}),
	}
	s.manager = push.NewManager(subjectID, deps.Dialer, push.Options{
		Backoff:           opts.Backoff,
		HeartbeatInterval: opts.HeartbeatInterval,
		OnMessage:         s.receive,
		OnState: func(state push.State) {
			s.logger.Debug().Str("state", state.String()).Msg("live: channel state")
		},
		OnReopen: s.resync,
		Logger:   logger,
	})

	st := thread.NewState(thread.Options{
		AppliedLogSize: opts.AppliedLogSize,
		ParkLimit:      opts.ParkLimit,
		Logger:         logger,
	})
	s.publish(st)
	go s.loop(st)

	s.bootstrap.Add(1)
	go func() {
		defer s.bootstrap.Done()
		if err := s.loadFirst(s.ctx); err != nil {
			s.logger.Warn().Err(err).Msg("live: initial load failed")
		}
		if s.ctx.Err() == nil {
			s.manager.Start(s.ctx)
		}
	}()
	return s
}

func (s *Sync) SubjectID() string {
	return s.subjectID
}

// Tree returns the current comment forest, newest root first.
func (s *Sync) Tree() []comment.Comment {
	return s.view.Load().Tree
}

func (s *Sync) Pagination() thread.Pagination {
	return s.view.Load().Pagination
}

func (s *Sync) OrphanCount() int {
	return s.view.Load().OrphanCount
}

// Snapshot returns the whole current view.
func (s *Sync) Snapshot() View {
	return *s.view.Load()
}

// Status is the push channel state.
func (s *Sync) Status() push.State {
	return s.manager.State()
}

// LastError is the last fetch failure, or failing that the last push
// transport failure. A successful fetch clears the fetch error.
func (s *Sync) LastError() error {
	s.mu.Lock()
	err := s.fetchErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.manager.LastError()
}

// OnChange registers fn to run on the merge goroutine after every job that
// changed the view. fn must not block.
func (s *Sync) OnChange(fn func(View)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// LoadMore fetches the page after the current cursor and merges it. It is a
// no-op once the authority reports no more pages.
func (s *Sync) LoadMore(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	page := s.Pagination()
	if page.Pages == 0 {
		return s.loadFirst(ctx)
	}
	if !page.HasMore {
		return nil
	}
	fetchCtx, stop := s.fetchContext(ctx)
	defer stop()
	loaded, err := s.loader.Load(fetchCtx, s.subjectID, page.Cursor)
	s.setFetchErr(err)
	if err != nil {
		return err
	}
	return s.mergePages([]comment.Page{loaded}, snapshot.Append, false)
}

// Reload refetches every page loaded so far and repairs the tree from them.
// It is the manual retry after a failed fetch.
func (s *Sync) Reload(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	pages := s.Pagination().Pages
	if pages == 0 {
		return s.loadFirst(ctx)
	}
	return s.refetch(ctx, pages)
}

// Close stops the channel, cancels in-flight fetches and drops queued jobs.
// It is safe to call more than once.
func (s *Sync) Close() {
	s.once.Do(func() {
		s.cancel()
		s.bootstrap.Wait()
		s.manager.Close()
		<-s.done
		s.logger.Debug().Msg("live: closed")
	})
}

func (s *Sync) SubmitComment(ctx context.Context, content string) (comment.Comment, error) {
	if s.ctx.Err() != nil {
		return comment.Comment{}, ErrClosed
	}
	return s.deps.Commands.CreateComment(ctx, s.subjectID, content)
}

func (s *Sync) SubmitReply(ctx context.Context, parentID, content string) (comment.Comment, error) {
	if s.ctx.Err() != nil {
		return comment.Comment{}, ErrClosed
	}
	return s.deps.Commands.CreateReply(ctx, s.subjectID, parentID, content)
}

func (s *Sync) EditComment(ctx context.Context, commentID, content string) (comment.Comment, error) {
	if s.ctx.Err() != nil {
		return comment.Comment{}, ErrClosed
	}
	return s.deps.Commands.UpdateComment(ctx, s.subjectID, commentID, content)
}

func (s *Sync) SetReaction(ctx context.Context, commentID, kind string) (remote.ReactionAck, error) {
	if s.ctx.Err() != nil {
		return remote.ReactionAck{}, ErrClosed
	}
	return s.deps.Commands.SetReaction(ctx, s.subjectID, commentID, kind)
}

func (s *Sync) ClearReaction(ctx context.Context, commentID string) (remote.ReactionAck, error) {
	if s.ctx.Err() != nil {
		return remote.ReactionAck{}, ErrClosed
	}
	return s.deps.Commands.ClearReaction(ctx, s.subjectID, commentID)
}

func (s *Sync) DeleteComment(ctx context.Context, commentID string) (remote.DeleteAck, error) {
	if s.ctx.Err() != nil {
		return remote.DeleteAck{}, ErrClosed
	}
	return s.deps.Commands.DeleteComment(ctx, s.subjectID, commentID)
}

func (s *Sync) AttachFiles(ctx context.Context, commentID string, files []remote.File) (remote.AttachmentAck, error) {
	if s.ctx.Err() != nil {
		return remote.AttachmentAck{}, ErrClosed
	}
	return s.deps.Commands.AttachFiles(ctx, s.subjectID, commentID, files)
}

func (s *Sync) DetachFile(ctx context.Context, commentID, name string) (remote.AttachmentAck, error) {
	if s.ctx.Err() != nil {
		return remote.AttachmentAck{}, ErrClosed
	}
	return s.deps.Commands.DetachFile(ctx, s.subjectID, commentID, name)
}

func (s *Sync) loop(st *thread.State) {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-s.jobs:
			// A job dequeued in the same instant as Close must not land.
			if s.ctx.Err() != nil {
				return
			}
			if job(st) {
				view := s.publish(st)
				s.mu.Lock()
				listeners := append([]func(View){}, s.listeners...)
				s.mu.Unlock()
				for _, fn := range listeners {
					fn(view)
				}
			}
		}
	}
}

func (s *Sync) publish(st *thread.State) View {
	view := &View{
		Tree:        st.Tree(),
		Pagination:  st.Pagination(),
		OrphanCount: st.OrphanCount(),
		ParkedCount: st.ParkedCount(),
	}
	s.view.Store(view)
	return *view
}

// enqueue hands job to the merge goroutine. Jobs offered after Close are
// dropped and reported as false.
func (s *Sync) enqueue(job func(*thread.State) bool) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.jobs <- job:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// run enqueues job and waits until the merge goroutine has executed it.
func (s *Sync) run(job func(*thread.State) bool) error {
	finished := make(chan struct{})
	ok := s.enqueue(func(st *thread.State) bool {
		defer close(finished)
		return job(st)
	})
	if !ok {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *Sync) receive(raw []byte) {
	ev := s.normalizer.Normalize(raw)
	if ev == nil {
		return
	}
	switch ev.Kind {
	case event.KindConnectionMeta:
		s.logger.Debug().Str("connection", ev.ConnectionID).Msg("live: channel confirmed")
		return
	case event.KindProtocolError:
		return
	}
	if ev.SubjectID != "" && ev.SubjectID != s.subjectID {
		s.logger.Warn().Str("event_subject", ev.SubjectID).Str("kind", string(ev.Kind)).Msg("live: dropping event for another subject")
		return
	}
	ev.SubjectID = s.subjectID
	s.enqueue(func(st *thread.State) bool {
		res := st.Apply(*ev)
		s.logger.Debug().
			Str("kind", string(ev.Kind)).
			Str("comment", ev.EntityID).
			Str("outcome", res.Outcome.String()).
			Msg("live: event merged")
		return res.Changed()
	})
}

func (s *Sync) loadFirst(ctx context.Context) error {
	fetchCtx, stop := s.fetchContext(ctx)
	defer stop()
	page, err := s.loader.Load(fetchCtx, s.subjectID, "")
	s.setFetchErr(err)
	if err != nil {
		return err
	}
	return s.mergePages([]comment.Page{page}, snapshot.Append, false)
}

func (s *Sync) resync() {
	go func() {
		pages := s.Pagination().Pages
		if pages == 0 {
			pages = 1
		}
		if err := s.refetch(s.ctx, pages); err != nil && !errors.Is(err, ErrClosed) {
			s.logger.Warn().Err(err).Msg("live: re-snapshot after reconnect failed")
		}
	}()
}

func (s *Sync) refetch(ctx context.Context, pages int) error {
	fetchCtx, stop := s.fetchContext(ctx)
	defer stop()
	loaded, err := s.loader.Refetch(fetchCtx, s.subjectID, pages)
	s.setFetchErr(err)
	if err != nil {
		return err
	}
	return s.mergePages(loaded, snapshot.Repair, true)
}

func (s *Sync) mergePages(pages []comment.Page, mode snapshot.Mode, reset bool) error {
	received := s.deps.Clock()
	return s.run(func(st *thread.State) bool {
		if reset {
			st.ResetPagination()
		}
		for _, page := range pages {
			summary := snapshot.Merge(st, s.subjectID, page, mode, received)
			s.logger.Debug().
				Int("applied", summary.Applied).
				Int("duplicates", summary.Duplicates).
				Int("orphaned", summary.Orphaned).
				Msg("live: page merged")
		}
		return true
	})
}

// fetchContext ties a caller's context to the Sync's lifetime so Close
// cancels every in-flight fetch.
func (s *Sync) fetchContext(ctx context.Context) (context.Context, func()) {
	fetchCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return fetchCtx, func() {
		stop()
		cancel()
	}
}

func (s *Sync) setFetchErr(err error) {
	if err != nil && s.ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", ErrClosed, err)
	}
	s.mu.Lock()
	s.fetchErr = err
	s.mu.Unlock()
}
