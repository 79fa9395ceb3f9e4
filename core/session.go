package core

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/vkstream/internal/apiclient"
	"pkt.systems/vkstream/internal/logx"
	"pkt.systems/vkstream/internal/reconcile"
	"pkt.systems/vkstream/internal/unify"
	"pkt.systems/vkstream/internal/views"
	"pkt.systems/vkstream/schema"
)

// SessionConfig tunes a Session.
type SessionConfig struct {
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Clustering     bool
	ClusterPolicy  views.ClusterPolicy
	DiffContext    int
}

// Session follows one task attempt at a time: it polls the process list,
// streams the conversation of every process and the attempt diff, and emits a
// derived view after every change. All view state is owned by a single
// event-loop goroutine.
type Session struct {
	cfg  SessionConfig
	deps SessionDeps
	log  pslog.Logger

	cmds    chan command
	updates chan update
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once

	// owned by the loop
	cur        *attemptState
	gen        uint64
	clustering bool

	mu     sync.Mutex
	latest ViewEvent
}

type commandKind int

const (
	cmdOpen commandKind = iota
	cmdToggle
	cmdClustering
)

type command struct {
	kind    commandKind
	ctx     context.Context
	attempt schema.AttemptID
	process schema.ProcessID
	enabled bool
	reply   chan error
}

type updateKind int

const (
	updProcesses updateKind = iota
	updConversation
	updDiff
)

type update struct {
	gen      uint64
	kind     updateKind
	process  schema.ProcessID
	snap     reconcile.Snapshot
	finished bool
}

type attemptState struct {
	id     schema.AttemptID
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	log    pslog.Logger

	poller *reconcile.Poller
	diff   *reconcile.Stream
	active atomic.Bool

	procs     map[schema.ProcessID]*processStream
	processes []schema.ExecutionProcess
	unifier   *unify.Unifier
	collapse  views.CollapseState
	todos     views.TodoState
	diffs     []schema.Diff
}

type processStream struct {
	stream  *reconcile.Stream
	running atomic.Bool
	status  schema.ProcessStatus
}

// NewSession validates deps and starts the session event loop.
func NewSession(cfg SessionConfig, deps SessionDeps) (*Session, error) {
	if deps.API == nil {
		return nil, errors.New("session api is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = reconcile.DefaultPollInterval
	}
	if cfg.DiffContext <= 0 {
		cfg.DiffContext = views.DefaultDiffContext
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	s := &Session{
		cfg:        cfg,
		deps:       deps,
		log:        logger,
		cmds:       make(chan command),
		updates:    make(chan update),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		clustering: cfg.Clustering,
	}
	go s.run()
	return s, nil
}

// Open switches the session to attemptID. Streams of the previous attempt
// are stopped before Open returns.
func (s *Session) Open(ctx context.Context, attemptID schema.AttemptID) error {
	if err := schema.ValidateAttemptID(attemptID); err != nil {
		return err
	}
	return s.do(command{kind: cmdOpen, ctx: ctx, attempt: attemptID})
}

// Toggle flips the collapsed state of a process section.
func (s *Session) Toggle(processID schema.ProcessID) error {
	return s.do(command{kind: cmdToggle, process: processID})
}

// SetClustering enables or disables assistant message clustering.
func (s *Session) SetClustering(enabled bool) error {
	return s.do(command{kind: cmdClustering, enabled: enabled})
}

// Latest returns the most recently emitted view.
func (s *Session) Latest() ViewEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Close stops every stream and the event loop. It is safe to call repeatedly.
func (s *Session) Close() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}

// Done is closed when the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) do(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return schema.ErrStopped
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return schema.ErrStopped
	}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.stopAttempt()
			return
		case cmd := <-s.cmds:
			cmd.reply <- s.handle(cmd)
		case upd := <-s.updates:
			cur := s.cur
			if cur == nil || upd.gen != cur.gen {
				s.log.Trace("session stale update dropped", "gen", upd.gen)
				continue
			}
			if s.apply(cur, upd) {
				s.emit(cur)
			}
		}
	}
}

func (s *Session) handle(cmd command) error {
	switch cmd.kind {
	case cmdOpen:
		s.stopAttempt()
		return s.startAttempt(cmd.ctx, cmd.attempt)
	case cmdToggle:
		if s.cur == nil {
			return schema.ErrNotFound
		}
		s.cur.collapse = views.Toggle(s.cur.collapse, cmd.process)
		s.emit(s.cur)
	case cmdClustering:
		s.clustering = cmd.enabled
		if s.cur != nil {
			s.emit(s.cur)
		}
	}
	return nil
}

func (s *Session) startAttempt(parent context.Context, id schema.AttemptID) error {
	if parent == nil {
		parent = context.Background()
	}
	s.gen++
	log := logx.WithAttempt(pslog.ContextWithLogger(parent, s.log), id)
	ctx, cancel := context.WithCancel(logx.ContextWithAttemptLogger(context.WithoutCancel(parent), log, id))
	a := &attemptState{
		id:       id,
		gen:      s.gen,
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
		procs:    make(map[schema.ProcessID]*processStream),
		unifier:  unify.New(),
		collapse: views.NewCollapseState(),
	}
	api := s.deps.API
	poller, err := reconcile.NewPoller(reconcile.PollerOptions{
		Name:     "processes/" + string(id),
		Interval: s.cfg.PollInterval,
		Fetch: func(ctx context.Context) (json.RawMessage, error) {
			return api.ListProcessesRaw(ctx, id)
		},
		Logger: log,
	})
	if err != nil {
		cancel()
		return err
	}
	a.poller = poller
	diff, err := s.newStream(a, "diff/"+string(id), schema.DocumentDiff, api.AttemptDiffURL(id), a.active.Load)
	if err != nil {
		cancel()
		return err
	}
	a.diff = diff
	a.active.Store(true)
	s.cur = a
	s.forward(a, update{gen: a.gen, kind: updProcesses}, poller)
	s.forward(a, update{gen: a.gen, kind: updDiff}, diff)
	if err := poller.Start(ctx); err != nil {
		s.stopAttempt()
		return err
	}
	if err := diff.Start(ctx); err != nil {
		s.stopAttempt()
		return err
	}
	log.Info("session attempt opened", "gen", a.gen)
	return nil
}

func (s *Session) stopAttempt() {
	a := s.cur
	if a == nil {
		return
	}
	s.cur = nil
	a.cancel()
	a.poller.Stop()
	a.diff.Stop()
	for id, ps := range a.procs {
		ps.stop()
		delete(a.procs, id)
	}
	a.log.Debug("session attempt closed", "gen", a.gen)
}

func (s *Session) newStream(a *attemptState, name string, kind schema.DocumentKind, url string, running func() bool) (*reconcile.Stream, error) {
	opts := reconcile.StreamOptions{
		Name:           name,
		Kind:           kind,
		URL:            url,
		Dialer:         s.deps.Dialer,
		Running:        running,
		InitialBackoff: s.cfg.InitialBackoff,
		MaxBackoff:     s.cfg.MaxBackoff,
		Metrics:        s.deps.Metrics,
		Logger:         a.log,
	}
	if store := s.deps.Store; store != nil {
		cp, ok, err := store.Load(name)
		if err != nil {
			a.log.Warn("checkpoint ignored", "stream", name, "err", err)
		}
		if ok && cp.Kind == kind {
			opts.ResumeCursor = cp.Cursor
			opts.ResumeDocument = cp.Document
		}
		opts.Checkpoint = store.Saver(name, kind)
	}
	return reconcile.NewStream(opts)
}

// forward relays snapshots of src into the event loop until the attempt ends.
func (s *Session) forward(a *attemptState, u update, src reconcile.Source) {
	ch, cancel := src.Subscribe()
	ctx := a.ctx
	go func() {
		defer cancel()
		done := src.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-ch:
				if !ok {
					return
				}
				next := u
				next.snap = snap
				if !s.send(ctx, next) {
					return
				}
			case <-done:
				done = nil
				next := u
				next.snap = src.Current()
				next.finished = true
				if !s.send(ctx, next) {
					return
				}
			}
		}
	}()
}

func (s *Session) send(ctx context.Context, u update) bool {
	select {
	case s.updates <- u:
		return true
	case <-ctx.Done():
		return false
	case <-s.quit:
		return false
	}
}

// apply folds one update into the attempt state and reports whether the view
// must be rebuilt.
func (s *Session) apply(a *attemptState, u update) bool {
	switch u.kind {
	case updProcesses:
		if u.finished || u.snap.Data == nil {
			return false
		}
		procs, err := apiclient.DecodeProcesses(u.snap.Data)
		if err != nil {
			a.log.Warn("process list decode failed", "err", err)
			return false
		}
		s.observeProcesses(a, procs)
		return true
	case updConversation:
		ps, ok := a.procs[u.process]
		if !ok {
			return false
		}
		if u.finished {
			if ps.status.Terminal() && u.snap.Data != nil {
				s.deps.API.CacheConversation(u.process, u.snap.Data)
			}
			return false
		}
		if u.snap.Data == nil {
			return false
		}
		conv, err := schema.DecodeConversation(u.snap.Data)
		if err != nil {
			a.log.Warn("conversation decode failed", "process", u.process, "err", err)
			return false
		}
		for _, skipped := range conv.Skipped {
			a.log.Warn("conversation entry dropped", "process", u.process, "err", skipped)
		}
		a.unifier.Replace(u.process, conv.Entries)
		return true
	case updDiff:
		if u.finished || u.snap.Data == nil {
			return false
		}
		doc, err := schema.DecodeDiffDocument(u.snap.Data)
		if err != nil {
			a.log.Warn("diff decode failed", "err", err)
			return false
		}
		for _, skipped := range doc.Skipped {
			a.log.Warn("diff entry dropped", "err", skipped)
		}
		a.diffs = doc.Diffs
		return true
	}
	return false
}

func (s *Session) observeProcesses(a *attemptState, procs []schema.ExecutionProcess) {
	sort.SliceStable(procs, func(i, j int) bool { return procs[i].StartedBefore(procs[j]) })
	a.processes = procs
	a.unifier.SetProcesses(procs)
	a.collapse = views.ObserveProcesses(a.collapse, procs)

	listed := make(map[schema.ProcessID]struct{}, len(procs))
	anyRunning := false
	for _, proc := range procs {
		if !unify.Included(proc) {
			continue
		}
		listed[proc.ID] = struct{}{}
		running := proc.Status == schema.StatusRunning
		anyRunning = anyRunning || running
		if ps, ok := a.procs[proc.ID]; ok {
			ps.status = proc.Status
			ps.running.Store(running)
			continue
		}
		s.trackProcess(a, proc)
	}
	for id, ps := range a.procs {
		if _, ok := listed[id]; !ok {
			ps.stop()
			delete(a.procs, id)
		}
	}
	a.active.Store(anyRunning)
}

func (s *Session) trackProcess(a *attemptState, proc schema.ExecutionProcess) {
	ps := &processStream{status: proc.Status}
	ps.running.Store(proc.Status == schema.StatusRunning)
	a.procs[proc.ID] = ps
	if proc.Status.Terminal() {
		if doc, ok := s.deps.API.CachedConversation(proc.ID); ok {
			if conv, err := schema.DecodeConversation(doc); err == nil {
				a.unifier.Replace(proc.ID, conv.Entries)
				a.log.Debug("conversation served from cache", "process", proc.ID)
				return
			}
		}
	}
	name := conversationStream(proc.ID)
	stream, err := s.newStream(a, name, schema.DocumentConversation, s.deps.API.NormalizedLogsURL(proc.ID), ps.running.Load)
	if err != nil {
		a.log.Warn("conversation stream not created", "process", proc.ID, "err", err)
		return
	}
	ps.stream = stream
	s.forward(a, update{gen: a.gen, kind: updConversation, process: proc.ID}, stream)
	ctx := logx.ContextWithProcessLogger(a.ctx, logx.WithAttemptProcess(a.ctx, a.id, proc.ID), a.id, proc.ID)
	if err := stream.Start(ctx); err != nil {
		a.log.Warn("conversation stream not started", "process", proc.ID, "err", err)
	}
}

func conversationStream(id schema.ProcessID) string {
	return "conversation/" + string(id)
}

func (p *processStream) stop() {
	if p.stream != nil {
		p.stream.Stop()
	}
}

func (s *Session) emit(a *attemptState) {
	entries := a.unifier.Entries()
	a.todos = views.ExtractTodos(a.todos, entries)
	model := views.Build(views.BuildInput{
		Entries:     entries,
		Processes:   a.processes,
		Collapse:    a.collapse,
		Clustering:  s.clustering,
		Policy:      s.cfg.ClusterPolicy,
		Diffs:       a.diffs,
		DiffContext: s.cfg.DiffContext,
		Todos:       a.todos,
	})
	event := ViewEvent{AttemptID: a.id, Generation: a.gen, Model: model}
	s.mu.Lock()
	s.latest = event
	s.mu.Unlock()
	if s.deps.EventSink != nil {
		s.deps.EventSink.OnView(event)
	}
}
