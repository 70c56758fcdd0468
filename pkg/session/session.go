// Package session owns the selected frame source and the analysis loop
// built for it.
//
// A session holds at most one source. Changing the source stops the loop,
// discards its results, releases the device exactly once and removes any
// uploaded file before another source can be chosen.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-safeflow/pkg/inference"
	"github.com/teslashibe/go-safeflow/pkg/loop"
	"github.com/teslashibe/go-safeflow/pkg/source"
)

var (
	// ErrSourceSelected is returned when a source is chosen while one is active.
	ErrSourceSelected = errors.New("session: source already selected")

	// ErrNoSource is returned by loop commands when no source is ready.
	ErrNoSource = errors.New("session: no source selected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
)

// Config wires a session to its collaborators.
type Config struct {
	OpenCamera source.LiveOpener
	OpenVideo  source.FileOpener
	Analyzer   inference.Analyzer

	// LoopOptions are applied to every controller the session builds.
	LoopOptions []loop.Option

	// SourceOptions are applied to every source the session opens.
	SourceOptions []source.Option

	// LoopVideo makes file playback wrap around. When false, reaching the
	// end of the file stops analysis.
	LoopVideo bool

	// UploadDir receives uploaded videos. Empty means a fresh temp dir.
	UploadDir string

	Logger *slog.Logger
}

// Status is the observable state of a session.
type Status struct {
	Selected    bool          `json:"selected"`
	Kind        source.Kind   `json:"kind,omitempty"`
	Ready       bool          `json:"ready"`
	SourceError string        `json:"sourceError,omitempty"`
	Name        string        `json:"name,omitempty"`
	Loop        loop.Snapshot `json:"-"`
}

// Session is safe for concurrent use.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	closed    bool
	kind      source.Kind
	src       source.Source
	ctrl      *loop.Controller
	unsub     func()
	sourceErr string
	name      string
	upload    string // path to delete on change
	gen       uint64 // bumped on every claim and release

	obsMu     sync.Mutex
	observers map[int]func(Status)
	nextObs   int
}

// New creates a session with no source selected.
func New(cfg Config) (*Session, error) {
	if cfg.Analyzer == nil {
		return nil, errors.New("session: analyzer required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UploadDir == "" {
		dir, err := os.MkdirTemp("", "safeflow-uploads-")
		if err != nil {
			return nil, fmt.Errorf("session: upload dir: %w", err)
		}
		cfg.UploadDir = dir
	} else if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("session: upload dir: %w", err)
	}

	return &Session{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "session"),
		observers: make(map[int]func(Status)),
	}, nil
}

// SelectLive acquires the camera. On failure the session keeps a live
// placeholder that is never ready and carries the camera error message.
func (s *Session) SelectLive(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.cfg.OpenCamera == nil {
		return errors.New("session: no camera configured")
	}
	gen, err := s.claim(source.KindLive, "camera")
	if err != nil {
		return err
	}

	live, err := source.OpenLive(s.cfg.OpenCamera, s.sourceOptions()...)
	if err != nil {
		s.fail(gen, err)
		return err
	}
	return s.attach(gen, live, "", nil)
}

// SelectFile opens a video file on disk.
func (s *Session) SelectFile(ctx context.Context, path string) error {
	return s.selectFile(ctx, path, "")
}

// SelectUpload stores r as an uploaded video and selects it. The stored
// copy is deleted when the source is changed.
func (s *Session) SelectUpload(ctx context.Context, r io.Reader, name string) error {
	path, err := s.SaveUpload(r, name)
	if err != nil {
		return err
	}
	if err := s.selectFile(ctx, path, path); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func (s *Session) selectFile(ctx context.Context, path, upload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.cfg.OpenVideo == nil {
		return errors.New("session: no video decoder configured")
	}
	gen, err := s.claim(source.KindFile, filepath.Base(path))
	if err != nil {
		return err
	}

	// The controller does not exist yet when the file is opened.
	var ctrl atomic.Pointer[loop.Controller]
	opts := append(s.sourceOptions(),
		source.WithLoop(s.cfg.LoopVideo),
		source.WithOnEnded(func() {
			if c := ctrl.Load(); c != nil {
				s.logger.Info("video ended, stopping analysis")
				c.Stop()
			}
		}),
	)

	file, err := source.OpenFile(path, s.cfg.OpenVideo, opts...)
	if err != nil {
		s.release(gen)
		return err
	}
	return s.attach(gen, file, upload, ctrl.Store)
}

func (s *Session) sourceOptions() []source.Option {
	return append([]source.Option{source.WithLogger(s.cfg.Logger)}, s.cfg.SourceOptions...)
}

// claim reserves the session for a new source of kind. The returned
// generation must still be current when the opened source is attached.
func (s *Session) claim(kind source.Kind, name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.kind != "" {
		return 0, ErrSourceSelected
	}
	s.gen++
	s.kind = kind
	s.name = name
	s.sourceErr = ""
	return s.gen, nil
}

// release undoes claim after a failed open, unless the claim was already
// superseded.
func (s *Session) release(gen uint64) {
	s.mu.Lock()
	if s.gen == gen {
		s.kind, s.name = "", ""
	}
	s.mu.Unlock()
}

// fail records an acquisition failure and keeps the placeholder.
func (s *Session) fail(gen uint64, err error) {
	msg := err.Error()
	var ae *source.AcquisitionError
	if errors.As(err, &ae) {
		msg = ae.UserMessage()
	}
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.sourceErr = msg
	s.mu.Unlock()

	s.logger.Warn("source acquisition failed", "error", err)
	s.notify()
}

// attach builds the controller for src. bind, if set, sees the controller
// before it is published.
func (s *Session) attach(gen uint64, src source.Source, upload string, bind func(*loop.Controller)) error {
	ctrl, err := loop.New(src, s.cfg.Analyzer, s.loopOptions()...)
	if err != nil {
		src.Close()
		s.release(gen)
		return err
	}
	if bind != nil {
		bind(ctrl)
	}
	unsub := ctrl.Subscribe(func(loop.Snapshot) { s.notify() })

	s.mu.Lock()
	if s.closed || s.gen != gen {
		closed := s.closed
		s.mu.Unlock()
		unsub()
		ctrl.Close()
		src.Close()
		s.logger.Info("source released, selection was superseded", "kind", src.Kind())
		if closed {
			return ErrClosed
		}
		return ErrSourceSelected
	}
	s.src = src
	s.ctrl = ctrl
	s.unsub = unsub
	s.upload = upload
	s.mu.Unlock()

	s.logger.Info("source selected", "kind", src.Kind())
	s.notify()
	return nil
}

func (s *Session) loopOptions() []loop.Option {
	return append([]loop.Option{loop.WithLogger(s.cfg.Logger)}, s.cfg.LoopOptions...)
}

// ChangeSource stops analysis, discards results and releases the source.
func (s *Session) ChangeSource() {
	s.mu.Lock()
	src, ctrl, unsub, upload := s.src, s.ctrl, s.unsub, s.upload
	had := s.kind != ""
	s.src, s.ctrl, s.unsub, s.upload = nil, nil, nil, ""
	s.kind, s.name, s.sourceErr = "", "", ""
	s.gen++
	s.mu.Unlock()

	if ctrl != nil {
		ctrl.Reset()
		unsub()
		ctrl.Close()
	}
	if src != nil {
		if err := src.Close(); err != nil {
			s.logger.Warn("source close failed", "error", err)
		}
	}
	if upload != "" {
		if err := os.Remove(upload); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("upload cleanup failed", "path", upload, "error", err)
		}
	}
	if had {
		s.logger.Info("source released")
		s.notify()
	}
}

func (s *Session) controller() (*loop.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.ctrl == nil {
		return nil, ErrNoSource
	}
	return s.ctrl, nil
}

// Start begins analysis of the selected source.
func (s *Session) Start() error {
	ctrl, err := s.controller()
	if err != nil {
		return err
	}
	return ctrl.Start()
}

// Stop halts analysis. It is a no-op without a source.
func (s *Session) Stop() {
	if ctrl, err := s.controller(); err == nil {
		ctrl.Stop()
	}
}

// Toggle starts or stops analysis.
func (s *Session) Toggle() error {
	ctrl, err := s.controller()
	if err != nil {
		return err
	}
	return ctrl.Toggle()
}

// Status returns the current session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		Selected:    s.kind != "",
		Kind:        s.kind,
		SourceError: s.sourceErr,
		Name:        s.name,
	}
	src, ctrl := s.src, s.ctrl
	s.mu.Unlock()

	if src != nil {
		st.Ready = src.Ready()
	}
	if ctrl != nil {
		st.Loop = ctrl.Snapshot()
	} else {
		st.Loop = loop.Snapshot{Source: st.Kind}
	}
	return st
}

// Subscribe registers fn for every status change across source changes.
// fn must not call back into the session's mutating methods.
func (s *Session) Subscribe(fn func(Status)) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Session) notify() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	if len(s.observers) == 0 {
		return
	}
	st := s.Status()
	for _, fn := range s.observers {
		fn(st)
	}
}

// SaveUpload copies r into the upload directory and verifies it is a video.
func (s *Session) SaveUpload(r io.Reader, name string) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	f, err := os.CreateTemp(s.cfg.UploadDir, "upload-*"+ext)
	if err != nil {
		return "", fmt.Errorf("session: create upload: %w", err)
	}
	path := f.Name()

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("session: write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("session: write upload: %w", err)
	}

	if _, err := source.CheckVideoMIME(path); err != nil {
		os.Remove(path)
		return "", err
	}
	s.logger.Info("upload stored", "name", name, "path", path)
	return path, nil
}

// UploadDir returns the directory uploads are stored in.
func (s *Session) UploadDir() string { return s.cfg.UploadDir }

// Close refuses further selections, then releases the source.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.ChangeSource()
	return nil
}
