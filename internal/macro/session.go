package macro

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/macroremote/internal/metrics"
	"github.com/user/macroremote/internal/protocol"
)

var ErrIndexOutOfRange = errors.New("index out of range")

// Sender is the outbound half of the connection manager.
type Sender interface {
	Send(msgType, data string, waitForCompletion bool) bool
}

type Option func(*Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAutoRequest controls whether a hello/accept triggers request-macros.
func WithAutoRequest(enabled bool) Option {
	return func(s *Session) {
		s.autoRequest = enabled
	}
}

// Session interprets server envelopes against the macro catalog and turns
// user actions into outbound messages. It is safe for concurrent use; hooks
// run after the session lock is released.
type Session struct {
	sender      Sender
	logger      *slog.Logger
	autoRequest bool

	mu         sync.Mutex
	macros     []*Macro
	baseline   []*Macro
	anyRunning bool
	loaded     bool

	onCatalog      func([]Macro)
	onStateChange  func(id string, running bool)
	onNotice       func(string)
	onAccessDenied func()
}

func NewSession(sender Sender, opts ...Option) *Session {
	s := &Session{
		sender:      sender,
		logger:      slog.Default(),
		autoRequest: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnCatalog is fired with a copy of the catalog whenever it is replaced,
// reordered, saved or reverted.
func (s *Session) OnCatalog(fn func([]Macro)) {
	s.mu.Lock()
	s.onCatalog = fn
	s.mu.Unlock()
}

// OnStateChange is fired for every run-state envelope, including ones that
// address a macro missing from the catalog.
func (s *Session) OnStateChange(fn func(id string, running bool)) {
	s.mu.Lock()
	s.onStateChange = fn
	s.mu.Unlock()
}

func (s *Session) OnNotice(fn func(string)) {
	s.mu.Lock()
	s.onNotice = fn
	s.mu.Unlock()
}

func (s *Session) OnAccessDenied(fn func()) {
	s.mu.Lock()
	s.onAccessDenied = fn
	s.mu.Unlock()
}

func (s *Session) HandleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeMacroStarted, protocol.TypeMacroAlreadyRunning:
		s.setRunning(env.Data, true)
	case protocol.TypeMacroStopped, protocol.TypeMacroEnded:
		s.setRunning(env.Data, false)
	case protocol.TypeMacroList, protocol.TypeUpdateMacroList:
		s.replaceCatalog(env.Data)
	case protocol.TypeError:
		s.notice("Error: " + env.Data)
	case protocol.TypeHello:
		s.handleHello(env.Data)
	}
}

func (s *Session) handleHello(data string) {
	switch data {
	case protocol.HelloAccept:
		if s.autoRequest {
			s.RequestCatalog()
		}
	case protocol.HelloReject:
		s.logger.Warn("server rejected connection")
		s.mu.Lock()
		fn := s.onAccessDenied
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}

func (s *Session) setRunning(id string, running bool) {
	var fire []func()

	s.mu.Lock()
	s.anyRunning = running
	for _, m := range s.macros {
		if m.ID != id {
			continue
		}
		if n := m.setRunning(running); n != nil {
			fire = append(fire, n)
		}
		break
	}
	if fn := s.onStateChange; fn != nil {
		fire = append(fire, func() { fn(id, running) })
	}
	s.mu.Unlock()

	for _, f := range fire {
		f()
	}
}

func (s *Session) replaceCatalog(payload string) {
	macros, errs := BuildCatalog(payload)
	for _, err := range errs {
		s.logger.Warn("skipping macro record", "error", err)
	}

	s.mu.Lock()
	s.macros = macros
	s.baseline = append([]*Macro(nil), macros...)
	s.loaded = true
	s.mu.Unlock()

	metrics.ObserveCatalogSize(len(macros))
	s.logger.Info("macro catalog replaced", "macros", len(macros), "skipped", len(errs))
	if len(errs) > 0 {
		s.notice(fmt.Sprintf("Error: skipped %d invalid macro record(s)", len(errs)))
	}
	s.catalogChanged()
}

// Reorder moves the macro at from to index to through adjacent swaps, so
// every other macro keeps its relative order.
func (s *Session) Reorder(from, to int) error {
	s.mu.Lock()
	n := len(s.macros)
	if from < 0 || from >= n || to < 0 || to >= n {
		s.mu.Unlock()
		return fmt.Errorf("reorder %d -> %d of %d macros: %w", from, to, n, ErrIndexOutOfRange)
	}
	for i := from; i < to; i++ {
		s.macros[i], s.macros[i+1] = s.macros[i+1], s.macros[i]
	}
	for i := from; i > to; i-- {
		s.macros[i], s.macros[i-1] = s.macros[i-1], s.macros[i]
	}
	s.mu.Unlock()

	if from != to {
		s.catalogChanged()
	}
	return nil
}

// Save commits the current order as the baseline, renumbers positions from
// zero and sends the layout to the server. A false return means the session
// is over and the caller must disconnect.
func (s *Session) Save() bool {
	s.mu.Lock()
	layout := make([]protocol.LayoutEntry, len(s.macros))
	for i, m := range s.macros {
		m.Position = i
		layout[i] = protocol.LayoutEntry{MacroID: m.ID, Position: i}
	}
	s.baseline = append([]*Macro(nil), s.macros...)
	s.mu.Unlock()

	s.catalogChanged()

	data, err := protocol.EncodeLayout(layout)
	if err != nil {
		s.logger.Error("encoding layout", "error", err)
		return false
	}
	return s.sender.Send(protocol.TypeSetLayout, data, true)
}

// Revert discards any reordering since the last save or catalog.
func (s *Session) Revert() {
	s.mu.Lock()
	s.macros = append([]*Macro(nil), s.baseline...)
	s.mu.Unlock()

	s.catalogChanged()
}

// Execute asks the server to run a macro. Ids missing from the catalog are
// still sent; the server answers with an error envelope.
func (s *Session) Execute(id string) bool {
	return s.sender.Send(protocol.TypeExecuteMacro, id, true)
}

// Stop asks the server to stop the running macro. With nothing running it
// sends nothing and reports success.
func (s *Session) Stop() bool {
	if !s.AnyRunning() {
		return true
	}
	return s.sender.Send(protocol.TypeStopMacro, "", true)
}

// Toggle stops a running macro and starts an idle one.
func (s *Session) Toggle(id string) bool {
	if m, ok := s.Lookup(id); ok && m.Running() {
		return s.Stop()
	}
	return s.Execute(id)
}

func (s *Session) Refresh() bool {
	return s.sender.Send(protocol.TypeRequestMacrosUpdate, "", false)
}

func (s *Session) RequestCatalog() bool {
	return s.sender.Send(protocol.TypeRequestMacros, "", false)
}

// Macros returns a copy of the catalog in display order.
func (s *Session) Macros() []Macro {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

func (s *Session) AnyRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anyRunning
}

// Loaded reports whether a catalog has been received.
func (s *Session) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

func (s *Session) Lookup(id string) (Macro, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.macros {
		if m.ID == id {
			return *m, true
		}
	}
	return Macro{}, false
}

// Dirty reports whether the display order differs from the baseline.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.macros) != len(s.baseline) {
		return true
	}
	for i := range s.macros {
		if s.macros[i] != s.baseline[i] {
			return true
		}
	}
	return false
}

// Watch registers fn as the state-change observer of the catalog entry
// with the given id. It reports false when no such macro exists.
func (s *Session) Watch(id string, fn func(Macro)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.macros {
		if m.ID == id {
			m.OnStateChange(fn)
			return true
		}
	}
	return false
}

func (s *Session) copyLocked() []Macro {
	out := make([]Macro, len(s.macros))
	for i, m := range s.macros {
		out[i] = *m
	}
	return out
}

func (s *Session) catalogChanged() {
	s.mu.Lock()
	fn := s.onCatalog
	var snapshot []Macro
	if fn != nil {
		snapshot = s.copyLocked()
	}
	s.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}

func (s *Session) notice(msg string) {
	s.mu.Lock()
	fn := s.onNotice
	s.mu.Unlock()

	s.logger.Warn("session notice", "message", msg)
	if fn != nil {
		fn(msg)
	}
}
