package tui

import (
	"context"
	"errors"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/user/macroremote/internal/client"
	"github.com/user/macroremote/internal/conn"
	"github.com/user/macroremote/internal/db"
	"github.com/user/macroremote/internal/macro"
)

// catalogMsg carries a catalog snapshot from the session.
type catalogMsg struct {
	macros []macro.Macro
}

type runStateMsg struct {
	id      string
	running bool
}

// noticeMsg is a transient error line, shown until noticeFadeMsg clears it.
type noticeMsg struct {
	text string
}

type noticeFadeMsg struct {
	seq int
}

type accessDeniedMsg struct{}

type disconnectedMsg struct {
	reason error
}

type connectResultMsg struct {
	target client.Target
	ok     bool
}

type recentServersMsg struct {
	servers []*db.Server
	err     error
}

type autoConnectMsg struct{}

// mailbox hands hook messages to the program in order. post never blocks:
// hooks also fire from inside Update (reorder, save, revert), while the
// event loop is the only reader of Program.Send.
type mailbox struct {
	send func(tea.Msg)

	mu    sync.Mutex
	queue []tea.Msg

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newMailbox(send func(tea.Msg)) *mailbox {
	mb := &mailbox{
		send: send,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go mb.run()
	return mb
}

func (mb *mailbox) post(msg tea.Msg) {
	mb.mu.Lock()
	mb.queue = append(mb.queue, msg)
	mb.mu.Unlock()

	select {
	case mb.wake <- struct{}{}:
	default:
	}
}

func (mb *mailbox) run() {
	for {
		select {
		case <-mb.done:
			return
		case <-mb.wake:
		}
		for {
			mb.mu.Lock()
			if len(mb.queue) == 0 {
				mb.mu.Unlock()
				break
			}
			msg := mb.queue[0]
			mb.queue[0] = nil
			mb.queue = mb.queue[1:]
			mb.mu.Unlock()
			mb.send(msg)
		}
	}
}

func (mb *mailbox) close() {
	mb.once.Do(func() { close(mb.done) })
}

// disconnectForwarder turns connection teardowns into disconnectedMsg.
type disconnectForwarder struct {
	post func(tea.Msg)
}

func (f *disconnectForwarder) HandleDisconnect(reason error) {
	// A replaced connection is followed by its successor's catalog.
	if errors.Is(reason, conn.ErrReplaced) {
		return
	}
	f.post(disconnectedMsg{reason: reason})
}

// bind routes the session hooks and the manager's teardowns into program.
// The returned func undoes the registration.
func bind(program *tea.Program, session *macro.Session, manager *conn.Manager) func() {
	mb := newMailbox(program.Send)

	session.OnCatalog(func(macros []macro.Macro) {
		mb.post(catalogMsg{macros: macros})
	})
	session.OnStateChange(func(id string, running bool) {
		mb.post(runStateMsg{id: id, running: running})
	})
	session.OnNotice(func(text string) {
		mb.post(noticeMsg{text: text})
	})
	session.OnAccessDenied(func() {
		mb.post(accessDeniedMsg{})
	})

	forwarder := &disconnectForwarder{post: mb.post}
	manager.AddDisconnectSubscriber(forwarder)
	return func() {
		manager.RemoveDisconnectSubscriber(forwarder)
		mb.close()
	}
}

// Run shows the terminal UI on the alternate screen until the user quits.
// A non-empty address is connected to immediately.
func Run(ctx context.Context, c *client.Client, address string, opts ...tea.ProgramOption) error {
	model := NewModel(ctx, c, c.Session(), address)
	opts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)
	program := tea.NewProgram(model, opts...)

	unbind := bind(program, c.Session(), c.Manager())
	defer unbind()

	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
