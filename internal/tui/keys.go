package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap holds every binding of both screens. Which ones are live depends
// on the screen and on whether reorder mode is on.
type KeyMap struct {
	Up        key.Binding
	Down      key.Binding
	Connect   key.Binding
	Run       key.Binding
	Stop      key.Binding
	Refresh   key.Binding
	Reorder   key.Binding
	MoveUp    key.Binding
	MoveDown  key.Binding
	Save      key.Binding
	Discard   key.Binding
	Back      key.Binding
	Help      key.Binding
	Quit      key.Binding
	ForceQuit key.Binding
}

var DefaultKeyMap = KeyMap{
	Up: key.NewBinding(
		key.WithKeys("k", "up"),
		key.WithHelp("k/↑", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("j", "down"),
		key.WithHelp("j/↓", "down"),
	),
	Connect: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "connect"),
	),
	Run: key.NewBinding(
		key.WithKeys("enter", " "),
		key.WithHelp("enter", "run/stop"),
	),
	Stop: key.NewBinding(
		key.WithKeys("s"),
		key.WithHelp("s", "stop"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Reorder: key.NewBinding(
		key.WithKeys("e"),
		key.WithHelp("e", "reorder"),
	),
	MoveUp: key.NewBinding(
		key.WithKeys("K", "shift+up"),
		key.WithHelp("K", "move up"),
	),
	MoveDown: key.NewBinding(
		key.WithKeys("J", "shift+down"),
		key.WithHelp("J", "move down"),
	),
	Save: key.NewBinding(
		key.WithKeys("w"),
		key.WithHelp("w", "save order"),
	),
	Discard: key.NewBinding(
		key.WithKeys("x", "esc"),
		key.WithHelp("x", "discard"),
	),
	Back: key.NewBinding(
		key.WithKeys("esc"),
		key.WithHelp("esc", "disconnect"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "help"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q"),
		key.WithHelp("q", "quit"),
	),
	ForceQuit: key.NewBinding(
		key.WithKeys("ctrl+c"),
		key.WithHelp("C-c", "quit"),
	),
}

// bindingHelp adapts a fixed set of bindings to help.KeyMap.
type bindingHelp struct {
	short []key.Binding
	full  [][]key.Binding
}

func (b bindingHelp) ShortHelp() []key.Binding  { return b.short }
func (b bindingHelp) FullHelp() [][]key.Binding { return b.full }

func (k KeyMap) connectHelp() bindingHelp {
	return bindingHelp{
		short: []key.Binding{k.Connect, k.Up, k.Down, k.ForceQuit},
		full:  [][]key.Binding{{k.Connect}, {k.Up, k.Down}, {k.ForceQuit}},
	}
}

func (k KeyMap) catalogHelp(editing bool) bindingHelp {
	if editing {
		return bindingHelp{
			short: []key.Binding{k.MoveUp, k.MoveDown, k.Save, k.Discard},
			full:  [][]key.Binding{{k.Up, k.Down}, {k.MoveUp, k.MoveDown}, {k.Save, k.Discard}, {k.Refresh}},
		}
	}
	return bindingHelp{
		short: []key.Binding{k.Run, k.Stop, k.Refresh, k.Reorder, k.Help, k.Quit},
		full:  [][]key.Binding{{k.Up, k.Down}, {k.Run, k.Stop, k.Refresh}, {k.Reorder}, {k.Back, k.Help, k.Quit}},
	}
}
