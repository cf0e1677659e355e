package macro

import (
	"sort"

	"github.com/user/macroremote/internal/protocol"
)

// Macro is one server-side action as the client knows it. The running flag
// only ever reflects what the server last reported.
type Macro struct {
	ID          string
	Name        string
	Description string
	Position    int

	running       bool
	onStateChange func(Macro)
}

func (m *Macro) Running() bool {
	return m.running
}

// OnStateChange registers the observer fired whenever the server reports a
// run-state change for this macro. Passing nil clears it.
func (m *Macro) OnStateChange(fn func(Macro)) {
	m.onStateChange = fn
}

// setRunning records the new state and returns the notification to fire
// once the caller has released its locks.
func (m *Macro) setRunning(running bool) func() {
	m.running = running
	fn := m.onStateChange
	if fn == nil {
		return nil
	}
	snapshot := *m
	return func() { fn(snapshot) }
}

// BuildCatalog turns a macro-list payload into the ordered catalog. Invalid
// records are skipped and reported individually; the remaining macros are
// stable sorted by position. An unusable payload yields an empty catalog.
func BuildCatalog(payload string) ([]*Macro, []error) {
	records, recordErrs, err := protocol.ParseCatalog(payload)
	if err != nil {
		return []*Macro{}, []error{err}
	}

	macros := make([]*Macro, 0, len(records))
	for _, r := range records {
		macros = append(macros, &Macro{
			ID:          r.MacroID,
			Name:        r.Name,
			Description: r.Description,
			Position:    r.Position,
		})
	}
	sort.SliceStable(macros, func(i, j int) bool {
		return macros[i].Position < macros[j].Position
	})
	return macros, recordErrs
}
