package hub

import "github.com/user/macroremote/internal/macro"

const (
	typeCatalog    = "catalog"
	typeState      = "state"
	typeConnection = "connection"
	typeNotice     = "notice"
	typeError      = "error"
)

// Commands accepted from panel clients.
const (
	cmdExecute = "execute"
	cmdStop    = "stop"
	cmdToggle  = "toggle"
	cmdRefresh = "refresh"
	cmdReorder = "reorder"
	cmdSave    = "save"
	cmdRevert  = "revert"
	cmdConnect = "connect"
)

type ServerMessage struct {
	Type string `json:"type"`
}

type MacroInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Position    int    `json:"position"`
	Running     bool   `json:"running"`
}

type CatalogMessage struct {
	Type       string      `json:"type"`
	Macros     []MacroInfo `json:"macros"`
	AnyRunning bool        `json:"any_running"`
	Dirty      bool        `json:"dirty"`
}

type StateMessage struct {
	Type    string `json:"type"`
	MacroID string `json:"macro_id"`
	Running bool   `json:"running"`
}

type ConnectionMessage struct {
	Type    string `json:"type"`
	State   string `json:"state"`
	Address string `json:"address,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type NoticeMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a command sent by a browser. From and To are only read
// for reorder, MacroID for execute and toggle, Address for connect.
type ClientMessage struct {
	Type    string `json:"type"`
	MacroID string `json:"macro_id,omitempty"`
	From    *int   `json:"from,omitempty"`
	To      *int   `json:"to,omitempty"`
	Address string `json:"address,omitempty"`
}

func macroInfos(macros []macro.Macro) []MacroInfo {
	out := make([]MacroInfo, len(macros))
	for i, m := range macros {
		out[i] = MacroInfo{
			ID:          m.ID,
			Name:        m.Name,
			Description: m.Description,
			Position:    m.Position,
			Running:     m.Running(),
		}
	}
	return out
}
