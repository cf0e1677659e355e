package protocol

import "encoding/json"

const (
	TypeHello               = "hello"
	TypeHeartbeat           = "heartbeat"
	TypeError               = "error"
	TypeRequestMacros       = "request-macros"
	TypeRequestMacrosUpdate = "request-macros-update"
	TypeExecuteMacro        = "execute-macro"
	TypeStopMacro           = "stop-macro"
	TypeSetLayout           = "set-layout"
	TypeMacroList           = "macro-list"
	TypeUpdateMacroList     = "update-macro-list"
	TypeMacroStarted        = "macro-started"
	TypeMacroStopped        = "macro-stopped"
	TypeMacroEnded          = "macro-ended"
	TypeMacroAlreadyRunning = "macro-already-running"
)

const (
	HelloAccept   = "accept"
	HelloReject   = "reject"
	HeartbeatPing = "ping"
	HeartbeatPong = "pong"
)

// Envelope is one protocol message. Data is always a string on the wire;
// structured payloads are JSON encoded into it.
type Envelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type CatalogPayload struct {
	MacroList []json.RawMessage `json:"macro_list"`
}

type MacroRecord struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	MacroID     string `json:"macro_id"`
	Position    int    `json:"position"`
}

type LayoutEntry struct {
	MacroID  string `json:"macro_id"`
	Position int    `json:"position"`
}
