package configs

import _ "embed"

// Example is the commented config file written by `macroremote config init`.
//
//go:embed macroremote.example.yaml
var Example []byte
