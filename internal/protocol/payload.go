package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidRecord = errors.New("invalid macro record")

type rawMacroRecord struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	MacroID     *string `json:"macro_id"`
	Position    *int    `json:"position"`
}

// ParseCatalog decodes a macro-list payload. Records that fail validation
// are skipped and returned in recordErrs; err is only set when the payload
// as a whole is unusable.
func ParseCatalog(payload string) (records []MacroRecord, recordErrs []error, err error) {
	var catalog struct {
		MacroList *[]json.RawMessage `json:"macro_list"`
	}
	if err := json.Unmarshal([]byte(payload), &catalog); err != nil {
		return nil, nil, fmt.Errorf("decode catalog payload: %w", err)
	}
	if catalog.MacroList == nil {
		return nil, nil, fmt.Errorf("decode catalog payload: %w: macro_list", ErrMissingField)
	}

	seen := make(map[string]struct{}, len(*catalog.MacroList))
	records = make([]MacroRecord, 0, len(*catalog.MacroList))
	for i, raw := range *catalog.MacroList {
		record, err := DecodeMacroRecord(raw)
		if err != nil {
			recordErrs = append(recordErrs, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		if _, dup := seen[record.MacroID]; dup {
			recordErrs = append(recordErrs, fmt.Errorf("record %d: %w: duplicate macro_id %q", i, ErrInvalidRecord, record.MacroID))
			continue
		}
		seen[record.MacroID] = struct{}{}
		records = append(records, record)
	}
	return records, recordErrs, nil
}

func DecodeMacroRecord(raw json.RawMessage) (MacroRecord, error) {
	var r rawMacroRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return MacroRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	var missing []string
	if r.Name == nil {
		missing = append(missing, "name")
	}
	if r.Description == nil {
		missing = append(missing, "description")
	}
	if r.MacroID == nil || *r.MacroID == "" {
		missing = append(missing, "macro_id")
	}
	if r.Position == nil {
		missing = append(missing, "position")
	}
	if len(missing) > 0 {
		return MacroRecord{}, fmt.Errorf("%w: %w: %s", ErrInvalidRecord, ErrMissingField, strings.Join(missing, ", "))
	}

	return MacroRecord{
		Name:        *r.Name,
		Description: *r.Description,
		MacroID:     *r.MacroID,
		Position:    *r.Position,
	}, nil
}

func EncodeCatalog(records []MacroRecord) (string, error) {
	list := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return "", fmt.Errorf("encode macro record %q: %w", r.MacroID, err)
		}
		list = append(list, data)
	}
	data, err := json.Marshal(CatalogPayload{MacroList: list})
	if err != nil {
		return "", fmt.Errorf("encode catalog payload: %w", err)
	}
	return string(data), nil
}

// EncodeLayout renders the set-layout payload. An empty layout encodes as
// "[]", never "null".
func EncodeLayout(entries []LayoutEntry) (string, error) {
	if entries == nil {
		entries = []LayoutEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode layout: %w", err)
	}
	return string(data), nil
}
