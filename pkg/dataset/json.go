package dataset

import (
	"encoding/json"
	"fmt"
)

type wireTable struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// MarshalJSON encodes the table as {"columns": [...], "rows": [[...]]}.
func (t *Table) MarshalJSON() ([]byte, error) {
	rows := t.Records()
	if rows == nil {
		rows = [][]any{}
	}
	return json.Marshal(wireTable{Columns: t.Columns(), Rows: rows})
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON.
func (t *Table) UnmarshalJSON(raw []byte) error {
	var w wireTable
	if err := json.Unmarshal(raw, &w); err != nil {
		return fmt.Errorf("decode table: %w", err)
	}
	decoded, err := NewTable(w.Columns, w.Rows)
	if err != nil {
		return err
	}
	*t = *decoded
	return nil
}
