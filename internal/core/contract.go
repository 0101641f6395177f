package core

// QuarantineReasonField is added to every quarantined row, listing the
// identifiers of all failed rules.
const QuarantineReasonField = "__quarantine_reason__"

// ColumnType names the coercible type a contract rule may require.
type ColumnType string

const (
	ColumnInteger  ColumnType = "integer"
	ColumnFloat    ColumnType = "float"
	ColumnBoolean  ColumnType = "boolean"
	ColumnDatetime ColumnType = "datetime"
	ColumnString   ColumnType = "string"
)

// ColumnRule declares the predicates a single column must satisfy.
// Zero-valued predicates are not enforced.
type ColumnRule struct {
	Column   string     `json:"column"`
	Required bool       `json:"required,omitempty"`
	Type     ColumnType `json:"type,omitempty"`
	Min      *float64   `json:"min,omitempty"`
	Max      *float64   `json:"max,omitempty"`
	Pattern  string     `json:"pattern,omitempty"`
	Values   []any      `json:"values,omitempty"`
}

// DataContract is a rule set applied to chunks a node emits. Rows that fail
// any rule are diverted to the quarantine stream.
type DataContract struct {
	Columns []ColumnRule `json:"columns"`
	Strict  bool         `json:"strict,omitempty"`
}
