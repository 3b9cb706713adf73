package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"recordplane/pkg/errutil"
)

// DataType is the storage type of a field. Each data type carries its own
// config struct; FieldDefinition rejects configs that do not match the type.
type DataType string

const (
	DataTypeText       DataType = "text"
	DataTypeNumber     DataType = "number"
	DataTypeDate       DataType = "date"
	DataTypeDateTime   DataType = "datetime"
	DataTypeBoolean    DataType = "boolean"
	DataTypeEmail      DataType = "email"
	DataTypePhone      DataType = "phone"
	DataTypeCurrency   DataType = "currency"
	DataTypeJSON       DataType = "json"
	DataTypeLookup     DataType = "lookup"
	DataTypeTable      DataType = "table"
	DataTypeAutoNumber DataType = "autonumber"
)

var knownDataTypes = map[DataType]struct{}{
	DataTypeText: {}, DataTypeNumber: {}, DataTypeDate: {}, DataTypeDateTime: {},
	DataTypeBoolean: {}, DataTypeEmail: {}, DataTypePhone: {}, DataTypeCurrency: {},
	DataTypeJSON: {}, DataTypeLookup: {}, DataTypeTable: {}, DataTypeAutoNumber: {},
}

// uiTypes are rendering hints, independent of the data type.
var knownUITypes = map[string]struct{}{
	"": {}, "input": {}, "textarea": {}, "select": {}, "multiselect": {},
	"checkbox": {}, "radio": {}, "datepicker": {}, "datetimepicker": {},
	"currency": {}, "lookup": {}, "grid": {}, "hidden": {},
}

var knownRuleTypes = map[string]struct{}{
	"minLength": {}, "maxLength": {}, "min": {}, "max": {}, "pattern": {},
}

type TextConfig struct {
	MaxLength int `json:"maxLength,omitempty"`
}

type NumberConfig struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// LookupConfig wires a field to records of another module. CascadeFields maps
// source field -> destination field, copied at write time.
type LookupConfig struct {
	TargetModule  string            `json:"targetModule"`
	DisplayField  string            `json:"displayField"`
	SearchFields  []string          `json:"searchFields,omitempty"`
	CascadeFields map[string]string `json:"cascadeFields,omitempty"`
}

type TableConfig struct {
	Columns []FieldDefinition `json:"columns"`
}

type ValidationRule struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

// FieldDefinition is one field within a schema version. Exactly the config
// struct matching DataType may be set; Validate enforces this.
type FieldDefinition struct {
	Name     string           `json:"name"`
	Label    string           `json:"label"`
	DataType DataType         `json:"dataType"`
	UIType   string           `json:"uiType,omitempty"`
	Required bool             `json:"required,omitempty"`
	Unique   bool             `json:"unique,omitempty"`
	ReadOnly bool             `json:"readOnly,omitempty"`
	Default  any              `json:"default,omitempty"`
	Rules    []ValidationRule `json:"rules,omitempty"`

	Text   *TextConfig   `json:"text,omitempty"`
	Number *NumberConfig `json:"number,omitempty"`
	Lookup *LookupConfig `json:"lookup,omitempty"`
	Table  *TableConfig  `json:"table,omitempty"`
}

var fieldNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Validate checks a field definition against the metadata library.
func (f FieldDefinition) Validate() error {
	if !fieldNameRe.MatchString(f.Name) {
		return errutil.FieldInvalid(f.Name, "field name must start with a letter and contain only letters, digits and underscores")
	}
	if _, ok := knownDataTypes[f.DataType]; !ok {
		return errutil.FieldInvalid(f.Name, fmt.Sprintf("unknown data type %q", f.DataType))
	}
	if _, ok := knownUITypes[f.UIType]; !ok {
		return errutil.FieldInvalid(f.Name, fmt.Sprintf("unknown ui type %q", f.UIType))
	}
	for _, r := range f.Rules {
		if _, ok := knownRuleTypes[r.Type]; !ok {
			return errutil.FieldInvalid(f.Name, fmt.Sprintf("unknown validation rule %q", r.Type))
		}
	}
	if err := f.validateConfig(); err != nil {
		return err
	}
	if f.DataType == DataTypeTable && f.Table != nil {
		for _, col := range f.Table.Columns {
			if col.DataType == DataTypeTable {
				return errutil.FieldInvalid(f.Name, "table columns cannot be tables themselves")
			}
			if err := col.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f FieldDefinition) validateConfig() error {
	if f.Text != nil && f.DataType != DataTypeText {
		return errutil.FieldInvalid(f.Name, "text config requires data type text")
	}
	if f.Number != nil && f.DataType != DataTypeNumber && f.DataType != DataTypeCurrency {
		return errutil.FieldInvalid(f.Name, "number config requires data type number or currency")
	}
	if f.Lookup != nil && f.DataType != DataTypeLookup {
		return errutil.FieldInvalid(f.Name, "lookup config requires data type lookup")
	}
	if f.Table != nil && f.DataType != DataTypeTable {
		return errutil.FieldInvalid(f.Name, "table config requires data type table")
	}
	if f.DataType == DataTypeLookup {
		if f.Lookup == nil || f.Lookup.TargetModule == "" || f.Lookup.DisplayField == "" {
			return errutil.FieldInvalid(f.Name, "lookup fields require a target module and display field")
		}
	}
	if f.DataType == DataTypeTable && (f.Table == nil || len(f.Table.Columns) == 0) {
		return errutil.FieldInvalid(f.Name, "table fields require at least one column")
	}
	return nil
}

var (
	emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phoneRe = regexp.MustCompile(`^\+?[0-9\s\-().]{5,20}$`)
)

// CheckValue verifies that v has the right shape for this field's data type
// and satisfies the field's validation rules.
func (f FieldDefinition) CheckValue(v any) error {
	if v == nil {
		return nil
	}
	switch f.DataType {
	case DataTypeText, DataTypeAutoNumber:
		s, ok := v.(string)
		if !ok {
			return errutil.FieldInvalid(f.Name, "expected a string value")
		}
		if f.Text != nil && f.Text.MaxLength > 0 && len(s) > f.Text.MaxLength {
			return errutil.FieldInvalid(f.Name, fmt.Sprintf("value exceeds max length %d", f.Text.MaxLength))
		}
	case DataTypeNumber, DataTypeCurrency:
		n, ok := asNumber(v)
		if !ok {
			return errutil.FieldInvalid(f.Name, "expected a numeric value")
		}
		if f.Number != nil {
			if f.Number.Min != nil && n < *f.Number.Min {
				return errutil.FieldInvalid(f.Name, fmt.Sprintf("value below minimum %v", *f.Number.Min))
			}
			if f.Number.Max != nil && n > *f.Number.Max {
				return errutil.FieldInvalid(f.Name, fmt.Sprintf("value above maximum %v", *f.Number.Max))
			}
		}
	case DataTypeBoolean:
		if _, ok := v.(bool); !ok {
			return errutil.FieldInvalid(f.Name, "expected a boolean value")
		}
	case DataTypeEmail:
		s, ok := v.(string)
		if !ok || !emailRe.MatchString(s) {
			return errutil.FieldInvalid(f.Name, "expected a valid email address")
		}
	case DataTypePhone:
		s, ok := v.(string)
		if !ok || !phoneRe.MatchString(s) {
			return errutil.FieldInvalid(f.Name, "expected a valid phone number")
		}
	case DataTypeDate:
		s, ok := v.(string)
		if !ok {
			return errutil.FieldInvalid(f.Name, "expected a date string")
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return errutil.FieldInvalid(f.Name, "expected date in YYYY-MM-DD format")
		}
	case DataTypeDateTime:
		s, ok := v.(string)
		if !ok {
			return errutil.FieldInvalid(f.Name, "expected a datetime string")
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return errutil.FieldInvalid(f.Name, "expected datetime in RFC3339 format")
		}
	case DataTypeLookup:
		if _, ok := v.(string); !ok {
			return errutil.FieldInvalid(f.Name, "expected a record id")
		}
	case DataTypeTable:
		rows, ok := v.([]any)
		if !ok {
			return errutil.FieldInvalid(f.Name, "expected a list of rows")
		}
		for _, raw := range rows {
			row, ok := raw.(map[string]any)
			if !ok {
				return errutil.FieldInvalid(f.Name, "expected row objects")
			}
			for _, col := range f.Table.Columns {
				cv, present := row[col.Name]
				if col.Required && (!present || cv == nil) {
					return errutil.FieldInvalid(f.Name+"."+col.Name, "required column is missing")
				}
				if present {
					if err := col.CheckValue(cv); err != nil {
						return err
					}
				}
			}
		}
	case DataTypeJSON:
		// any shape accepted
	}
	return f.checkRules(v)
}

func (f FieldDefinition) checkRules(v any) error {
	for _, r := range f.Rules {
		switch r.Type {
		case "minLength":
			s, sok := v.(string)
			min, mok := asNumber(r.Value)
			if sok && mok && float64(len(s)) < min {
				return errutil.FieldInvalid(f.Name, fmt.Sprintf("value shorter than %v characters", min))
			}
		case "maxLength":
			s, sok := v.(string)
			max, mok := asNumber(r.Value)
			if sok && mok && float64(len(s)) > max {
				return errutil.FieldInvalid(f.Name, fmt.Sprintf("value longer than %v characters", max))
			}
		case "min":
			n, nok := asNumber(v)
			min, mok := asNumber(r.Value)
			if nok && mok && n < min {
				return errutil.FieldInvalid(f.Name, fmt.Sprintf("value below %v", min))
			}
		case "max":
			n, nok := asNumber(v)
			max, mok := asNumber(r.Value)
			if nok && mok && n > max {
				return errutil.FieldInvalid(f.Name, fmt.Sprintf("value above %v", max))
			}
		case "pattern":
			s, sok := v.(string)
			p, pok := r.Value.(string)
			if sok && pok {
				re, err := regexp.Compile(p)
				if err == nil && !re.MatchString(s) {
					return errutil.FieldInvalid(f.Name, "value does not match required pattern")
				}
			}
		}
	}
	return nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
