package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Condition fields
const (
	FieldCostUSD = "cost_usd"
	FieldModel   = "model"
	FieldIntent  = "intent"
	FieldDeptID  = "dept_id"
	FieldRole    = "role"
)

// Op is a comparison operator
type Op string

const (
	OpGt       Op = "gt"
	OpLt       Op = "lt"
	OpEq       Op = "eq"
	OpContains Op = "contains"
	OpIn       Op = "in"
)

// Condition is a rule predicate: exactly one of All, Any, Not or a comparison
type Condition struct {
	All   []Condition `json:"all,omitempty"`
	Any   []Condition `json:"any,omitempty"`
	Not   *Condition  `json:"not,omitempty"`
	Field string      `json:"field,omitempty"`
	Op    Op          `json:"op,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

// Facts are the request attributes a condition can see
type Facts struct {
	CostUSD float64
	Model   string
	Intent  string
	DeptID  string
	Role    string
}

// ParseCondition decodes a stored condition. Legacy rule objects
// (max_cost, forbidden_model, forbidden_intent, var/op/val) are mapped onto
// the tree; when several legacy keys are present any of them matches.
// An empty condition returns nil, which never matches.
func ParseCondition(raw json.RawMessage) (*Condition, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return nil, nil
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &keys); err != nil {
		return nil, fmt.Errorf("condition must be an object: %w", err)
	}

	if isTree(keys) {
		var c Condition
		if err := json.Unmarshal(trimmed, &c); err != nil {
			return nil, fmt.Errorf("invalid condition: %w", err)
		}
		if err := c.validate(); err != nil {
			return nil, err
		}
		return &c, nil
	}
	return parseLegacy(keys)
}

func isTree(keys map[string]json.RawMessage) bool {
	for _, k := range []string{"all", "any", "not", "field"} {
		if _, ok := keys[k]; ok {
			return true
		}
	}
	return false
}

func parseLegacy(keys map[string]json.RawMessage) (*Condition, error) {
	var alts []Condition

	if v, ok := keys["max_cost"]; ok {
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return nil, fmt.Errorf("max_cost must be a number: %w", err)
		}
		alts = append(alts, Condition{Field: FieldCostUSD, Op: OpGt, Value: f})
	}
	if v, ok := keys["forbidden_model"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, fmt.Errorf("forbidden_model must be a string: %w", err)
		}
		alts = append(alts, Condition{Field: FieldModel, Op: OpContains, Value: s})
	}
	if v, ok := keys["forbidden_intent"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, fmt.Errorf("forbidden_intent must be a string: %w", err)
		}
		alts = append(alts, Condition{Field: FieldIntent, Op: OpEq, Value: s})
	}
	if v, ok := keys["var"]; ok {
		var field, op string
		var val interface{}
		if err := json.Unmarshal(v, &field); err != nil {
			return nil, fmt.Errorf("var must be a string: %w", err)
		}
		_ = json.Unmarshal(keys["op"], &op)
		_ = json.Unmarshal(keys["val"], &val)

		mapped, ok := legacyOps[op]
		if !ok {
			return nil, fmt.Errorf("unsupported legacy operator %q", op)
		}
		alts = append(alts, Condition{Field: field, Op: mapped, Value: val})
	}

	switch len(alts) {
	case 0:
		return nil, nil
	case 1:
		return &alts[0], nil
	}
	return &Condition{Any: alts}, nil
}

// legacy "in" tests whether the value occurs inside the field ("gpt" in "gpt-4")
var legacyOps = map[string]Op{
	">":  OpGt,
	"<":  OpLt,
	"==": OpEq,
	"in": OpContains,
}

func (c *Condition) validate() error {
	if len(c.All) > 0 || len(c.Any) > 0 || c.Not != nil {
		for i := range c.All {
			if err := c.All[i].validate(); err != nil {
				return err
			}
		}
		for i := range c.Any {
			if err := c.Any[i].validate(); err != nil {
				return err
			}
		}
		if c.Not != nil {
			return c.Not.validate()
		}
		return nil
	}

	switch c.Field {
	case FieldCostUSD, FieldModel, FieldIntent, FieldDeptID, FieldRole:
	default:
		return fmt.Errorf("unknown condition field %q", c.Field)
	}
	switch c.Op {
	case OpGt, OpLt, OpEq, OpContains, OpIn:
	default:
		return fmt.Errorf("unknown condition operator %q", c.Op)
	}
	return nil
}

// Matches evaluates the condition against facts. A nil condition never matches.
func (c *Condition) Matches(f Facts) bool {
	if c == nil {
		return false
	}
	switch {
	case len(c.All) > 0:
		for i := range c.All {
			if !c.All[i].Matches(f) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for i := range c.Any {
			if c.Any[i].Matches(f) {
				return true
			}
		}
		return false
	case c.Not != nil:
		return !c.Not.Matches(f)
	}
	return c.compare(f)
}

func (c *Condition) compare(f Facts) bool {
	if c.Field == FieldCostUSD {
		return compareNumber(f.CostUSD, c.Op, c.Value)
	}

	var actual string
	switch c.Field {
	case FieldModel:
		actual = f.Model
	case FieldIntent:
		actual = f.Intent
	case FieldDeptID:
		actual = f.DeptID
	case FieldRole:
		actual = f.Role
	default:
		return false
	}
	return compareString(actual, c.Op, c.Value)
}

func compareNumber(actual float64, op Op, value interface{}) bool {
	if op == OpIn {
		list, ok := value.([]interface{})
		if !ok {
			return false
		}
		for _, v := range list {
			if n, ok := toFloat(v); ok && n == actual {
				return true
			}
		}
		return false
	}

	n, ok := toFloat(value)
	if !ok {
		return false
	}
	switch op {
	case OpGt:
		return actual > n
	case OpLt:
		return actual < n
	case OpEq:
		return actual == n
	}
	return false
}

func compareString(actual string, op Op, value interface{}) bool {
	switch op {
	case OpEq:
		s, ok := value.(string)
		return ok && actual == s
	case OpContains:
		s, ok := value.(string)
		return ok && s != "" && strings.Contains(actual, s)
	case OpIn:
		list, ok := value.([]interface{})
		if !ok {
			return false
		}
		for _, v := range list {
			if s, ok := v.(string); ok && s == actual {
				return true
			}
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
