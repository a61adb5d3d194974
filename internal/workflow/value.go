package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValueKind enumerates the node kinds of a configuration value tree.
type ValueKind int

const (
	NullKind ValueKind = iota
	StringKind
	NumberKind
	BoolKind
	ArrayKind
	ObjectKind
)

func (k ValueKind) String() string {
	switch k {
	case NullKind:
		return "null"
	case StringKind:
		return "string"
	case NumberKind:
		return "number"
	case BoolKind:
		return "boolean"
	case ArrayKind:
		return "array"
	case ObjectKind:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a semi-structured configuration node: null, string, number,
// bool, array or object. The zero Value is null.
type Value struct {
	kind    ValueKind
	str     string
	num     float64
	boolean bool
	items   []Value
	fields  map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string node.
func String(s string) Value { return Value{kind: StringKind, str: s} }

// Number returns a number node.
func Number(n float64) Value { return Value{kind: NumberKind, num: n} }

// Bool returns a boolean node.
func Bool(b bool) Value { return Value{kind: BoolKind, boolean: b} }

// Array returns an array node holding copies of items.
func Array(items ...Value) Value {
	out := make([]Value, len(items))
	copy(out, items)
	return Value{kind: ArrayKind, items: out}
}

// Object returns an object node holding a copy of fields.
func Object(fields map[string]Value) Value {
	out := make(map[string]Value, len(fields))
	for key, value := range fields {
		out[key] = value
	}
	return Value{kind: ObjectKind, fields: out}
}

// Kind reports the node kind.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == NullKind }

// IsZero lets yaml omitempty treat null as empty.
func (v Value) IsZero() bool { return v.kind == NullKind }

// AsString returns the string payload.
func (v Value) AsString() (string, bool) {
	return v.str, v.kind == StringKind
}

// AsNumber returns the number payload.
func (v Value) AsNumber() (float64, bool) {
	return v.num, v.kind == NumberKind
}

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) {
	return v.boolean, v.kind == BoolKind
}

// Items returns the array elements. The slice is a shallow copy.
func (v Value) Items() []Value {
	if v.kind != ArrayKind || len(v.items) == 0 {
		return nil
	}
	out := make([]Value, len(v.items))
	copy(out, v.items)
	return out
}

// Keys returns the object keys in sorted order.
func (v Value) Keys() []string {
	if v.kind != ObjectKind || len(v.fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(v.fields))
	for key := range v.fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Get returns an object field.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != ObjectKind {
		return Value{}, false
	}
	field, ok := v.fields[key]
	return field, ok
}

// Len returns the number of array items or object fields.
func (v Value) Len() int {
	switch v.kind {
	case ArrayKind:
		return len(v.items)
	case ObjectKind:
		return len(v.fields)
	default:
		return 0
	}
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	switch v.kind {
	case ArrayKind:
		out := make([]Value, len(v.items))
		for i, item := range v.items {
			out[i] = item.Clone()
		}
		return Value{kind: ArrayKind, items: out}
	case ObjectKind:
		out := make(map[string]Value, len(v.fields))
		for key, field := range v.fields {
			out[key] = field.Clone()
		}
		return Value{kind: ObjectKind, fields: out}
	default:
		return v
	}
}

// Equal reports structural equality.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case NullKind:
		return true
	case StringKind:
		return v.str == other.str
	case NumberKind:
		return v.num == other.num
	case BoolKind:
		return v.boolean == other.boolean
	case ArrayKind:
		if len(v.items) != len(other.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(other.items[i]) {
				return false
			}
		}
		return true
	case ObjectKind:
		if len(v.fields) != len(other.fields) {
			return false
		}
		for key, field := range v.fields {
			otherField, ok := other.fields[key]
			if !ok || !field.Equal(otherField) {
				return false
			}
		}
		return true
	}
	return false
}

// Text renders the value as substitution text: strings verbatim, integral
// numbers without a fraction, containers as compact JSON.
func (v Value) Text() string {
	switch v.kind {
	case NullKind:
		return "null"
	case StringKind:
		return v.str
	case NumberKind:
		return formatNumber(v.num)
	case BoolKind:
		return strconv.FormatBool(v.boolean)
	default:
		encoded, err := json.Marshal(v.Interface())
		if err != nil {
			return fmt.Sprint(v.Interface())
		}
		return string(encoded)
	}
}

func (v Value) String() string {
	return v.Text()
}

func formatNumber(n float64) string {
	if n == math.Trunc(n) && math.Abs(n) < 1e21 {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}

// Interface converts the tree to plain Go values (nil, string, float64,
// bool, []any, map[string]any).
func (v Value) Interface() any {
	switch v.kind {
	case StringKind:
		return v.str
	case NumberKind:
		return v.num
	case BoolKind:
		return v.boolean
	case ArrayKind:
		out := make([]any, len(v.items))
		for i, item := range v.items {
			out[i] = item.Interface()
		}
		return out
	case ObjectKind:
		out := make(map[string]any, len(v.fields))
		for key, field := range v.fields {
			out[key] = field.Interface()
		}
		return out
	default:
		return nil
	}
}

// FromInterface converts plain Go values into a Value tree.
func FromInterface(raw any) (Value, error) {
	switch typed := raw.(type) {
	case nil:
		return Null(), nil
	case Value:
		return typed.Clone(), nil
	case *Value:
		if typed == nil {
			return Null(), nil
		}
		return typed.Clone(), nil
	case string:
		return String(typed), nil
	case bool:
		return Bool(typed), nil
	case float64:
		return Number(typed), nil
	case float32:
		return Number(float64(typed)), nil
	case int:
		return Number(float64(typed)), nil
	case int8:
		return Number(float64(typed)), nil
	case int16:
		return Number(float64(typed)), nil
	case int32:
		return Number(float64(typed)), nil
	case int64:
		return Number(float64(typed)), nil
	case uint:
		return Number(float64(typed)), nil
	case uint8:
		return Number(float64(typed)), nil
	case uint16:
		return Number(float64(typed)), nil
	case uint32:
		return Number(float64(typed)), nil
	case uint64:
		return Number(float64(typed)), nil
	case json.Number:
		n, err := strconv.ParseFloat(string(typed), 64)
		if err != nil {
			return Value{}, fmt.Errorf("workflow: number %q: %w", typed, err)
		}
		return Number(n), nil
	case []any:
		items := make([]Value, len(typed))
		for i, item := range typed {
			converted, err := FromInterface(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = converted
		}
		return Value{kind: ArrayKind, items: items}, nil
	case []string:
		items := make([]Value, len(typed))
		for i, item := range typed {
			items[i] = String(item)
		}
		return Value{kind: ArrayKind, items: items}, nil
	case map[string]any:
		fields := make(map[string]Value, len(typed))
		for key, item := range typed {
			converted, err := FromInterface(item)
			if err != nil {
				return Value{}, err
			}
			fields[key] = converted
		}
		return Value{kind: ObjectKind, fields: fields}, nil
	case map[string]string:
		fields := make(map[string]Value, len(typed))
		for key, item := range typed {
			fields[key] = String(item)
		}
		return Value{kind: ObjectKind, fields: fields}, nil
	default:
		return Value{}, fmt.Errorf("workflow: unsupported value type %T", raw)
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	converted, err := FromInterface(raw)
	if err != nil {
		return err
	}
	*v = converted
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (v Value) MarshalYAML() (any, error) {
	return v.Interface(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	converted, err := valueFromNode(node)
	if err != nil {
		return err
	}
	*v = converted
	return nil
}

func valueFromNode(node *yaml.Node) (Value, error) {
	if node == nil {
		return Null(), nil
	}
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return Null(), nil
		}
		return valueFromNode(node.Content[0])
	case yaml.AliasNode:
		return valueFromNode(node.Alias)
	case yaml.ScalarNode:
		return scalarFromNode(node)
	case yaml.SequenceNode:
		items := make([]Value, 0, len(node.Content))
		for _, child := range node.Content {
			item, err := valueFromNode(child)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return Value{kind: ArrayKind, items: items}, nil
	case yaml.MappingNode:
		fields := make(map[string]Value, len(node.Content)/2)
		if err := mergeMapping(fields, node); err != nil {
			return Value{}, err
		}
		return Value{kind: ObjectKind, fields: fields}, nil
	default:
		return Value{}, fmt.Errorf("workflow: line %d: unsupported yaml node", node.Line)
	}
}

func mergeMapping(fields map[string]Value, node *yaml.Node) error {
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		valueNode := node.Content[i+1]
		if keyNode.Kind == yaml.AliasNode {
			keyNode = keyNode.Alias
		}
		if keyNode.Kind == yaml.ScalarNode && keyNode.Value == "<<" && keyNode.ShortTag() == "!!merge" {
			if err := mergeInto(fields, valueNode); err != nil {
				return err
			}
			continue
		}
		item, err := valueFromNode(valueNode)
		if err != nil {
			return err
		}
		fields[keyNode.Value] = item
	}
	return nil
}

// mergeInto applies a YAML merge key; explicit keys win over merged ones.
func mergeInto(fields map[string]Value, node *yaml.Node) error {
	if node.Kind == yaml.AliasNode {
		node = node.Alias
	}
	var sources []*yaml.Node
	switch node.Kind {
	case yaml.MappingNode:
		sources = []*yaml.Node{node}
	case yaml.SequenceNode:
		sources = node.Content
	default:
		return fmt.Errorf("workflow: line %d: merge value must be a mapping", node.Line)
	}
	for _, source := range sources {
		merged := map[string]Value{}
		resolved := source
		if resolved.Kind == yaml.AliasNode {
			resolved = resolved.Alias
		}
		if err := mergeMapping(merged, resolved); err != nil {
			return err
		}
		for key, item := range merged {
			if _, exists := fields[key]; !exists {
				fields[key] = item
			}
		}
	}
	return nil
}

func scalarFromNode(node *yaml.Node) (Value, error) {
	switch node.ShortTag() {
	case "!!null":
		return Null(), nil
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case "!!int", "!!float":
		var n float64
		if err := node.Decode(&n); err != nil {
			return Value{}, err
		}
		return Number(n), nil
	default:
		return String(node.Value), nil
	}
}
