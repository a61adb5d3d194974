package workflow

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestValueTextFormatsScalars(t *testing.T) {
	cases := []struct {
		value Value
		want  string
	}{
		{String("plain"), "plain"},
		{Number(3), "3"},
		{Number(2.5), "2.5"},
		{Number(-40), "-40"},
		{Bool(true), "true"},
		{Null(), "null"},
		{Array(String("a"), Number(1)), `["a",1]`},
		{Object(map[string]Value{"k": Bool(false)}), `{"k":false}`},
	}
	for _, tc := range cases {
		if got := tc.value.Text(); got != tc.want {
			t.Fatalf("Text(%#v) = %q, want %q", tc.value.Interface(), got, tc.want)
		}
	}
}

func TestValueDecodesYAMLTree(t *testing.T) {
	const doc = `
defaults: &defaults
  retries: 2
  verbose: false
service:
  <<: *defaults
  verbose: true
  name: api
  ports: [80, 443]
  empty: ~
`
	var v Value
	if err := yaml.Unmarshal([]byte(doc), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	service, ok := v.Get("service")
	if !ok || service.Kind() != ObjectKind {
		t.Fatalf("service missing: %v", v)
	}
	retries, _ := service.Get("retries")
	if n, ok := retries.AsNumber(); !ok || n != 2 {
		t.Fatalf("merged retries = %v", retries)
	}
	verbose, _ := service.Get("verbose")
	if b, ok := verbose.AsBool(); !ok || !b {
		t.Fatalf("explicit key should win over merge, got %v", verbose)
	}
	ports, _ := service.Get("ports")
	if ports.Len() != 2 || ports.Items()[1].Text() != "443" {
		t.Fatalf("ports = %v", ports)
	}
	empty, _ := service.Get("empty")
	if !empty.IsNull() {
		t.Fatalf("expected null, got %v", empty)
	}
}

func TestValueJSONAndYAMLRoundTrip(t *testing.T) {
	original := Object(map[string]Value{
		"name":    String("v${x}"),
		"count":   Number(12),
		"ratio":   Number(0.25),
		"enabled": Bool(true),
		"tags":    Array(String("a"), String("007")),
		"nested":  Object(map[string]Value{"none": Null()}),
	})

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("json marshal: %v", err)
	}
	var fromJSON Value
	if err := json.Unmarshal(data, &fromJSON); err != nil {
		t.Fatalf("json unmarshal: %v", err)
	}
	if !original.Equal(fromJSON) {
		t.Fatalf("json round trip mismatch: %s", data)
	}

	encoded, err := yaml.Marshal(original)
	if err != nil {
		t.Fatalf("yaml marshal: %v", err)
	}
	var fromYAML Value
	if err := yaml.Unmarshal(encoded, &fromYAML); err != nil {
		t.Fatalf("yaml unmarshal: %v", err)
	}
	if !original.Equal(fromYAML) {
		t.Fatalf("yaml round trip mismatch:\n%s", encoded)
	}
}

func TestValueCloneDoesNotShare(t *testing.T) {
	original := Object(map[string]Value{"list": Array(String("a"))})
	clone := original.Clone()
	clone.fields["list"].items[0] = String("changed")
	list, _ := original.Get("list")
	if list.Items()[0].Text() != "a" {
		t.Fatalf("clone shares array storage")
	}
}

func TestFromInterfaceRejectsUnsupportedTypes(t *testing.T) {
	if _, err := FromInterface(struct{}{}); err == nil {
		t.Fatalf("expected error for struct input")
	}
	v, err := FromInterface(map[string]any{"n": 3, "s": []string{"x"}})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if v.Text() != `{"n":3,"s":["x"]}` {
		t.Fatalf("unexpected conversion: %s", v.Text())
	}
}
