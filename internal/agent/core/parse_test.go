package core

import "testing"

func TestExtractFirstJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"prose wrapped", "Here is the plan:\n{\"a\":1}\nDone.", `{"a":1}`},
		{"code fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"nested braces", `{"a":{"b":2}}`, `{"a":{"b":2}}`},
		{"braces in strings", `{"a":"}{"}`, `{"a":"}{"}`},
		{"escaped quote", `{"a":"say \"hi\" {now}"}`, `{"a":"say \"hi\" {now}"}`},
		{"no object", "just text", ""},
		{"unbalanced", `{"a":1`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractFirstJSON(tc.in); got != tc.want {
				t.Fatalf("extractFirstJSON(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestDecodeLoose(t *testing.T) {
	var out map[string]interface{}
	if !decodeLoose("prefix {\"approved\": false} suffix", &out) {
		t.Fatalf("decodeLoose failed on embedded object")
	}
	if asBool(out["approved"], true) {
		t.Fatalf("approved should be false")
	}

	if decodeLoose("no json here", &out) {
		t.Fatalf("decodeLoose should fail without an object")
	}
}

func TestAsHelpers(t *testing.T) {
	if asString(42) != "" || asString("x") != "x" {
		t.Fatalf("asString wrong")
	}
	if asInt(float64(7), 0) != 7 || asInt("x", 9) != 9 {
		t.Fatalf("asInt wrong")
	}
	if asFloat(float64(0.5)) != 0.5 {
		t.Fatalf("asFloat wrong")
	}
	got := asStringSlice([]interface{}{"a", 1, "b", ""})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("asStringSlice wrong: %v", got)
	}
}
