package model

import (
	"encoding/json"
	"testing"
)

func TestTextJSONShape(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   Text
		want string
	}{
		{"scalar", Scalar("run the tests"), `"run the tests"`},
		{"empty scalar", Text{}, `""`},
		{"list", ListOf("a", "b"), `["a","b"]`},
		{"single-item list stays a list", ListOf("a"), `["a"]`},
		{"empty list", ListOf(), `[]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(data) != tc.want {
				t.Fatalf("marshal = %s, want %s", data, tc.want)
			}
			var back Text
			if err := json.Unmarshal(data, &back); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !back.Equal(tc.in) {
				t.Fatalf("round trip = %+v, want %+v", back, tc.in)
			}
		})
	}
}

func TestTextUnmarshalRejectsOtherTypes(t *testing.T) {
	t.Parallel()

	var v Text
	if err := json.Unmarshal([]byte(`42`), &v); err == nil {
		t.Fatalf("numeric value accepted")
	}
}

func TestTextEqualContent(t *testing.T) {
	t.Parallel()

	if !Scalar("x").EqualContent(ListOf("x")) {
		t.Fatalf("scalar and one-item list with same content compare unequal")
	}
	if Scalar("x").Equal(ListOf("x")) {
		t.Fatalf("Equal ignored the scalar/list distinction")
	}
	if Scalar("x").EqualContent(Scalar("y")) {
		t.Fatalf("different content compared equal")
	}
}
