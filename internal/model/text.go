package model

import (
	"encoding/json"
	"fmt"
)

// Text holds a verify/expect value that is either a scalar string or an
// ordered list of strings. The shape is preserved across JSON and panel
// round-trips: a single-item list does not collapse to a scalar.
type Text struct {
	Items []string
	List  bool
}

// Scalar returns a Text holding one plain string.
func Scalar(s string) Text {
	return Text{Items: []string{s}}
}

// ListOf returns a Text holding an ordered list of strings.
func ListOf(items ...string) Text {
	if items == nil {
		items = []string{}
	}
	return Text{Items: items, List: true}
}

// IsZero reports whether t holds no content at all.
func (t Text) IsZero() bool {
	return !t.List && (len(t.Items) == 0 || (len(t.Items) == 1 && t.Items[0] == ""))
}

// Lines returns the content as a slice, one entry per line to render.
func (t Text) Lines() []string {
	return t.Items
}

// Equal reports deep equality including the scalar/list distinction.
func (t Text) Equal(other Text) bool {
	if t.List != other.List || len(t.Items) != len(other.Items) {
		return false
	}
	for i := range t.Items {
		if t.Items[i] != other.Items[i] {
			return false
		}
	}
	return true
}

// EqualContent reports item-wise equality ignoring the scalar/list flag. The
// panel cannot express the difference between a scalar and a one-item list,
// so sync comparisons use this relation.
func (t Text) EqualContent(other Text) bool {
	if len(t.Items) != len(other.Items) {
		return false
	}
	for i := range t.Items {
		if t.Items[i] != other.Items[i] {
			return false
		}
	}
	return true
}

// MarshalJSON emits a string for scalars and an array for lists.
func (t Text) MarshalJSON() ([]byte, error) {
	if t.List {
		items := t.Items
		if items == nil {
			items = []string{}
		}
		return json.Marshal(items)
	}
	if len(t.Items) == 0 {
		return json.Marshal("")
	}
	return json.Marshal(t.Items[0])
}

// UnmarshalJSON accepts either a string or an array of strings.
func (t *Text) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = Scalar(s)
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err == nil {
		*t = ListOf(items...)
		return nil
	}
	return fmt.Errorf("text value must be a string or a list of strings")
}
