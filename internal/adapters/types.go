package adapters

import (
	"bytes"
	"encoding/json"
	"maps"
	"strconv"
)

// Session is an adapter-issued login handle. Token is opaque to
// everything except the adapter that issued it; Attrs carries any
// extra adapter state and round-trips through storage untouched.
type Session struct {
	URL   string         `json:"url"`
	Token string         `json:"token"`
	Attrs map[string]any `json:"-"`
}

var sessionFields = []string{"url", "token"}

// MarshalJSON flattens Attrs next to the core fields.
func (s Session) MarshalJSON() ([]byte, error) {
	type core Session
	return marshalOpen(core(s), s.Attrs)
}

// UnmarshalJSON keeps unknown fields in Attrs.
func (s *Session) UnmarshalJSON(data []byte) error {
	type core Session
	var c core
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	attrs, err := unmarshalOpen(data, sessionFields)
	if err != nil {
		return err
	}
	*s = Session(c)
	s.Attrs = attrs
	return nil
}

// Challenge is one entry of a platform roster. StagedFlag is the
// operator's pending guess, never the platform's secret.
type Challenge struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Solved      bool           `json:"is_solved"`
	Description string         `json:"description,omitempty"`
	StagedFlag  string         `json:"staged_flag,omitempty"`
	Attrs       map[string]any `json:"-"`
}

var challengeFields = []string{"id", "name", "is_solved", "description", "staged_flag"}

// Well-known extension attributes.
const (
	AttrPoints   = "points"
	AttrSolves   = "solves"
	AttrCategory = "category"
)

// MarshalJSON flattens Attrs next to the core fields.
func (c Challenge) MarshalJSON() ([]byte, error) {
	type core Challenge
	return marshalOpen(core(c), c.Attrs)
}

// UnmarshalJSON keeps unknown fields in Attrs.
func (c *Challenge) UnmarshalJSON(data []byte) error {
	type core Challenge
	var base core
	if err := json.Unmarshal(data, &base); err != nil {
		return err
	}
	attrs, err := unmarshalOpen(data, challengeFields)
	if err != nil {
		return err
	}
	*c = Challenge(base)
	c.Attrs = attrs
	return nil
}

// Clone returns a copy that shares no maps with c.
func (c Challenge) Clone() Challenge {
	c.Attrs = maps.Clone(c.Attrs)
	return c
}

// Staged reports whether a guess is waiting to be submitted.
func (c Challenge) Staged() bool {
	return c.StagedFlag != ""
}

// Number returns the numeric extension attribute name.
func (c Challenge) Number(name string) (float64, bool) {
	v, ok := c.Attrs[name]
	if !ok {
		return 0, false
	}
	return ToFloat(v)
}

// Text returns the string extension attribute name.
func (c Challenge) Text(name string) string {
	s, _ := c.Attrs[name].(string)
	return s
}

// ToFloat converts the numeric shapes produced by JSON and YAML
// decoders to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func marshalOpen(core any, attrs map[string]any) ([]byte, error) {
	data, err := json.Marshal(core)
	if err != nil || len(attrs) == 0 {
		return data, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for k, v := range attrs {
		if _, taken := fields[k]; taken {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		fields[k] = raw
	}
	return json.Marshal(fields)
}

func unmarshalOpen(data []byte, known []string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var all map[string]any
	if err := dec.Decode(&all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}
