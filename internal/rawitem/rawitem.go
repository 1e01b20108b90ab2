// Package rawitem holds the loosely typed documents received from the
// remote APIs and the helpers that project them onto scalar columns.
package rawitem

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RawItem is one decoded JSON object as received from a remote API
type RawItem map[string]interface{}

// Decode parses body keeping numbers as json.Number so large identifiers
// survive without float rounding.
func Decode(body []byte) (interface{}, error) {
	var v interface{}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	err := dec.Decode(&v)
	if err != nil {
		return nil, err
	}

	return v, nil
}

// Field declares where a logical value may live inside a RawItem. Parents,
// when set, name alternative nested objects searched first (for example
// BasePoint / basePoint); Aliases are then looked up inside the first parent
// object found. Fallback aliases are searched on the top level when no
// parent object holds the value.
type Field struct {
	Parents  []string
	Aliases  []string
	Fallback []string
}

// Get returns the first present, non-empty value for f
func (f Field) Get(item RawItem) interface{} {
	if len(f.Parents) == 0 {
		return Lookup(item, f.Aliases...)
	}

	for _, p := range f.Parents {
		nested, ok := item[p].(map[string]interface{})
		if !ok {
			continue
		}
		v := Lookup(RawItem(nested), f.Aliases...)
		if v != nil {
			return v
		}
		break
	}

	return Lookup(item, f.Fallback...)
}

// Lookup returns the value of the first alias that is present and neither
// null nor the empty string.
func Lookup(item RawItem, aliases ...string) interface{} {
	for _, k := range aliases {
		v, ok := item[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			continue
		}
		return v
	}

	return nil
}

// String renders scalar values as text; objects and arrays yield false
func String(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	}

	return "", false
}

// Int64 coerces integral numbers and numeric strings
func Int64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		i, err := t.Int64()
		if err == nil {
			return i, true
		}
		f, err := t.Float64()
		if err == nil && f == math.Trunc(f) {
			return int64(f), true
		}
	case float64:
		if t == math.Trunc(t) {
			return int64(t), true
		}
	case int:
		return int64(t), true
	case int64:
		return t, true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err == nil {
			return i, true
		}
	}

	return 0, false
}

// Float64 coerces numbers and plain numeric strings
func Float64(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err == nil {
			return f, true
		}
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err == nil {
			return f, true
		}
	}

	return 0, false
}

var numberRe = regexp.MustCompile(`[-+]?[0-9]{1,3}(?:[0-9.,]*[0-9])?`)

// Number extracts the first number from values such as "80 km/h" or
// "12,6 V". A single comma with no dot is a decimal separator; any other
// comma is a thousands separator.
func Number(v interface{}) (float64, bool) {
	switch v.(type) {
	case json.Number, float64, int, int64:
		return Float64(v)
	}

	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	num := numberRe.FindString(s)
	if num == "" {
		return 0, false
	}
	if strings.Count(num, ",") == 1 && !strings.Contains(num, ".") {
		num = strings.Replace(num, ",", ".", 1)
	}
	num = strings.ReplaceAll(num, ",", "")

	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}

	return f, true
}

// Bool understands 1/0, "1"/"0" and JSON booleans
func Bool(v interface{}) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case json.Number:
		switch t.String() {
		case "1":
			return true, true
		case "0":
			return false, true
		}
	case float64:
		switch t {
		case 1:
			return true, true
		case 0:
			return false, true
		}
	case string:
		switch strings.TrimSpace(t) {
		case "1":
			return true, true
		case "0":
			return false, true
		}
	}

	return false, false
}

var timeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02/01/2006 15:04:05",
	"02/01/2006",
	"02-01-2006",
	"02-01-2006 15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// Time parses the timestamp shapes seen across API versions. Values
// without a zone are read in loc; numbers are epoch seconds.
func Time(v interface{}, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}

	switch t := v.(type) {
	case json.Number, float64, int, int64:
		sec, ok := Int64(t)
		if !ok {
			f, fok := Float64(t)
			if !fok {
				return time.Time{}, false
			}
			sec = int64(f)
		}
		return time.Unix(sec, 0).In(loc), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			ts, err := time.ParseInLocation(layout, s, loc)
			if err == nil {
				return ts, true
			}
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err == nil {
			return ts, true
		}
	}

	return time.Time{}, false
}

// Describe renders item for log lines about the offending document
func Describe(item RawItem) string {
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Sprintf("%v", map[string]interface{}(item))
	}

	return string(b)
}
