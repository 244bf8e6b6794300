package cql

import (
	"strconv"
	"strings"
)

// fhirHelper implements the FHIRHelpers conversion functions natively, so
// libraries can include FHIRHelpers without shipping its ELM. ok is false
// for names it does not know.
func fhirHelper(name string, args []interface{}) (v interface{}, ok bool, err error) {
	if len(args) != 1 {
		return nil, false, nil
	}
	arg := args[0]
	if m, isMap := arg.(map[string]interface{}); isMap && name != "ToQuantity" && name != "ToConcept" &&
		name != "ToCode" && name != "ToInterval" {
		// FHIR primitives carried as {"value": ...} elements.
		if inner, has := m["value"]; has {
			arg = inner
		}
	}
	arg = normalize(arg)
	if arg == nil {
		switch name {
		case "ToString", "ToBoolean", "ToInteger", "ToDecimal", "ToDate", "ToDateTime",
			"ToQuantity", "ToConcept", "ToCode", "ToInterval", "ToTime":
			return nil, true, nil
		}
		return nil, false, nil
	}

	switch name {
	case "ToString":
		return toString(arg), true, nil
	case "ToBoolean":
		switch x := arg.(type) {
		case bool:
			return x, true, nil
		case string:
			switch strings.ToLower(x) {
			case "true", "t", "yes", "y", "1":
				return true, true, nil
			case "false", "f", "no", "n", "0":
				return false, true, nil
			}
		case int64:
			return x != 0, true, nil
		}
		return nil, true, nil
	case "ToInteger":
		switch x := arg.(type) {
		case int64:
			return x, true, nil
		case bool:
			if x {
				return int64(1), true, nil
			}
			return int64(0), true, nil
		case string:
			i, perr := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if perr != nil {
				return nil, true, nil
			}
			return i, true, nil
		}
		return nil, true, nil
	case "ToDecimal":
		if d, isNum := toDecimal(arg); isNum {
			return d, true, nil
		}
		if s, isStr := arg.(string); isStr {
			d, derr := NewDecimal(s)
			if derr != nil {
				return nil, true, nil
			}
			return d, true, nil
		}
		return nil, true, nil
	case "ToDate":
		dt, isDT := asDateTime(arg)
		if !isDT {
			return nil, true, nil
		}
		return toDate(dt), true, nil
	case "ToDateTime":
		dt, isDT := asDateTime(arg)
		if !isDT {
			return nil, true, nil
		}
		dt.DateOnly = false
		return dt, true, nil
	case "ToQuantity":
		switch x := arg.(type) {
		case Quantity:
			return x, true, nil
		case int64, *Decimal:
			d, _ := toDecimal(x)
			return Quantity{Value: d, Unit: "1"}, true, nil
		case string:
			q, qerr := parseQuantityString(x)
			return q, true, qerr
		}
		q, isQ := asQuantity(arg)
		if !isQ {
			return nil, true, nil
		}
		if m, isMap := arg.(map[string]interface{}); isMap {
			if sys, _ := m["system"].(string); sys == "http://unitsofmeasure.org" || sys == "" {
				if uerr := validateUnit(q.Unit); uerr != nil {
					return nil, true, uerr
				}
			}
		}
		return q, true, nil
	case "ToConcept", "ToCode":
		if list, isList := arg.([]interface{}); isList {
			c := Concept{}
			for _, item := range list {
				if ic, isC := asConcept(item); isC {
					c.Codes = append(c.Codes, ic.Codes...)
				}
			}
			return c, true, nil
		}
		c, isC := asConcept(arg)
		if !isC {
			return nil, true, nil
		}
		if name == "ToCode" {
			if len(c.Codes) == 0 {
				return nil, true, nil
			}
			return c.Codes[0], true, nil
		}
		return c, true, nil
	case "ToInterval":
		m, isMap := arg.(map[string]interface{})
		if !isMap {
			return nil, true, nil
		}
		if _, isPeriod := m["start"]; isPeriod || m["end"] != nil {
			iv := Interval{LowClosed: true, HighClosed: true}
			if dt, isDT := asDateTime(m["start"]); isDT {
				iv.Low = dt
			}
			if dt, isDT := asDateTime(m["end"]); isDT {
				iv.High = dt
			}
			return iv, true, nil
		}
		if m["low"] != nil || m["high"] != nil {
			iv := Interval{LowClosed: true, HighClosed: true}
			if q, isQ := asQuantity(m["low"]); isQ {
				iv.Low = q
			}
			if q, isQ := asQuantity(m["high"]); isQ {
				iv.High = q
			}
			return iv, true, nil
		}
		return nil, true, nil
	}
	return nil, false, nil
}

func toString(v interface{}) interface{} {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case *Decimal:
		return x.String()
	case DateTime:
		return x.String()
	case Quantity:
		return x.Value.String() + " '" + x.Unit + "'"
	case Code:
		return x.Code
	}
	return nil
}

// parseQuantityString reads the CQL string form "5.2 'mg'".
func parseQuantityString(s string) (interface{}, error) {
	s = strings.TrimSpace(s)
	num, unit, _ := strings.Cut(s, " ")
	d, err := NewDecimal(num)
	if err != nil {
		return nil, nil
	}
	unit = strings.Trim(strings.TrimSpace(unit), "'")
	if unit == "" {
		unit = "1"
	}
	if err := validateUnit(unit); err != nil {
		return nil, err
	}
	return Quantity{Value: d, Unit: unit}, nil
}
