package cql

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// decimalCtx matches the CQL Decimal precision of 28 significant digits.
var decimalCtx = apd.BaseContext.WithPrecision(28)

// Decimal is the CQL Decimal type. It encodes as a bare JSON number.
type Decimal struct {
	v apd.Decimal
}

func NewDecimal(s string) (*Decimal, error) {
	d, _, err := apd.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return &Decimal{v: *d}, nil
}

func decimalFromInt(i int64) *Decimal {
	return &Decimal{v: *apd.New(i, 0)}
}

func decimalFromFloat(f float64) *Decimal {
	d, err := NewDecimal(strconv.FormatFloat(f, 'f', -1, 64))
	if err != nil {
		return &Decimal{}
	}
	return d
}

func (d *Decimal) String() string { return d.v.Text('f') }

func (d *Decimal) Float64() float64 {
	f, _ := d.v.Float64()
	return f
}

func (d *Decimal) Cmp(o *Decimal) int { return d.v.Cmp(&o.v) }

func (d *Decimal) MarshalJSON() ([]byte, error) {
	return []byte(d.String()), nil
}

type decimalOp func(d, x, y *apd.Decimal) (apd.Condition, error)

func (d *Decimal) apply(op decimalOp, o *Decimal) (*Decimal, error) {
	out := &Decimal{}
	if _, err := op(&out.v, &d.v, &o.v); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Decimal) Add(o *Decimal) (*Decimal, error) { return d.apply(decimalCtx.Add, o) }
func (d *Decimal) Sub(o *Decimal) (*Decimal, error) { return d.apply(decimalCtx.Sub, o) }
func (d *Decimal) Mul(o *Decimal) (*Decimal, error) { return d.apply(decimalCtx.Mul, o) }

// Quo returns nil when o is zero, which CQL treats as a null result.
func (d *Decimal) Quo(o *Decimal) (*Decimal, error) {
	if o.v.IsZero() {
		return nil, nil
	}
	return d.apply(decimalCtx.Quo, o)
}

func (d *Decimal) Neg() *Decimal {
	out := &Decimal{}
	out.v.Neg(&d.v)
	return out
}

// Code is a terminology code.
type Code struct {
	Code    string `json:"code"`
	System  string `json:"system,omitempty"`
	Version string `json:"version,omitempty"`
	Display string `json:"display,omitempty"`
}

// Concept is a set of codes meaning the same thing.
type Concept struct {
	Codes   []Code `json:"codes"`
	Display string `json:"display,omitempty"`
}

// Quantity is a decimal value with a UCUM unit.
type Quantity struct {
	Value *Decimal `json:"value"`
	Unit  string   `json:"unit"`
}

// ValueSetRef is the runtime value of a value set declaration.
type ValueSetRef struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Interval is a CQL interval over ordered values.
type Interval struct {
	Low        interface{} `json:"low"`
	High       interface{} `json:"high"`
	LowClosed  bool        `json:"lowClosed"`
	HighClosed bool        `json:"highClosed"`
}

// Precision orders date/time components from coarsest to finest.
type Precision int

const (
	Year Precision = iota + 1
	Month
	Day
	Hour
	Minute
	Second
	Millisecond
)

func parsePrecision(s string) (Precision, bool) {
	switch strings.TrimSuffix(strings.ToLower(s), "s") {
	case "year":
		return Year, true
	case "month":
		return Month, true
	case "week", "day":
		return Day, true
	case "hour":
		return Hour, true
	case "minute":
		return Minute, true
	case "second":
		return Second, true
	case "millisecond":
		return Millisecond, true
	}
	return 0, false
}

// DateTime is a CQL Date or DateTime with partial precision.
type DateTime struct {
	Time      time.Time
	Precision Precision
	DateOnly  bool
}

var dateTimeLayouts = []struct {
	layout    string
	precision Precision
	dateOnly  bool
}{
	{"2006", Year, true},
	{"2006-01", Month, true},
	{"2006-01-02", Day, true},
	{"2006-01-02T15", Hour, false},
	{"2006-01-02T15:04", Minute, false},
	{"2006-01-02T15:04Z07:00", Minute, false},
	{"2006-01-02T15:04:05", Second, false},
	{"2006-01-02T15:04:05Z07:00", Second, false},
}

// ParseDateTime parses FHIR and CQL date/time strings, keeping the precision
// that was present in the text.
func ParseDateTime(s string) (DateTime, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "@")
	for _, l := range dateTimeLayouts {
		t, err := time.Parse(l.layout, s)
		if err == nil {
			dt := DateTime{Time: t, Precision: l.precision, DateOnly: l.dateOnly}
			// time.Parse accepts a fractional second the layout does not name.
			if dt.Precision == Second && strings.Contains(s[strings.Index(s, "T"):], ".") {
				dt.Precision = Millisecond
			}
			return dt, nil
		}
	}
	return DateTime{}, fmt.Errorf("invalid date/time %q", s)
}

func (d DateTime) String() string {
	switch d.Precision {
	case Year:
		return d.Time.Format("2006")
	case Month:
		return d.Time.Format("2006-01")
	case Day:
		return d.Time.Format("2006-01-02")
	case Hour:
		return d.Time.Format("2006-01-02T15")
	case Minute:
		return d.Time.Format("2006-01-02T15:04Z07:00")
	case Second:
		return d.Time.Format("2006-01-02T15:04:05Z07:00")
	}
	return d.Time.Format("2006-01-02T15:04:05.000Z07:00")
}

func (d DateTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d DateTime) components() [7]int {
	t := d.Time
	if !d.DateOnly {
		t = t.UTC()
	}
	return [7]int{t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond() / int(time.Millisecond)}
}

// compareDateTime compares at the finest shared precision, bounded by limit
// when limit is non-zero. ok is false when the answer is uncertain.
func compareDateTime(a, b DateTime, limit Precision) (cmp int, ok bool) {
	p := a.Precision
	if b.Precision < p {
		p = b.Precision
	}
	if limit != 0 && limit < p {
		p = limit
	}
	ca, cb := a.components(), b.components()
	for i := 0; i < int(p); i++ {
		if ca[i] != cb[i] {
			if ca[i] < cb[i] {
				return -1, true
			}
			return 1, true
		}
	}
	if limit != 0 && a.Precision >= limit && b.Precision >= limit {
		return 0, true
	}
	if a.Precision != b.Precision {
		return 0, false
	}
	return 0, true
}

// addMonths clamps to the last day of the target month.
func addMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func (d DateTime) add(q Quantity, sign int) (DateTime, error) {
	f := q.Value.Float64() * float64(sign)
	n := int(math.Trunc(f))
	unit := strings.Trim(strings.ToLower(q.Unit), "'")
	out := d
	switch unit {
	case "year", "years", "a":
		out.Time = addMonths(d.Time, 12*n)
	case "month", "months", "mo":
		out.Time = addMonths(d.Time, n)
	case "week", "weeks", "wk":
		out.Time = d.Time.AddDate(0, 0, 7*n)
	case "day", "days", "d":
		out.Time = d.Time.AddDate(0, 0, n)
	case "hour", "hours", "h":
		out.Time = d.Time.Add(time.Duration(n) * time.Hour)
	case "minute", "minutes", "min":
		out.Time = d.Time.Add(time.Duration(n) * time.Minute)
	case "second", "seconds", "s":
		out.Time = d.Time.Add(time.Duration(f * float64(time.Second)))
	case "millisecond", "milliseconds", "ms":
		out.Time = d.Time.Add(time.Duration(f * float64(time.Millisecond)))
	default:
		return DateTime{}, fmt.Errorf("invalid time unit %q for date arithmetic", q.Unit)
	}
	return out, nil
}

// wholeBetween counts whole units of precision p from a to b.
func wholeBetween(a, b DateTime, p Precision) int64 {
	ta, tb := a.Time, b.Time
	if !a.DateOnly || !b.DateOnly {
		ta, tb = ta.UTC(), tb.UTC()
	}
	sign := int64(1)
	if tb.Before(ta) {
		ta, tb = tb, ta
		sign = -1
	}
	switch p {
	case Year, Month:
		months := (tb.Year()-ta.Year())*12 + int(tb.Month()) - int(ta.Month())
		if addMonths(ta, months).After(tb) {
			months--
		}
		if p == Year {
			return sign * int64(months/12)
		}
		return sign * int64(months)
	case Day:
		ya, ma, da := ta.Date()
		yb, mb, db := tb.Date()
		days := time.Date(yb, mb, db, 0, 0, 0, 0, time.UTC).Sub(time.Date(ya, ma, da, 0, 0, 0, 0, time.UTC)) / (24 * time.Hour)
		if time.Duration(tb.Hour())*time.Hour+time.Duration(tb.Minute())*time.Minute < time.Duration(ta.Hour())*time.Hour+time.Duration(ta.Minute())*time.Minute {
			days--
		}
		return sign * int64(days)
	case Hour:
		return sign * int64(tb.Sub(ta)/time.Hour)
	case Minute:
		return sign * int64(tb.Sub(ta)/time.Minute)
	case Second:
		return sign * int64(tb.Sub(ta)/time.Second)
	}
	return sign * int64(tb.Sub(ta)/time.Millisecond)
}

// normalize converts decoded JSON numbers into CQL numeric values.
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return int64(x)
		}
		return decimalFromFloat(x)
	case int:
		return int64(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if d, err := NewDecimal(x.String()); err == nil {
			return d
		}
	}
	return v
}

func toDecimal(v interface{}) (*Decimal, bool) {
	switch x := normalize(v).(type) {
	case int64:
		return decimalFromInt(x), true
	case *Decimal:
		return x, true
	}
	return nil, false
}

// asQuantity accepts CQL quantities and FHIR Quantity elements.
func asQuantity(v interface{}) (Quantity, bool) {
	switch x := v.(type) {
	case Quantity:
		return x, true
	case map[string]interface{}:
		raw, ok := x["value"]
		if !ok {
			return Quantity{}, false
		}
		d, ok := toDecimal(raw)
		if !ok {
			return Quantity{}, false
		}
		unit, _ := x["code"].(string)
		if unit == "" {
			unit, _ = x["unit"].(string)
		}
		if unit == "" {
			unit = "1"
		}
		return Quantity{Value: d, Unit: unit}, true
	}
	return Quantity{}, false
}

func asDateTime(v interface{}) (DateTime, bool) {
	switch x := v.(type) {
	case DateTime:
		return x, true
	case string:
		d, err := ParseDateTime(x)
		return d, err == nil
	}
	return DateTime{}, false
}

// asConcept accepts codes, concepts, FHIR Coding and CodeableConcept
// elements, and bare code strings.
func asConcept(v interface{}) (Concept, bool) {
	switch x := v.(type) {
	case Code:
		return Concept{Codes: []Code{x}}, true
	case Concept:
		return x, true
	case string:
		return Concept{Codes: []Code{{Code: x}}}, true
	case map[string]interface{}:
		if codings, ok := x["coding"].([]interface{}); ok {
			c := Concept{}
			c.Display, _ = x["text"].(string)
			for _, raw := range codings {
				if m, ok := raw.(map[string]interface{}); ok {
					c.Codes = append(c.Codes, codingToCode(m))
				}
			}
			return c, true
		}
		if _, ok := x["code"]; ok {
			return Concept{Codes: []Code{codingToCode(x)}}, true
		}
	}
	return Concept{}, false
}

func codingToCode(m map[string]interface{}) Code {
	c := Code{}
	c.Code, _ = m["code"].(string)
	c.System, _ = m["system"].(string)
	c.Version, _ = m["version"].(string)
	c.Display, _ = m["display"].(string)
	return c
}

func typeName(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "Null"
	case bool:
		return "Boolean"
	case int64:
		return "Integer"
	case *Decimal:
		return "Decimal"
	case string:
		return "String"
	case DateTime:
		if x.DateOnly {
			return "Date"
		}
		return "DateTime"
	case Quantity:
		return "Quantity"
	case Code:
		return "Code"
	case Concept:
		return "Concept"
	case Interval:
		return "Interval"
	case []interface{}:
		return "List"
	case map[string]interface{}:
		if rt, ok := x["resourceType"].(string); ok {
			return rt
		}
		return "Tuple"
	}
	return fmt.Sprintf("%T", v)
}
