package cql

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

func literal(n Node) (interface{}, error) {
	raw := n.String("value")
	switch localName(n.String("valueType")) {
	case "Boolean":
		return strings.EqualFold(raw, "true"), nil
	case "Integer", "Long":
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer literal %q", raw)
		}
		return i, nil
	case "Decimal":
		return NewDecimal(raw)
	case "String":
		return raw, nil
	case "Date", "DateTime":
		return ParseDateTime(raw)
	}
	return nil, fmt.Errorf("unsupported literal type %s", n.String("valueType"))
}

func quantityLiteral(n Node) (interface{}, error) {
	d, ok := toDecimal(n["value"])
	if !ok {
		if s, isStr := n["value"].(string); isStr {
			var err error
			if d, err = NewDecimal(s); err != nil {
				return nil, err
			}
		} else {
			return nil, fmt.Errorf("quantity has no numeric value")
		}
	}
	unit := n.String("unit")
	if unit == "" {
		unit = "1"
	}
	if err := validateUnit(unit); err != nil {
		return nil, err
	}
	return Quantity{Value: d, Unit: unit}, nil
}

func (r *run) interval(lib *Library, n Node, sc *scope) (interface{}, error) {
	low, err := r.eval(lib, n.Child("low"), sc)
	if err != nil {
		return nil, err
	}
	high, err := r.eval(lib, n.Child("high"), sc)
	if err != nil {
		return nil, err
	}
	iv := Interval{Low: low, High: high, LowClosed: true, HighClosed: true}
	if b, ok := n["lowClosed"].(bool); ok {
		iv.LowClosed = b
	}
	if b, ok := n["highClosed"].(bool); ok {
		iv.HighClosed = b
	}
	return iv, nil
}

// operator evaluates the remaining ELM operators over already-evaluated
// operands.
func (r *run) operator(lib *Library, n Node, sc *scope) (interface{}, error) {
	switch t := n.Type(); t {
	case "And", "Or", "Xor", "Implies":
		a, b, err := r.binary(lib, n, sc)
		if err != nil {
			return nil, err
		}
		return logic(t, a, b), nil
	case "Not":
		v, err := r.argument(lib, n, sc)
		if err != nil {
			return nil, err
		}
		if b, ok := v.(bool); ok {
			return !b, nil
		}
		return nil, nil
	case "IsNull", "IsTrue", "IsFalse":
		v, err := r.argument(lib, n, sc)
		if err != nil {
			return nil, err
		}
		b, isBool := v.(bool)
		switch t {
		case "IsNull":
			return v == nil, nil
		case "IsTrue":
			return isBool && b, nil
		}
		return isBool && !b, nil
	case "If":
		cond, err := r.eval(lib, n.Child("condition"), sc)
		if err != nil {
			return nil, err
		}
		if b, _ := cond.(bool); b {
			return r.eval(lib, n.Child("then"), sc)
		}
		return r.eval(lib, n.Child("else"), sc)
	case "Case":
		return r.caseExpr(lib, n, sc)
	case "Coalesce":
		ops, err := r.operands(lib, n, sc)
		if err != nil {
			return nil, err
		}
		if len(ops) == 1 {
			if list, ok := ops[0].([]interface{}); ok {
				ops = list
			}
		}
		for _, v := range ops {
			if v != nil {
				return v, nil
			}
		}
		return nil, nil

	case "Equal", "NotEqual", "Equivalent":
		a, b, err := r.binary(lib, n, sc)
		if err != nil {
			return nil, err
		}
		switch t {
		case "Equivalent":
			return equivalent(a, b), nil
		case "NotEqual":
			if eq, ok := equal(a, b).(bool); ok {
				return !eq, nil
			}
			return nil, nil
		}
		return equal(a, b), nil
	case "Less", "Greater", "LessOrEqual", "GreaterOrEqual",
		"Before", "After", "SameOrBefore", "SameOrAfter", "SameAs":
		a, b, err := r.binary(lib, n, sc)
		if err != nil {
			return nil, err
		}
		if a == nil || b == nil {
			return nil, nil
		}
		p, _ := parsePrecision(n.String("precision"))
		c, ok := compare(a, b, p)
		if !ok {
			return nil, nil
		}
		switch t {
		case "Less", "Before":
			return c < 0, nil
		case "Greater", "After":
			return c > 0, nil
		case "LessOrEqual", "SameOrBefore":
			return c <= 0, nil
		case "GreaterOrEqual", "SameOrAfter":
			return c >= 0, nil
		}
		return c == 0, nil

	case "Add", "Subtract", "Multiply", "Divide":
		a, b, err := r.binary(lib, n, sc)
		if err != nil {
			return nil, err
		}
		return arithmetic(t, a, b)
	case "Negate":
		v, err := r.argument(lib, n, sc)
		if err != nil {
			return nil, err
		}
		switch x := normalize(v).(type) {
		case int64:
			return -x, nil
		case *Decimal:
			return x.Neg(), nil
		case Quantity:
			return Quantity{Value: x.Value.Neg(), Unit: x.Unit}, nil
		}
		return nil, nil

	case "Exists", "Count", "Sum", "Min", "Max", "First", "Last", "SingletonFrom",
		"Flatten", "Distinct", "ToList", "AllTrue", "AnyTrue":
		v, err := r.argument(lib, n, sc)
		if err != nil {
			return nil, err
		}
		return listOperator(t, v)
	case "Union", "Intersect", "Except":
		a, b, err := r.binary(lib, n, sc)
		if err != nil {
			return nil, err
		}
		return setOperator(t, a, b), nil
	case "In", "Contains":
		a, b, err := r.binary(lib, n, sc)
		if err != nil {
			return nil, err
		}
		if t == "Contains" {
			a, b = b, a
		}
		p, _ := parsePrecision(n.String("precision"))
		return membership(a, b, p), nil
	case "Indexer":
		a, b, err := r.binary(lib, n, sc)
		if err != nil {
			return nil, err
		}
		i, ok := normalize(b).(int64)
		if !ok {
			return nil, nil
		}
		switch x := a.(type) {
		case []interface{}:
			if i >= 0 && int(i) < len(x) {
				return x[i], nil
			}
		case string:
			if i >= 0 && int(i) < len(x) {
				return string(x[i]), nil
			}
		}
		return nil, nil
	case "IndexOf":
		src, err := r.eval(lib, n.Child("source"), sc)
		if err != nil {
			return nil, err
		}
		el, err := r.eval(lib, n.Child("element"), sc)
		if err != nil {
			return nil, err
		}
		list, ok := src.([]interface{})
		if !ok || el == nil {
			return nil, nil
		}
		for i, item := range list {
			if eq, _ := equal(item, el).(bool); eq {
				return int64(i), nil
			}
		}
		return int64(-1), nil
	case "Start", "End":
		v, err := r.argument(lib, n, sc)
		if err != nil {
			return nil, err
		}
		iv, ok := v.(Interval)
		if !ok {
			return nil, nil
		}
		if t == "Start" {
			return iv.Low, nil
		}
		return iv.High, nil

	case "Concatenate", "Upper", "Lower", "Length", "StartsWith", "EndsWith", "Matches", "Combine":
		return r.stringOperator(lib, n, sc)

	case "Today":
		y, m, d := r.now.Date()
		return DateTime{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), Precision: Day, DateOnly: true}, nil
	case "Now":
		return DateTime{Time: r.now, Precision: Millisecond}, nil
	case "Date", "DateTime":
		return r.dateConstructor(lib, n, sc)
	case "DateFrom":
		v, err := r.argument(lib, n, sc)
		if err != nil {
			return nil, err
		}
		dt, ok := asDateTime(v)
		if !ok {
			return nil, nil
		}
		return toDate(dt), nil
	case "DateTimeComponentFrom":
		v, err := r.argument(lib, n, sc)
		if err != nil {
			return nil, err
		}
		dt, ok := asDateTime(v)
		p, known := parsePrecision(n.String("precision"))
		if !ok || !known || dt.Precision < p {
			return nil, nil
		}
		return int64(dt.components()[p-1]), nil
	case "CalculateAge", "CalculateAgeAt", "DurationBetween", "DifferenceBetween":
		return r.dateDifference(lib, n, sc)

	case "As":
		v, err := r.argument(lib, n, sc)
		if err != nil {
			return nil, err
		}
		return castAs(n, v)
	case "Is":
		v, err := r.argument(lib, n, sc)
		if err != nil {
			return nil, err
		}
		return isType(v, targetType(n, "isType", "isTypeSpecifier")), nil
	case "ToString", "ToBoolean", "ToInteger", "ToDecimal", "ToDate", "ToDateTime",
		"ToQuantity", "ToConcept", "ToCode":
		v, err := r.argument(lib, n, sc)
		if err != nil {
			return nil, err
		}
		out, _, err := fhirHelper(t, []interface{}{v})
		return out, err
	}
	return nil, fmt.Errorf("unsupported ELM expression type: %s", n.Type())
}

func (r *run) caseExpr(lib *Library, n Node, sc *scope) (interface{}, error) {
	var comparand interface{}
	hasComparand := n.Child("comparand") != nil
	if hasComparand {
		v, err := r.eval(lib, n.Child("comparand"), sc)
		if err != nil {
			return nil, err
		}
		comparand = v
	}
	for _, item := range n.Children("caseItem") {
		w, err := r.eval(lib, item.Child("when"), sc)
		if err != nil {
			return nil, err
		}
		matched := false
		if hasComparand {
			matched, _ = equal(comparand, w).(bool)
		} else {
			matched, _ = w.(bool)
		}
		if matched {
			return r.eval(lib, item.Child("then"), sc)
		}
	}
	return r.eval(lib, n.Child("else"), sc)
}

// logic implements three-valued boolean logic.
func logic(op string, a, b interface{}) interface{} {
	x, xok := a.(bool)
	y, yok := b.(bool)
	switch op {
	case "And":
		if (xok && !x) || (yok && !y) {
			return false
		}
		if xok && yok {
			return true
		}
	case "Or":
		if (xok && x) || (yok && y) {
			return true
		}
		if xok && yok {
			return false
		}
	case "Xor":
		if xok && yok {
			return x != y
		}
	case "Implies":
		if xok && !x {
			return true
		}
		if yok && y {
			return true
		}
		if xok && yok {
			return false
		}
	}
	return nil
}

// equal implements CQL Equal: nil when either side is null or the answer is
// uncertain.
func equal(a, b interface{}) interface{} {
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		return nil
	}
	if da, ok := toDecimal(a); ok {
		if db, ok := toDecimal(b); ok {
			return da.Cmp(db) == 0
		}
		return false
	}
	_, aDT := a.(DateTime)
	_, bDT := b.(DateTime)
	if aDT || bDT {
		x, okA := asDateTime(a)
		y, okB := asDateTime(b)
		if !okA || !okB {
			return false
		}
		c, certain := compareDateTime(x, y, 0)
		if !certain {
			return nil
		}
		return c == 0
	}
	_, aQ := a.(Quantity)
	_, bQ := b.(Quantity)
	if aQ || bQ {
		x, okA := asQuantity(a)
		y, okB := asQuantity(b)
		if !okA || !okB {
			return false
		}
		if x.Unit != y.Unit {
			return nil
		}
		return x.Value.Cmp(y.Value) == 0
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case Code:
		y, ok := b.(Code)
		return ok && x.Code == y.Code && x.System == y.System && x.Version == y.Version
	case Concept:
		y, ok := b.(Concept)
		if !ok || len(x.Codes) != len(y.Codes) {
			return false
		}
		for i := range x.Codes {
			if eq, _ := equal(x.Codes[i], y.Codes[i]).(bool); !eq {
				return false
			}
		}
		return true
	case Interval:
		y, ok := b.(Interval)
		if !ok {
			return false
		}
		if x.LowClosed != y.LowClosed || x.HighClosed != y.HighClosed {
			return false
		}
		return logic("And", equal(x.Low, y.Low), equal(x.High, y.High))
	case []interface{}:
		y, ok := b.([]interface{})
		if !ok || len(x) != len(y) {
			return false
		}
		var result interface{} = true
		for i := range x {
			result = logic("And", result, equal(x[i], y[i]))
		}
		return result
	case map[string]interface{}:
		y, ok := b.(map[string]interface{})
		if !ok || len(x) != len(y) {
			return false
		}
		var result interface{} = true
		for k, xv := range x {
			yv, present := y[k]
			if !present {
				return false
			}
			if xv == nil && yv == nil {
				continue
			}
			result = logic("And", result, equal(xv, yv))
		}
		return result
	case ValueSetRef:
		y, ok := b.(ValueSetRef)
		return ok && x.ID == y.ID && x.Version == y.Version
	}
	return false
}

// equivalent implements CQL Equivalent, which never returns null.
func equivalent(a, b interface{}) bool {
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := a.(string); ok {
		y, ok := b.(string)
		return ok && strings.EqualFold(strings.Join(strings.Fields(x), " "), strings.Join(strings.Fields(y), " "))
	}
	_, aCode := a.(Code)
	_, bCode := b.(Code)
	_, aConcept := a.(Concept)
	_, bConcept := b.(Concept)
	if aCode || bCode || aConcept || bConcept {
		x, okA := asConcept(a)
		y, okB := asConcept(b)
		if !okA || !okB {
			return false
		}
		for _, c := range x.Codes {
			for _, d := range y.Codes {
				if c.Code == d.Code && c.System == d.System {
					return true
				}
			}
		}
		return false
	}
	if x, ok := a.([]interface{}); ok {
		y, ok := b.([]interface{})
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equivalent(x[i], y[i]) {
				return false
			}
		}
		return true
	}
	eq, _ := equal(a, b).(bool)
	return eq
}

// compare orders two values; ok is false when they cannot be compared or
// the result is uncertain.
func compare(a, b interface{}, p Precision) (int, bool) {
	a, b = normalize(a), normalize(b)
	if da, okA := toDecimal(a); okA {
		if db, okB := toDecimal(b); okB {
			return da.Cmp(db), true
		}
		return 0, false
	}
	_, aDT := a.(DateTime)
	_, bDT := b.(DateTime)
	if aDT || bDT {
		x, okA := asDateTime(a)
		y, okB := asDateTime(b)
		if !okA || !okB {
			return 0, false
		}
		return compareDateTime(x, y, p)
	}
	if x, ok := asQuantity(a); ok {
		y, ok := asQuantity(b)
		if !ok || x.Unit != y.Unit {
			return 0, false
		}
		return x.Value.Cmp(y.Value), true
	}
	if x, ok := a.(string); ok {
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	}
	return 0, false
}

func arithmetic(op string, a, b interface{}) (interface{}, error) {
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		return nil, nil
	}
	if x, ok := a.(int64); ok && op != "Divide" {
		if y, ok := b.(int64); ok {
			switch op {
			case "Add":
				return x + y, nil
			case "Subtract":
				return x - y, nil
			}
			return x * y, nil
		}
	}
	if x, ok := toDecimal(a); ok {
		if y, ok := toDecimal(b); ok {
			switch op {
			case "Add":
				return x.Add(y)
			case "Subtract":
				return x.Sub(y)
			case "Multiply":
				return x.Mul(y)
			}
			q, err := x.Quo(y)
			if q == nil {
				return nil, err
			}
			return q, err
		}
	}
	if x, ok := a.(string); ok && op == "Add" {
		if y, ok := b.(string); ok {
			return x + y, nil
		}
	}
	if dt, ok := a.(DateTime); ok {
		q, ok := b.(Quantity)
		if !ok {
			return nil, fmt.Errorf("cannot %s %s to a date", strings.ToLower(op), typeName(b))
		}
		switch op {
		case "Add":
			return dt.add(q, 1)
		case "Subtract":
			return dt.add(q, -1)
		}
	}
	if x, ok := a.(Quantity); ok {
		if y, ok := b.(Quantity); ok && (op == "Add" || op == "Subtract") {
			if x.Unit != y.Unit {
				return nil, fmt.Errorf("cannot %s quantities with units %q and %q", strings.ToLower(op), x.Unit, y.Unit)
			}
			v, err := arithmetic(op, x.Value, y.Value)
			if err != nil || v == nil {
				return nil, err
			}
			return Quantity{Value: v.(*Decimal), Unit: x.Unit}, nil
		}
		if y, ok := toDecimal(b); ok && (op == "Multiply" || op == "Divide") {
			v, err := arithmetic(op, x.Value, y)
			if err != nil || v == nil {
				return nil, err
			}
			return Quantity{Value: v.(*Decimal), Unit: x.Unit}, nil
		}
	}
	return nil, fmt.Errorf("cannot apply %s to %s and %s", op, typeName(a), typeName(b))
}

func distinct(items []interface{}) []interface{} {
	var out []interface{}
	sawNull := false
	for _, item := range items {
		if item == nil {
			if !sawNull {
				out = append(out, nil)
				sawNull = true
			}
			continue
		}
		dup := false
		for _, seen := range out {
			if eq, _ := equal(seen, item).(bool); eq {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, item)
		}
	}
	return out
}

func listOperator(op string, v interface{}) (interface{}, error) {
	list, isList := v.([]interface{})
	if op == "ToList" {
		if v == nil {
			return []interface{}{}, nil
		}
		if isList {
			return list, nil
		}
		return []interface{}{v}, nil
	}
	if !isList {
		if v == nil {
			switch op {
			case "Exists":
				return false, nil
			case "Count":
				return int64(0), nil
			}
			return nil, nil
		}
		if op == "SingletonFrom" {
			return v, nil
		}
		list = []interface{}{v}
	}
	var nonNull []interface{}
	for _, item := range list {
		if item != nil {
			nonNull = append(nonNull, item)
		}
	}
	switch op {
	case "Exists":
		return len(nonNull) > 0, nil
	case "Count":
		return int64(len(nonNull)), nil
	case "First":
		if len(list) == 0 {
			return nil, nil
		}
		return list[0], nil
	case "Last":
		if len(list) == 0 {
			return nil, nil
		}
		return list[len(list)-1], nil
	case "SingletonFrom":
		switch len(list) {
		case 0:
			return nil, nil
		case 1:
			return list[0], nil
		}
		return nil, fmt.Errorf("SingletonFrom requires a list with at most one element, got %d", len(list))
	case "Flatten":
		out := []interface{}{}
		for _, item := range list {
			if inner, ok := item.([]interface{}); ok {
				out = append(out, inner...)
			} else {
				out = append(out, item)
			}
		}
		return out, nil
	case "Distinct":
		out := distinct(list)
		if out == nil {
			out = []interface{}{}
		}
		return out, nil
	case "AllTrue":
		for _, item := range nonNull {
			if b, _ := item.(bool); !b {
				return false, nil
			}
		}
		return true, nil
	case "AnyTrue":
		for _, item := range nonNull {
			if b, _ := item.(bool); b {
				return true, nil
			}
		}
		return false, nil
	case "Sum":
		if len(nonNull) == 0 {
			return nil, nil
		}
		total := nonNull[0]
		for _, item := range nonNull[1:] {
			s, err := arithmetic("Add", total, item)
			if err != nil {
				return nil, err
			}
			total = s
		}
		return total, nil
	case "Min", "Max":
		if len(nonNull) == 0 {
			return nil, nil
		}
		best := nonNull[0]
		for _, item := range nonNull[1:] {
			c, ok := compare(item, best, 0)
			if !ok {
				return nil, fmt.Errorf("%s over incomparable values %s and %s", op, typeName(item), typeName(best))
			}
			if (op == "Min" && c < 0) || (op == "Max" && c > 0) {
				best = item
			}
		}
		return best, nil
	}
	return nil, fmt.Errorf("unsupported ELM expression type: %s", op)
}

func setOperator(op string, a, b interface{}) interface{} {
	x, okA := a.([]interface{})
	y, okB := b.([]interface{})
	if op == "Union" {
		if a == nil && b == nil {
			return nil
		}
		out := distinct(append(append([]interface{}{}, x...), y...))
		if out == nil {
			out = []interface{}{}
		}
		return out
	}
	if !okA || !okB {
		return nil
	}
	out := []interface{}{}
	for _, item := range distinct(x) {
		found := false
		for _, other := range y {
			if eq, _ := equal(item, other).(bool); eq {
				found = true
				break
			}
		}
		if (op == "Intersect") == found {
			out = append(out, item)
		}
	}
	return out
}

// membership implements In(point, list|interval).
func membership(point, container interface{}, p Precision) interface{} {
	switch c := container.(type) {
	case nil:
		return false
	case []interface{}:
		for _, item := range c {
			if eq, _ := equal(point, item).(bool); eq {
				return true
			}
		}
		return false
	case Interval:
		return intervalContains(c, point, p)
	}
	return nil
}

func intervalContains(iv Interval, point interface{}, p Precision) interface{} {
	if point == nil {
		return nil
	}
	var result interface{} = true
	if iv.Low != nil {
		c, ok := compare(point, iv.Low, p)
		switch {
		case !ok:
			result = nil
		case c < 0 || (c == 0 && !iv.LowClosed):
			return false
		}
	}
	if iv.High != nil {
		c, ok := compare(point, iv.High, p)
		switch {
		case !ok:
			result = nil
		case c > 0 || (c == 0 && !iv.HighClosed):
			return false
		}
	}
	return result
}

func (r *run) stringOperator(lib *Library, n Node, sc *scope) (interface{}, error) {
	switch t := n.Type(); t {
	case "Concatenate":
		ops, err := r.operands(lib, n, sc)
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		for _, v := range ops {
			s, ok := v.(string)
			if !ok {
				return nil, nil
			}
			b.WriteString(s)
		}
		return b.String(), nil
	case "Combine":
		src, err := r.eval(lib, n.Child("source"), sc)
		if err != nil {
			return nil, err
		}
		sep, err := r.eval(lib, n.Child("separator"), sc)
		if err != nil {
			return nil, err
		}
		list, ok := src.([]interface{})
		if !ok {
			return nil, nil
		}
		var parts []string
		for _, item := range list {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		sepStr, _ := sep.(string)
		return strings.Join(parts, sepStr), nil
	case "Upper", "Lower", "Length":
		v, err := r.argument(lib, n, sc)
		if err != nil {
			return nil, err
		}
		if list, ok := v.([]interface{}); ok && t == "Length" {
			return int64(len(list)), nil
		}
		s, ok := v.(string)
		if !ok {
			return nil, nil
		}
		switch t {
		case "Upper":
			return strings.ToUpper(s), nil
		case "Lower":
			return strings.ToLower(s), nil
		}
		return int64(len([]rune(s))), nil
	}
	a, b, err := r.binary(lib, n, sc)
	if err != nil {
		return nil, err
	}
	x, okA := a.(string)
	y, okB := b.(string)
	if !okA || !okB {
		return nil, nil
	}
	switch n.Type() {
	case "StartsWith":
		return strings.HasPrefix(x, y), nil
	case "EndsWith":
		return strings.HasSuffix(x, y), nil
	}
	re, err := regexp.Compile("^(?:" + y + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid regular expression %q: %w", y, err)
	}
	return re.MatchString(x), nil
}

func (r *run) dateConstructor(lib *Library, n Node, sc *scope) (interface{}, error) {
	parts := []string{"year", "month", "day", "hour", "minute", "second", "millisecond"}
	var vals [7]int
	precision := Precision(0)
	for i, key := range parts {
		c := n.Child(key)
		if c == nil {
			break
		}
		v, err := r.eval(lib, c, sc)
		if err != nil {
			return nil, err
		}
		iv, ok := normalize(v).(int64)
		if !ok {
			return nil, nil
		}
		vals[i] = int(iv)
		precision = Precision(i + 1)
	}
	if precision == 0 {
		return nil, nil
	}
	month, day := vals[1], vals[2]
	if month == 0 {
		month = 1
	}
	if day == 0 {
		day = 1
	}
	loc := time.UTC
	if tz := n.Child("timezoneOffset"); tz != nil {
		v, err := r.eval(lib, tz, sc)
		if err != nil {
			return nil, err
		}
		if d, ok := toDecimal(v); ok {
			loc = time.FixedZone("", int(d.Float64()*3600))
		}
	}
	t := time.Date(vals[0], time.Month(month), day, vals[3], vals[4], vals[5], vals[6]*int(time.Millisecond), loc)
	return DateTime{Time: t, Precision: precision, DateOnly: n.Type() == "Date"}, nil
}

func toDate(dt DateTime) DateTime {
	c := dt.components()
	p := dt.Precision
	if p > Day {
		p = Day
	}
	return DateTime{Time: time.Date(c[0], time.Month(c[1]), c[2], 0, 0, 0, 0, time.UTC), Precision: p, DateOnly: true}
}

// truncate drops components finer than p.
func truncate(dt DateTime, p Precision) DateTime {
	c := dt.components()
	for i := int(p); i < len(c); i++ {
		if i == 1 || i == 2 {
			c[i] = 1
		} else {
			c[i] = 0
		}
	}
	loc := time.UTC
	return DateTime{Time: time.Date(c[0], time.Month(c[1]), c[2], c[3], c[4], c[5], c[6]*int(time.Millisecond), loc), Precision: dt.Precision, DateOnly: dt.DateOnly}
}

func (r *run) dateDifference(lib *Library, n Node, sc *scope) (interface{}, error) {
	p, ok := parsePrecision(n.String("precision"))
	if !ok {
		return nil, fmt.Errorf("%s requires a precision", n.Type())
	}
	var from, to interface{}
	switch n.Type() {
	case "CalculateAge":
		v, err := r.argument(lib, n, sc)
		if err != nil {
			return nil, err
		}
		from = v
		today, _ := r.operator(lib, Node{"type": "Today"}, sc)
		if dt, isDT := asDateTime(v); isDT && !dt.DateOnly {
			today = DateTime{Time: r.now, Precision: Millisecond}
		}
		to = today
	default:
		a, b, err := r.binary(lib, n, sc)
		if err != nil {
			return nil, err
		}
		from, to = a, b
	}
	x, okA := asDateTime(from)
	y, okB := asDateTime(to)
	if !okA || !okB {
		return nil, nil
	}
	if n.Type() == "DifferenceBetween" {
		x, y = truncate(x, p), truncate(y, p)
	}
	return wholeBetween(x, y, p), nil
}

func targetType(n Node, nameKey, specKey string) string {
	if name := n.String(nameKey); name != "" {
		return localName(name)
	}
	if spec := n.Child(specKey); spec != nil {
		if spec.Type() == "ListTypeSpecifier" {
			return "List"
		}
		return localName(spec.String("name"))
	}
	return ""
}

var fhirPrimitiveTypes = map[string]bool{
	"boolean": true, "string": true, "code": true, "uri": true, "url": true, "canonical": true,
	"id": true, "markdown": true, "integer": true, "decimal": true, "date": true, "dateTime": true,
	"instant": true, "time": true, "positiveInt": true, "unsignedInt": true,
}

// isType checks CQL system types by runtime value and FHIR types by
// resourceType where one is present.
func isType(v interface{}, name string) bool {
	if v == nil || name == "" {
		return false
	}
	actual := typeName(v)
	if actual == name {
		return true
	}
	if m, ok := v.(map[string]interface{}); ok {
		if _, isResource := m["resourceType"]; isResource {
			return false
		}
		switch name {
		case "Quantity", "Age", "Duration", "SimpleQuantity":
			_, has := m["value"]
			return has
		case "CodeableConcept":
			_, has := m["coding"]
			return has
		case "Coding":
			_, has := m["code"]
			return has
		case "Period":
			_, hasStart := m["start"]
			_, hasEnd := m["end"]
			return hasStart || hasEnd
		case "Reference":
			_, has := m["reference"]
			return has
		}
		return false
	}
	if fhirPrimitiveTypes[name] {
		return true
	}
	return false
}

func castAs(n Node, v interface{}) (interface{}, error) {
	name := targetType(n, "asType", "asTypeSpecifier")
	if v == nil || name == "" || name == "List" {
		return v, nil
	}
	if m, ok := v.(map[string]interface{}); ok {
		if rt, isResource := m["resourceType"].(string); isResource && strings.HasPrefix(n.String("asType"), "{http://hl7.org/fhir}") && rt != name && isResourceTypeName(name) {
			if strict, _ := n["strict"].(bool); strict {
				return nil, fmt.Errorf("cannot cast %s to %s", rt, name)
			}
			return nil, nil
		}
	}
	return v, nil
}

// isResourceTypeName distinguishes FHIR resource names from element and
// primitive type names, which are lower case or known data types.
func isResourceTypeName(name string) bool {
	if name == "" || name[0] < 'A' || name[0] > 'Z' {
		return false
	}
	switch name {
	case "Quantity", "CodeableConcept", "Coding", "Period", "Reference", "Identifier", "Range",
		"Ratio", "Age", "Duration", "SimpleQuantity", "HumanName", "Address", "ContactPoint",
		"Annotation", "Attachment", "Timing", "Dosage", "Extension", "Meta", "Narrative":
		return false
	}
	return true
}
