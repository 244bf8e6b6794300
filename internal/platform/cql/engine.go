package cql

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// CodeService answers value set membership questions. An empty version
// selects the latest known expansion. Unknown value sets return ok=false.
type CodeService interface {
	FindValueSet(id, version string) (codes []Code, ok bool)
}

// Results holds the value of every non-function statement, keyed by patient
// id and then by statement name.
type Results struct {
	PatientResults map[string]map[string]interface{} `json:"patientResults"`
}

// Executor evaluates compiled libraries against a PatientSource.
type Executor struct {
	Codes      CodeService
	Parameters map[string]interface{}
	// Now overrides the evaluation clock; time.Now is used when nil.
	Now func() time.Time
}

// Execute runs lib for every patient in source using the given code service.
func Execute(ctx context.Context, lib *Library, codes CodeService, source *PatientSource) (*Results, error) {
	ex := &Executor{Codes: codes}
	return ex.Execute(ctx, lib, source)
}

func (ex *Executor) Execute(ctx context.Context, lib *Library, source *PatientSource) (*Results, error) {
	results := &Results{PatientResults: map[string]map[string]interface{}{}}
	for _, rec := range source.Patients() {
		r := ex.newRun(ctx, lib, rec)
		values := map[string]interface{}{}
		for _, s := range lib.Statements {
			if s.IsFunction() {
				continue
			}
			v, err := r.statement(lib, s)
			if err != nil {
				return nil, err
			}
			values[s.Name] = v
		}
		results.PatientResults[rec.ID] = values
	}
	return results, nil
}

// Evaluate returns the value of one named expression for one patient.
func (ex *Executor) Evaluate(ctx context.Context, lib *Library, rec *PatientRecord, name string) (interface{}, error) {
	s, ok := lib.Statement(name)
	if !ok {
		return nil, fmt.Errorf("expression %s not found in library %s", name, lib.Name())
	}
	return ex.newRun(ctx, lib, rec).statement(lib, s)
}

func (ex *Executor) newRun(ctx context.Context, main *Library, rec *PatientRecord) *run {
	now := time.Now()
	if ex.Now != nil {
		now = ex.Now()
	}
	return &run{
		ctx:     ctx,
		ex:      ex,
		main:    main,
		patient: rec,
		now:     now,
		cache:   map[defKey]interface{}{},
		active:  map[defKey]bool{},
	}
}

type defKey struct {
	lib  *Library
	name string
}

// run is the evaluation state for one patient.
type run struct {
	ctx     context.Context
	ex      *Executor
	main    *Library
	patient *PatientRecord
	now     time.Time
	cache   map[defKey]interface{}
	active  map[defKey]bool
}

// scope is an immutable chain of alias and operand bindings.
type scope struct {
	parent *scope
	name   string
	value  interface{}
}

func (s *scope) with(name string, v interface{}) *scope {
	return &scope{parent: s, name: name, value: v}
}

func (s *scope) lookup(name string) (interface{}, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.name == name {
			return cur.value, true
		}
	}
	return nil, false
}

const thisAlias = "$this"

func (r *run) statement(lib *Library, s StatementDef) (interface{}, error) {
	key := defKey{lib: lib, name: s.Name}
	if v, ok := r.cache[key]; ok {
		return v, nil
	}
	if r.active[key] {
		return nil, fmt.Errorf("circular reference to %s.%s", lib.Name(), s.Name)
	}
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}
	r.active[key] = true
	defer delete(r.active, key)

	v, err := r.eval(lib, s.Expression, nil)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s.%s: %w", lib.Name(), s.Name, err)
	}
	r.cache[key] = v
	return v, nil
}

// target resolves the library a reference node points at.
func (r *run) target(lib *Library, n Node) (*Library, error) {
	name := n.String("libraryName")
	if name == "" {
		return lib, nil
	}
	return lib.Included(name)
}

func (r *run) evalAll(lib *Library, nodes []Node, sc *scope) ([]interface{}, error) {
	out := make([]interface{}, len(nodes))
	for i, c := range nodes {
		v, err := r.eval(lib, c, sc)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (r *run) operands(lib *Library, n Node, sc *scope) ([]interface{}, error) {
	return r.evalAll(lib, n.Children("operand"), sc)
}

// argument evaluates the single operand of a unary or aggregate node, which
// ELM stores under either "operand" or "source".
func (r *run) argument(lib *Library, n Node, sc *scope) (interface{}, error) {
	if c := n.Child("operand"); c != nil {
		return r.eval(lib, c, sc)
	}
	if c := n.Child("source"); c != nil {
		return r.eval(lib, c, sc)
	}
	if ops := n.Children("operand"); len(ops) == 1 {
		return r.eval(lib, ops[0], sc)
	}
	return nil, fmt.Errorf("%s has no operand", n.Type())
}

func (r *run) binary(lib *Library, n Node, sc *scope) (interface{}, interface{}, error) {
	ops, err := r.operands(lib, n, sc)
	if err != nil {
		return nil, nil, err
	}
	if len(ops) != 2 {
		return nil, nil, fmt.Errorf("%s expects two operands, got %d", n.Type(), len(ops))
	}
	return ops[0], ops[1], nil
}

func (r *run) eval(lib *Library, n Node, sc *scope) (interface{}, error) {
	if n == nil {
		return nil, nil
	}
	switch t := n.Type(); t {
	case "Null":
		return nil, nil
	case "Literal":
		return literal(n)
	case "List":
		return r.evalAll(lib, n.Children("element"), sc)
	case "Tuple":
		return r.tuple(lib, n, sc)
	case "Instance":
		return r.instance(lib, n, sc)
	case "ExpressionRef":
		target, err := r.target(lib, n)
		if err != nil {
			return nil, err
		}
		s, ok := target.Statement(n.String("name"))
		if !ok {
			return nil, fmt.Errorf("expression %s not found in library %s", n.String("name"), target.Name())
		}
		return r.statement(target, s)
	case "FunctionRef":
		return r.functionRef(lib, n, sc)
	case "ParameterRef":
		return r.parameterRef(lib, n)
	case "OperandRef", "AliasRef", "QueryLetRef", "IdentifierRef":
		return r.identifier(n, sc)
	case "Retrieve":
		return r.retrieve(lib, n, sc)
	case "Property":
		return r.property(lib, n, sc)
	case "Query":
		return r.query(lib, n, sc)
	case "ValueSetRef":
		return r.valueSetRef(lib, n)
	case "CodeRef":
		return r.codeRef(lib, n)
	case "ConceptRef":
		return r.conceptRef(lib, n)
	case "CodeSystemRef":
		target, err := r.target(lib, n)
		if err != nil {
			return nil, err
		}
		for _, cs := range target.CodeSystems {
			if cs.Name == n.String("name") {
				return map[string]interface{}{"id": cs.ID, "version": cs.Version}, nil
			}
		}
		return nil, fmt.Errorf("code system %s not found in library %s", n.String("name"), target.Name())
	case "Code":
		return r.code(lib, n)
	case "Concept":
		return r.concept(lib, n, sc)
	case "Quantity":
		return quantityLiteral(n)
	case "Interval":
		return r.interval(lib, n, sc)
	case "InValueSet":
		return r.inValueSet(lib, n, sc, false)
	case "AnyInValueSet":
		return r.inValueSet(lib, n, sc, true)
	}
	return r.operator(lib, n, sc)
}

func (r *run) tuple(lib *Library, n Node, sc *scope) (interface{}, error) {
	out := map[string]interface{}{}
	for _, el := range n.Children("element") {
		v, err := r.eval(lib, el.Child("value"), sc)
		if err != nil {
			return nil, err
		}
		out[el.String("name")] = v
	}
	return out, nil
}

func (r *run) instance(lib *Library, n Node, sc *scope) (interface{}, error) {
	fields, err := r.tuple(lib, n, sc)
	if err != nil {
		return nil, err
	}
	m := fields.(map[string]interface{})
	str := func(k string) string { s, _ := m[k].(string); return s }
	switch localName(n.String("classType")) {
	case "Code":
		return Code{Code: str("code"), System: str("system"), Version: str("version"), Display: str("display")}, nil
	case "Concept":
		c := Concept{Display: str("display")}
		if codes, ok := m["codes"].([]interface{}); ok {
			for _, raw := range codes {
				if code, ok := raw.(Code); ok {
					c.Codes = append(c.Codes, code)
				}
			}
		}
		return c, nil
	case "Quantity":
		d, ok := toDecimal(m["value"])
		if !ok {
			return nil, nil
		}
		unit := str("unit")
		if err := validateUnit(unit); err != nil {
			return nil, err
		}
		return Quantity{Value: d, Unit: unit}, nil
	}
	return m, nil
}

func (r *run) parameterRef(lib *Library, n Node) (interface{}, error) {
	target, err := r.target(lib, n)
	if err != nil {
		return nil, err
	}
	name := n.String("name")
	if target == r.main {
		if v, ok := r.ex.Parameters[name]; ok {
			return normalize(v), nil
		}
	}
	key := defKey{lib: target, name: "$param:" + name}
	if v, ok := r.cache[key]; ok {
		return v, nil
	}
	for _, p := range target.Parameters {
		if p.Name == name {
			v, err := r.eval(target, p.Default, nil)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %w", name, err)
			}
			r.cache[key] = v
			return v, nil
		}
	}
	return nil, fmt.Errorf("parameter %s not found in library %s", name, target.Name())
}

func (r *run) identifier(n Node, sc *scope) (interface{}, error) {
	name := n.String("name")
	if v, ok := sc.lookup(name); ok {
		return v, nil
	}
	if this, ok := sc.lookup(thisAlias); ok {
		return getProperty(this, name), nil
	}
	return nil, fmt.Errorf("unknown identifier %s", name)
}

func (r *run) functionRef(lib *Library, n Node, sc *scope) (interface{}, error) {
	name := n.String("name")
	args, err := r.operands(lib, n, sc)
	if err != nil {
		return nil, err
	}
	libName := n.String("libraryName")
	if libName != "" && lib.isFHIRHelpers(libName) {
		if v, ok, err := fhirHelper(name, args); ok {
			return v, err
		}
	}
	target, err := r.target(lib, n)
	if err != nil {
		return nil, err
	}
	def, found := target.Function(name, len(args))
	if !found || def.External || def.Expression == nil {
		if v, ok, err := fhirHelper(name, args); ok {
			return v, err
		}
		return nil, fmt.Errorf("function %s/%d not found in library %s", name, len(args), target.Name())
	}
	var fsc *scope
	for i, op := range def.Operand {
		fsc = fsc.with(op.Name, args[i])
	}
	return r.eval(target, def.Expression, fsc)
}

// ---------------------------------------------------------------------------
// Terminology references
// ---------------------------------------------------------------------------

func (r *run) valueSetRef(lib *Library, n Node) (interface{}, error) {
	target, err := r.target(lib, n)
	if err != nil {
		return nil, err
	}
	for _, vs := range target.ValueSets {
		if vs.Name == n.String("name") {
			return ValueSetRef{ID: vs.ID, Version: vs.Version, Name: vs.Name}, nil
		}
	}
	return nil, fmt.Errorf("value set %s not found in library %s", n.String("name"), target.Name())
}

func (r *run) codeRef(lib *Library, n Node) (interface{}, error) {
	target, err := r.target(lib, n)
	if err != nil {
		return nil, err
	}
	for _, c := range target.Codes {
		if c.Name == n.String("name") {
			code := Code{Code: c.ID, Display: c.Display}
			for _, cs := range target.CodeSystems {
				if cs.Name == c.CodeSystem.Name {
					code.System, code.Version = cs.ID, cs.Version
				}
			}
			return code, nil
		}
	}
	return nil, fmt.Errorf("code %s not found in library %s", n.String("name"), target.Name())
}

func (r *run) conceptRef(lib *Library, n Node) (interface{}, error) {
	target, err := r.target(lib, n)
	if err != nil {
		return nil, err
	}
	for _, c := range target.Concepts {
		if c.Name != n.String("name") {
			continue
		}
		concept := Concept{Display: c.Display}
		for _, ref := range c.Code {
			v, err := r.codeRef(target, Node{"name": ref.Name, "libraryName": ref.LibraryName})
			if err != nil {
				return nil, err
			}
			concept.Codes = append(concept.Codes, v.(Code))
		}
		return concept, nil
	}
	return nil, fmt.Errorf("concept %s not found in library %s", n.String("name"), target.Name())
}

func (r *run) code(lib *Library, n Node) (interface{}, error) {
	c := Code{Code: n.String("code"), Display: n.String("display")}
	if sys := n.Child("system"); sys != nil {
		v, err := r.eval(lib, Node{"type": "CodeSystemRef", "name": sys.String("name"), "libraryName": sys.String("libraryName")}, nil)
		if err != nil {
			return nil, err
		}
		m := v.(map[string]interface{})
		c.System, _ = m["id"].(string)
		c.Version, _ = m["version"].(string)
	}
	return c, nil
}

func (r *run) concept(lib *Library, n Node, sc *scope) (interface{}, error) {
	c := Concept{Display: n.String("display")}
	for _, cn := range n.Children("code") {
		v, err := r.code(lib, cn)
		if err != nil {
			return nil, err
		}
		c.Codes = append(c.Codes, v.(Code))
	}
	return c, nil
}

// codesOf expands a ValueSetRef, Code, Concept or list of codes.
func (r *run) codesOf(v interface{}) ([]Code, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case ValueSetRef:
		if r.ex.Codes == nil {
			return nil, fmt.Errorf("value set %s requested but no code service is configured", x.ID)
		}
		codes, ok := r.ex.Codes.FindValueSet(x.ID, x.Version)
		if !ok {
			return nil, fmt.Errorf("value set %s (version %q) is not available", x.ID, x.Version)
		}
		return codes, nil
	case Code:
		return []Code{x}, nil
	case Concept:
		return x.Codes, nil
	case []interface{}:
		var out []Code
		for _, item := range x {
			codes, err := r.codesOf(item)
			if err != nil {
				return nil, err
			}
			out = append(out, codes...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot use %s as a code filter", typeName(v))
}

func codeMatches(c Code, set []Code) bool {
	for _, s := range set {
		if s.Code == c.Code && (s.System == "" || c.System == "" || s.System == c.System) {
			return true
		}
	}
	return false
}

// conceptIn reports whether any coding of v is a member of set. v may be a
// list, in which case any element counts.
func conceptIn(v interface{}, set []Code) bool {
	if list, ok := v.([]interface{}); ok {
		for _, item := range list {
			if conceptIn(item, set) {
				return true
			}
		}
		return false
	}
	c, ok := asConcept(v)
	if !ok {
		return false
	}
	for _, code := range c.Codes {
		if codeMatches(code, set) {
			return true
		}
	}
	return false
}

func (r *run) inValueSet(lib *Library, n Node, sc *scope, many bool) (interface{}, error) {
	key := "code"
	if many {
		key = "codes"
	}
	v, err := r.eval(lib, n.Child(key), sc)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return false, nil
	}
	var vs interface{}
	if ref := n.Child("valueset"); ref != nil {
		vs, err = r.valueSetRef(lib, ref)
	} else {
		vs, err = r.eval(lib, n.Child("valuesetExpression"), sc)
	}
	if err != nil {
		return nil, err
	}
	set, err := r.codesOf(vs)
	if err != nil {
		return nil, err
	}
	return conceptIn(v, set), nil
}

// ---------------------------------------------------------------------------
// Retrieve, Property and Query
// ---------------------------------------------------------------------------

// localName strips an ELM namespace such as "{http://hl7.org/fhir}".
func localName(qname string) string {
	if i := strings.LastIndex(qname, "}"); i >= 0 {
		return qname[i+1:]
	}
	return qname
}

func (r *run) retrieve(lib *Library, n Node, sc *scope) (interface{}, error) {
	out := []interface{}{}
	if r.patient == nil {
		return out, nil
	}
	records := r.patient.Records(localName(n.String("dataType")))

	var set []Code
	filterCodes := n.Child("codes") != nil
	if filterCodes {
		v, err := r.eval(lib, n.Child("codes"), sc)
		if err != nil {
			return nil, err
		}
		if set, err = r.codesOf(v); err != nil {
			return nil, err
		}
	}
	codeProperty := n.String("codeProperty")
	if codeProperty == "" {
		codeProperty = "code"
	}

	var dateRange *Interval
	if dr := n.Child("dateRange"); dr != nil {
		v, err := r.eval(lib, dr, sc)
		if err != nil {
			return nil, err
		}
		if iv, ok := v.(Interval); ok {
			dateRange = &iv
		}
	}

	for _, rec := range records {
		if filterCodes && !conceptIn(getProperty(rec, codeProperty), set) {
			continue
		}
		if dateRange != nil {
			in, _ := intervalContains(*dateRange, getProperty(rec, n.String("dateProperty")), 0).(bool)
			if !in {
				continue
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *run) property(lib *Library, n Node, sc *scope) (interface{}, error) {
	var src interface{}
	if alias := n.String("scope"); alias != "" {
		v, ok := sc.lookup(alias)
		if !ok {
			return nil, fmt.Errorf("unknown alias %s", alias)
		}
		src = v
	} else {
		v, err := r.eval(lib, n.Child("source"), sc)
		if err != nil {
			return nil, err
		}
		src = v
	}
	return getProperty(src, n.String("path")), nil
}

// getProperty navigates a dotted path through FHIR JSON and CQL values.
// Lists are flattened along the way. A missing key is retried as a FHIR
// choice element (value -> valueQuantity, ...). The "value" of a primitive
// is the primitive itself.
func getProperty(v interface{}, path string) interface{} {
	if path == "" {
		return v
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		cur = propertyStep(cur, seg)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func propertyStep(v interface{}, seg string) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case []interface{}:
		var out []interface{}
		for _, item := range x {
			switch pv := propertyStep(item, seg).(type) {
			case nil:
			case []interface{}:
				out = append(out, pv...)
			default:
				out = append(out, pv)
			}
		}
		if out == nil {
			return nil
		}
		return out
	case map[string]interface{}:
		if pv, ok := x[seg]; ok {
			return normalize(pv)
		}
		for k, pv := range x {
			if len(k) > len(seg) && strings.HasPrefix(k, seg) && k[len(seg)] >= 'A' && k[len(seg)] <= 'Z' {
				return normalize(pv)
			}
		}
		return nil
	case Code:
		switch seg {
		case "code":
			return x.Code
		case "system":
			return x.System
		case "version":
			return x.Version
		case "display":
			return x.Display
		}
	case Concept:
		switch seg {
		case "codes":
			out := make([]interface{}, len(x.Codes))
			for i, c := range x.Codes {
				out[i] = c
			}
			return out
		case "display":
			return x.Display
		}
	case Quantity:
		switch seg {
		case "value":
			return x.Value
		case "unit":
			return x.Unit
		}
	case Interval:
		switch seg {
		case "low":
			return x.Low
		case "high":
			return x.High
		}
	default:
		if seg == "value" {
			return normalize(v)
		}
	}
	return nil
}

// queryRow is one combination of source aliases.
type queryRow struct {
	sc      *scope
	aliases map[string]interface{}
}

func (r *run) query(lib *Library, n Node, sc *scope) (interface{}, error) {
	sources := n.Children("source")
	if len(sources) == 0 {
		return nil, fmt.Errorf("query has no source")
	}
	if n["aggregate"] != nil {
		return nil, fmt.Errorf("unsupported ELM expression type: Query aggregate clause")
	}

	rows := []queryRow{{sc: sc, aliases: map[string]interface{}{}}}
	singleton := false
	for _, s := range sources {
		v, err := r.eval(lib, s.Child("expression"), sc)
		if err != nil {
			return nil, err
		}
		items, isList := v.([]interface{})
		if !isList {
			if len(sources) == 1 {
				singleton = true
			}
			if v == nil {
				items = nil
			} else {
				items = []interface{}{v}
			}
		}
		alias := s.String("alias")
		var next []queryRow
		for _, row := range rows {
			for _, item := range items {
				aliases := map[string]interface{}{alias: item}
				for k, av := range row.aliases {
					aliases[k] = av
				}
				next = append(next, queryRow{sc: row.sc.with(alias, item), aliases: aliases})
			}
		}
		rows = next
	}

	var results []interface{}
	for _, row := range rows {
		rsc := row.sc
		for _, let := range n.Children("let") {
			v, err := r.eval(lib, let.Child("expression"), rsc)
			if err != nil {
				return nil, err
			}
			rsc = rsc.with(let.String("identifier"), v)
		}
		keep, err := r.relationships(lib, n, rsc)
		if err != nil {
			return nil, err
		}
		if !keep {
			continue
		}
		if where := n.Child("where"); where != nil {
			v, err := r.eval(lib, where, rsc)
			if err != nil {
				return nil, err
			}
			if b, _ := v.(bool); !b {
				continue
			}
		}
		var out interface{}
		if ret := n.Child("return"); ret != nil {
			v, err := r.eval(lib, ret.Child("expression"), rsc)
			if err != nil {
				return nil, err
			}
			out = v
		} else if len(sources) == 1 {
			out = row.aliases[sources[0].String("alias")]
		} else {
			tuple := map[string]interface{}{}
			for k, v := range row.aliases {
				tuple[k] = v
			}
			out = tuple
		}
		results = append(results, out)
	}

	if ret := n.Child("return"); ret != nil {
		if d, ok := ret["distinct"].(bool); !ok || d {
			results = distinct(results)
		}
	}
	if s := n.Child("sort"); s != nil {
		if err := r.sortResults(lib, s, sc, results); err != nil {
			return nil, err
		}
	}

	if singleton {
		if len(results) == 0 {
			return nil, nil
		}
		return results[0], nil
	}
	if results == nil {
		results = []interface{}{}
	}
	return results, nil
}

func (r *run) relationships(lib *Library, n Node, sc *scope) (bool, error) {
	for _, rel := range n.Children("relationship") {
		v, err := r.eval(lib, rel.Child("expression"), sc)
		if err != nil {
			return false, err
		}
		items, ok := v.([]interface{})
		if !ok && v != nil {
			items = []interface{}{v}
		}
		found := false
		for _, item := range items {
			ok, err := r.eval(lib, rel.Child("suchThat"), sc.with(rel.String("alias"), item))
			if err != nil {
				return false, err
			}
			if b, _ := ok.(bool); b {
				found = true
				break
			}
		}
		switch rel.Type() {
		case "With":
			if !found {
				return false, nil
			}
		case "Without":
			if found {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unsupported ELM expression type: %s", rel.Type())
		}
	}
	return true, nil
}

func (r *run) sortResults(lib *Library, s Node, sc *scope, results []interface{}) error {
	by := s.Children("by")
	keys := make([][]interface{}, len(results))
	for i, item := range results {
		keys[i] = make([]interface{}, len(by))
		for j, b := range by {
			switch b.Type() {
			case "ByDirection":
				keys[i][j] = item
			case "ByColumn":
				keys[i][j] = getProperty(item, b.String("path"))
			case "ByExpression":
				v, err := r.eval(lib, b.Child("expression"), sc.with(thisAlias, item))
				if err != nil {
					return err
				}
				keys[i][j] = v
			default:
				return fmt.Errorf("unsupported ELM expression type: %s", b.Type())
			}
		}
	}
	idx := make([]int, len(results))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		for j, bn := range by {
			c := sortCompare(keys[idx[a]][j], keys[idx[b]][j])
			if c == 0 {
				continue
			}
			if strings.HasPrefix(bn.String("direction"), "desc") {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	sorted := make([]interface{}, len(results))
	for i, j := range idx {
		sorted[i] = results[j]
	}
	copy(results, sorted)
	return nil
}

// sortCompare orders nulls first and treats incomparable values as equal.
func sortCompare(a, b interface{}) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	c, ok := compare(a, b, 0)
	if !ok {
		return 0
	}
	return c
}
