package cql

import (
	"encoding/json"
	"fmt"
)

// Node is one decoded ELM expression. Its "type" key selects the operator.
type Node map[string]interface{}

// Type returns the ELM node type, e.g. "Retrieve" or "ExpressionRef".
func (n Node) Type() string {
	t, _ := n["type"].(string)
	return t
}

func (n Node) String(key string) string {
	s, _ := n[key].(string)
	return s
}

func (n Node) Child(key string) Node {
	return asNode(n[key])
}

// Children returns key as a list of nodes. A single object is returned as a
// one-element list.
func (n Node) Children(key string) []Node {
	switch v := n[key].(type) {
	case []interface{}:
		out := make([]Node, 0, len(v))
		for _, item := range v {
			if c := asNode(item); c != nil {
				out = append(out, c)
			}
		}
		return out
	case map[string]interface{}:
		return []Node{Node(v)}
	}
	return nil
}

func asNode(v interface{}) Node {
	switch m := v.(type) {
	case map[string]interface{}:
		return Node(m)
	case Node:
		return m
	}
	return nil
}

type Identifier struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

type Using struct {
	LocalIdentifier string `json:"localIdentifier"`
	URI             string `json:"uri,omitempty"`
	URL             string `json:"url,omitempty"`
	Version         string `json:"version,omitempty"`
}

type Include struct {
	LocalIdentifier string `json:"localIdentifier"`
	Path            string `json:"path"`
	Version         string `json:"version,omitempty"`
}

type ParameterDef struct {
	Name    string `json:"name"`
	Default Node   `json:"default,omitempty"`
}

type ValueSetDef struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

type CodeSystemDef struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

type CodeDef struct {
	Name       string `json:"name"`
	ID         string `json:"id"`
	Display    string `json:"display,omitempty"`
	CodeSystem struct {
		Name string `json:"name"`
	} `json:"codeSystem"`
}

type ConceptDef struct {
	Name    string `json:"name"`
	Display string `json:"display,omitempty"`
	Code    []struct {
		Name        string `json:"name"`
		LibraryName string `json:"libraryName,omitempty"`
	} `json:"code"`
}

type OperandDef struct {
	Name string `json:"name"`
}

type StatementDef struct {
	Name        string       `json:"name"`
	Context     string       `json:"context,omitempty"`
	AccessLevel string       `json:"accessLevel,omitempty"`
	Type        string       `json:"type,omitempty"`
	External    bool         `json:"external,omitempty"`
	Operand     []OperandDef `json:"operand,omitempty"`
	Expression  Node         `json:"expression,omitempty"`
}

// IsFunction reports whether the statement is a FunctionDef.
func (s StatementDef) IsFunction() bool {
	return s.Type == "FunctionDef"
}

type defList[T any] struct {
	Def []T `json:"def"`
}

type elmLibrary struct {
	Identifier  Identifier             `json:"identifier"`
	Usings      defList[Using]         `json:"usings"`
	Includes    defList[Include]       `json:"includes"`
	Parameters  defList[ParameterDef]  `json:"parameters"`
	CodeSystems defList[CodeSystemDef] `json:"codeSystems"`
	ValueSets   defList[ValueSetDef]   `json:"valueSets"`
	Codes       defList[CodeDef]       `json:"codes"`
	Concepts    defList[ConceptDef]    `json:"concepts"`
	Statements  defList[StatementDef]  `json:"statements"`
}

// Resolver finds libraries by identifier; an empty version means latest.
type Resolver interface {
	Resolve(id, version string) (*Library, bool)
}

// Library is a compiled ELM library. It is immutable after parsing apart from
// the resolver binding used to look up its includes.
type Library struct {
	Identifier  Identifier
	Usings      []Using
	Includes    []Include
	Parameters  []ParameterDef
	CodeSystems []CodeSystemDef
	ValueSets   []ValueSetDef
	Codes       []CodeDef
	Concepts    []ConceptDef
	Statements  []StatementDef

	// Source is the decoded JSON document, kept for content comparison and
	// static analysis.
	Source map[string]interface{}

	resolver Resolver
}

// ParseLibrary decodes an ELM JSON document of the form {"library": {...}}.
func ParseLibrary(data []byte) (*Library, error) {
	var doc struct {
		Library *elmLibrary `json:"library"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode ELM: %w", err)
	}
	if doc.Library == nil {
		return nil, fmt.Errorf("decode ELM: missing library element")
	}
	if doc.Library.Identifier.ID == "" {
		return nil, fmt.Errorf("decode ELM: library identifier has no id")
	}
	var source map[string]interface{}
	if err := json.Unmarshal(data, &source); err != nil {
		return nil, fmt.Errorf("decode ELM: %w", err)
	}
	l := doc.Library
	return &Library{
		Identifier:  l.Identifier,
		Usings:      l.Usings.Def,
		Includes:    l.Includes.Def,
		Parameters:  l.Parameters.Def,
		CodeSystems: l.CodeSystems.Def,
		ValueSets:   l.ValueSets.Def,
		Codes:       l.Codes.Def,
		Concepts:    l.Concepts.Def,
		Statements:  l.Statements.Def,
		Source:      source,
	}, nil
}

// Bind attaches the resolver used for include lookups.
func (l *Library) Bind(r Resolver) {
	l.resolver = r
}

func (l *Library) Name() string { return l.Identifier.ID }

func (l *Library) Version() string { return l.Identifier.Version }

// FHIRUsing returns the FHIR data-model using declaration, if any.
func (l *Library) FHIRUsing() (Using, bool) {
	for _, u := range l.Usings {
		if u.URL == "http://hl7.org/fhir" || u.URI == "http://hl7.org/fhir" || u.LocalIdentifier == "FHIR" {
			return u, true
		}
	}
	return Using{}, false
}

func (l *Library) Statement(name string) (StatementDef, bool) {
	for _, s := range l.Statements {
		if s.Name == name && !s.IsFunction() {
			return s, true
		}
	}
	return StatementDef{}, false
}

// Function finds a FunctionDef by name and arity.
func (l *Library) Function(name string, arity int) (StatementDef, bool) {
	for _, s := range l.Statements {
		if s.Name == name && s.IsFunction() && len(s.Operand) == arity {
			return s, true
		}
	}
	return StatementDef{}, false
}

// Definition finds any statement by name, functions included.
func (l *Library) Definition(name string) (StatementDef, bool) {
	for _, s := range l.Statements {
		if s.Name == name {
			return s, true
		}
	}
	return StatementDef{}, false
}

func (l *Library) Include(localName string) (Include, bool) {
	for _, inc := range l.Includes {
		if inc.LocalIdentifier == localName {
			return inc, true
		}
	}
	return Include{}, false
}

// Included resolves an include by its local identifier.
func (l *Library) Included(localName string) (*Library, error) {
	inc, ok := l.Include(localName)
	if !ok {
		return nil, fmt.Errorf("library %s has no include named %s", l.Name(), localName)
	}
	if l.resolver == nil {
		return nil, fmt.Errorf("library %s is not bound to a resolver", l.Name())
	}
	lib, ok := l.resolver.Resolve(inc.Path, inc.Version)
	if !ok {
		return nil, fmt.Errorf("included library %s version %s not found", inc.Path, inc.Version)
	}
	return lib, nil
}

// isFHIRHelpers reports whether an include local name points at FHIRHelpers.
func (l *Library) isFHIRHelpers(localName string) bool {
	inc, ok := l.Include(localName)
	return ok && inc.Path == "FHIRHelpers"
}

// MapResolver is a Resolver over a fixed set of libraries.
type MapResolver map[string]*Library

// NewMapResolver binds every library to the returned resolver.
func NewMapResolver(libs ...*Library) MapResolver {
	m := IndexLibraries(libs...)
	for _, l := range libs {
		l.Bind(m)
	}
	return m
}

// IndexLibraries returns a resolver over libs without rebinding them, for
// lookups over libraries that may be in use concurrently.
func IndexLibraries(libs ...*Library) MapResolver {
	m := MapResolver{}
	for _, l := range libs {
		m[l.Name()+"|"+l.Version()] = l
		if _, ok := m[l.Name()+"|"]; !ok {
			m[l.Name()+"|"] = l
		}
	}
	return m
}

func (m MapResolver) Resolve(id, version string) (*Library, bool) {
	l, ok := m[id+"|"+version]
	return l, ok
}
