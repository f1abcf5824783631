package access

// Prin is a concrete principal: a type name such as "u.uid", a value, and
// the generic the type belongs to.
type Prin struct {
	Type  string
	Value string
	Gen   string
}

// PrinID identifies a principal for graph and key purposes. Two principals
// of different types that share a generic and a value are the same
// principal.
type PrinID struct {
	Gen   string
	Value string
}

// ID returns the identity of p.
func (p Prin) ID() PrinID {
	return PrinID{Gen: p.Gen, Value: p.Value}
}

func (p Prin) String() string {
	return p.Type + " " + p.Value
}

// Less orders principals by generic, then value.
func (a PrinID) Less(b PrinID) bool {
	if a.Gen != b.Gen {
		return a.Gen < b.Gen
	}
	return a.Value < b.Value
}

func (a PrinID) String() string {
	return a.Gen + "/" + a.Value
}
