package schema

// TableSnapshot is a plain-value copy of a table and its subtree, in field
// order. It is what the CLI prints and what round-trip checks compare.
type TableSnapshot struct {
	Name         string
	AnonName     string
	HasSensitive bool
	HasSalt      bool
	SaltName     string
	Fields       []FieldSnapshot
	Indexes      map[string]string
}

// FieldSnapshot is a plain-value copy of a field.
type FieldSnapshot struct {
	Name     string
	Layout   OnionLayout
	HasSalt  bool
	SaltName string
	Onions   []OnionSnapshot
}

// OnionSnapshot is a plain-value copy of an onion.
type OnionSnapshot struct {
	Onion    Onion
	AnonName string
	Layers   []EncLayer
}

// Snapshot copies every table of s, ordered by table name.
func Snapshot(s *SchemaInfo) []TableSnapshot {
	var out []TableSnapshot
	for _, c := range s.Children() {
		t := c.Node.(*TableMeta)
		ts := TableSnapshot{
			Name:         c.Key.name,
			AnonName:     t.anonTableName,
			HasSensitive: t.hasSensitive,
			HasSalt:      t.hasSalt,
			SaltName:     t.saltName,
			Indexes:      t.Indexes(),
		}
		for _, name := range t.fieldNames {
			n, ok := t.children[NameKey(name)]
			if !ok {
				continue
			}
			f := n.(*FieldMeta)
			fs := FieldSnapshot{Name: f.fname, Layout: f.layout, HasSalt: f.hasSalt, SaltName: f.saltName}
			for _, om := range f.Onions() {
				fs.Onions = append(fs.Onions, OnionSnapshot{Onion: om.onion, AnonName: om.onionName, Layers: om.Layers()})
			}
			ts.Fields = append(ts.Fields, fs)
		}
		out = append(out, ts)
	}
	return out
}
