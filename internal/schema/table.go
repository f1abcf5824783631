package schema

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shalteor/edbcore/internal/errors"
)

// TableMeta is one table: its fields in declaration order and the bijection
// between index names and anonymized index names.
type TableMeta struct {
	Meta
	fieldNames    []string
	hasSensitive  bool
	hasSalt       bool
	saltName      string
	anonTableName string
	indexMap      map[string]string // index name -> anonymized name
	anonIndexMap  map[string]string // anonymized name -> index name
}

// NewTableMeta creates an empty table with fresh anonymized names.
func NewTableMeta(hasSensitive, hasSalt bool) *TableMeta {
	t, _ := newTableMeta("", hasSensitive, hasSalt, "tableSalt_"+randomName(), "table_"+randomName(), nil, nil)
	return t
}

func newTableMeta(id string, hasSensitive, hasSalt bool, saltName, anonTableName string,
	indexMap map[string]string, fieldNames []string) (*TableMeta, error) {
	t := &TableMeta{
		hasSensitive:  hasSensitive,
		hasSalt:       hasSalt,
		saltName:      saltName,
		anonTableName: anonTableName,
		indexMap:      make(map[string]string, len(indexMap)),
		anonIndexMap:  make(map[string]string, len(indexMap)),
		fieldNames:    append([]string(nil), fieldNames...),
	}
	for name, anon := range indexMap {
		if other, ok := t.anonIndexMap[anon]; ok {
			return nil, errors.New(errors.Conflict, "schema.newTableMeta",
				fmt.Sprintf("indexes %s and %s share anonymized name %s", other, name, anon))
		}
		t.indexMap[name] = anon
		t.anonIndexMap[anon] = name
	}
	t.init(t, id, kindString)
	return t, nil
}

// TypeName implements Node.
func (t *TableMeta) TypeName() string { return "tableMeta" }

// AnonTableName returns the anonymized table name.
func (t *TableMeta) AnonTableName() string { return t.anonTableName }

// HasSensitive reports whether the table holds sensitive fields.
func (t *TableMeta) HasSensitive() bool { return t.hasSensitive }

// HasSalt reports whether the table has a table-wide salt.
func (t *TableMeta) HasSalt() bool { return t.hasSalt }

// SaltName returns the table salt name.
func (t *TableMeta) SaltName() string { return t.saltName }

// FieldNames returns the field names in declaration order.
func (t *TableMeta) FieldNames() []string {
	return append([]string(nil), t.fieldNames...)
}

// Field returns the named field.
func (t *TableMeta) Field(name string) (*FieldMeta, error) {
	n, err := t.GetChild(NameKey(name))
	if err != nil {
		return nil, errors.Wrap(err, "schema.(TableMeta).Field")
	}
	return n.(*FieldMeta), nil
}

func (t *TableMeta) checkField(op errors.Op, key MetaKey, child Node) error {
	if child == nil {
		return errors.New(errors.InvalidOperation, op, "nil child")
	}
	f, ok := child.(*FieldMeta)
	if !ok {
		return errors.New(errors.InvalidOperation, op, fmt.Sprintf("table only owns fields, got %s", child.TypeName()))
	}
	if name, err := key.Name(); err != nil || name != f.Name() {
		return errors.New(errors.InvalidOperation, op, fmt.Sprintf("key %q does not match field %s", key, f.Name()))
	}
	return nil
}

// AddChild adds a field and appends it to the field order.
func (t *TableMeta) AddChild(key MetaKey, child Node) error {
	const op = "schema.(TableMeta).AddChild"
	if err := t.checkField(op, key, child); err != nil {
		return err
	}
	if err := t.Meta.AddChild(key, child); err != nil {
		return err
	}
	if t.fieldIndex(key.name) < 0 {
		t.fieldNames = append(t.fieldNames, key.name)
	}
	return nil
}

// ReplaceChild replaces a field in place, keeping its position.
func (t *TableMeta) ReplaceChild(key MetaKey, child Node) error {
	const op = "schema.(TableMeta).ReplaceChild"
	if err := t.checkField(op, key, child); err != nil {
		return err
	}
	return t.Meta.ReplaceChild(key, child)
}

// DestroyChild destroys a field and removes it from the field order.
func (t *TableMeta) DestroyChild(key MetaKey) error {
	if err := t.Meta.DestroyChild(key); err != nil {
		return err
	}
	if i := t.fieldIndex(key.name); i >= 0 {
		t.fieldNames = append(t.fieldNames[:i], t.fieldNames[i+1:]...)
	}
	return nil
}

func (t *TableMeta) fieldIndex(name string) int {
	for i, n := range t.fieldNames {
		if n == name {
			return i
		}
	}
	return -1
}

// missingFields lists ordered field names without a child.
func (t *TableMeta) missingFields() []string {
	var missing []string
	for _, name := range t.fieldNames {
		if _, ok := t.children[NameKey(name)]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// AddIndex registers an index and returns its new anonymized name, unique
// within the table.
func (t *TableMeta) AddIndex(name string) (string, error) {
	if _, ok := t.indexMap[name]; ok {
		return "", errors.New(errors.Conflict, "schema.(TableMeta).AddIndex", fmt.Sprintf("index %s already exists", name))
	}
	anon := "index_" + randomName()
	for {
		if _, taken := t.anonIndexMap[anon]; !taken {
			break
		}
		anon = "index_" + randomName()
	}
	t.indexMap[name] = anon
	t.anonIndexMap[anon] = name
	return anon, nil
}

// AnonIndexName returns the anonymized name of an index.
func (t *TableMeta) AnonIndexName(name string) (string, error) {
	anon, ok := t.indexMap[name]
	if !ok {
		return "", errors.New(errors.NotFound, "schema.(TableMeta).AnonIndexName", fmt.Sprintf("no index %s", name))
	}
	return anon, nil
}

// IndexName returns the index behind an anonymized name.
func (t *TableMeta) IndexName(anon string) (string, error) {
	name, ok := t.anonIndexMap[anon]
	if !ok {
		return "", errors.New(errors.NotFound, "schema.(TableMeta).IndexName", fmt.Sprintf("no anonymized index %s", anon))
	}
	return name, nil
}

// DestroyIndex removes an index in both directions.
func (t *TableMeta) DestroyIndex(name string) error {
	anon, ok := t.indexMap[name]
	if !ok {
		return errors.New(errors.NotFound, "schema.(TableMeta).DestroyIndex", fmt.Sprintf("no index %s", name))
	}
	delete(t.indexMap, name)
	delete(t.anonIndexMap, anon)
	return nil
}

// Indexes returns a copy of the index name -> anonymized name map.
func (t *TableMeta) Indexes() map[string]string {
	out := make(map[string]string, len(t.indexMap))
	for k, v := range t.indexMap {
		out[k] = v
	}
	return out
}

// IndexNames returns the index names in ascending order.
func (t *TableMeta) IndexNames() []string {
	out := make([]string, 0, len(t.indexMap))
	for k := range t.indexMap {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type tableSerial struct {
	HasSensitive  bool              `json:"has_sensitive"`
	HasSalt       bool              `json:"has_salt"`
	SaltName      string            `json:"salt_name"`
	AnonTableName string            `json:"anon_table_name"`
	IndexMap      map[string]string `json:"index_map"`
	FieldNames    []string          `json:"field_names"`
}

// Serialize implements Node. The field order is part of the table's own
// record so it survives a reload.
func (t *TableMeta) Serialize(_ Node) (string, error) {
	b, err := json.Marshal(tableSerial{
		HasSensitive:  t.hasSensitive,
		HasSalt:       t.hasSalt,
		SaltName:      t.saltName,
		AnonTableName: t.anonTableName,
		IndexMap:      t.indexMap,
		FieldNames:    t.fieldNames,
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize table: %w", err)
	}
	return string(b), nil
}

func deserializeTable(id, serial string) (*TableMeta, error) {
	var s tableSerial
	if err := json.Unmarshal([]byte(serial), &s); err != nil {
		return nil, fmt.Errorf("failed to deserialize table: %w", err)
	}
	return newTableMeta(id, s.HasSensitive, s.HasSalt, s.SaltName, s.AnonTableName, s.IndexMap, s.FieldNames)
}
