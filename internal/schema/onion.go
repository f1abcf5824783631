package schema

import (
	"encoding/json"
	"fmt"

	"github.com/shalteor/edbcore/internal/errors"
)

// EncLayer describes one reversible encryption layer of an onion.
type EncLayer struct {
	Level SecLevel `json:"level"`
	Name  string   `json:"name"`
}

// OnionMeta is one onion of a field: a stack of layers, lowest first. The
// current security level is the level of the last layer. OnionMeta never
// has children.
type OnionMeta struct {
	Meta
	onion     Onion
	onionName string
	layers    []EncLayer
}

// NewOnionMeta builds an onion with one layer per level. Levels must be
// strictly increasing from the plaintext boundary outwards.
func NewOnionMeta(o Onion, levels []SecLevel) (*OnionMeta, error) {
	layers := make([]EncLayer, 0, len(levels))
	for _, l := range levels {
		layers = append(layers, EncLayer{Level: l, Name: l.String()})
	}
	return newOnionMeta("", o, randomName()+o.String(), layers)
}

func newOnionMeta(id string, o Onion, name string, layers []EncLayer) (*OnionMeta, error) {
	const op = "schema.NewOnionMeta"
	if len(layers) == 0 {
		return nil, errors.New(errors.InvalidOperation, op, fmt.Sprintf("onion %s has no layers", o))
	}
	for i := 1; i < len(layers); i++ {
		if layers[i].Level <= layers[i-1].Level {
			return nil, errors.New(errors.InvalidOperation, op,
				fmt.Sprintf("onion %s layers are not monotonic: %s above %s", o, layers[i].Level, layers[i-1].Level))
		}
	}
	om := &OnionMeta{
		onion:     o,
		onionName: name,
		layers:    append([]EncLayer(nil), layers...),
	}
	om.init(om, id, kindNone)
	return om, nil
}

// TypeName implements Node.
func (o *OnionMeta) TypeName() string { return "onionMeta" }

// Onion returns the onion tag.
func (o *OnionMeta) Onion() Onion { return o.onion }

// AnonOnionName returns the anonymized column name of the onion.
func (o *OnionMeta) AnonOnionName() string { return o.onionName }

// Layers returns a copy of the layer stack, lowest first.
func (o *OnionMeta) Layers() []EncLayer {
	return append([]EncLayer(nil), o.layers...)
}

// SecLevel returns the level of the strongest remaining layer, or
// SecLevelInvalid when the stack is empty.
func (o *OnionMeta) SecLevel() SecLevel {
	if len(o.layers) == 0 {
		return SecLevelInvalid
	}
	return o.layers[len(o.layers)-1].Level
}

// ReduceTo pops layers until the top layer is at target and reports whether
// anything was popped. Callers check SecLevel() > target first. A target that
// is not in the stack would pop every layer; that is refused with
// InvalidOperation and the stack is left untouched.
func (o *OnionMeta) ReduceTo(target SecLevel) (bool, error) {
	if len(o.layers) == 0 {
		return false, nil
	}
	n := len(o.layers)
	for n > 0 && o.layers[n-1].Level != target {
		n--
	}
	if n == 0 {
		return false, errors.New(errors.InvalidOperation, "schema.(OnionMeta).ReduceTo",
			fmt.Sprintf("onion %s has no %s layer", o.onion, target))
	}
	popped := n != len(o.layers)
	o.layers = o.layers[:n]
	return popped, nil
}

// AddChild always fails: onions are leaves.
func (o *OnionMeta) AddChild(key MetaKey, _ Node) error {
	return errors.New(errors.InvalidOperation, "schema.(OnionMeta).AddChild",
		fmt.Sprintf("onion %s cannot own child %q", o.onion, key))
}

// Destroy drops the layer stack.
func (o *OnionMeta) Destroy() {
	o.layers = nil
	o.Meta.Destroy()
}

type onionSerial struct {
	Onion  string     `json:"onion"`
	Name   string     `json:"name"`
	Layers []EncLayer `json:"layers"`
}

// Serialize implements Node.
func (o *OnionMeta) Serialize(_ Node) (string, error) {
	b, err := json.Marshal(onionSerial{Onion: o.onion.String(), Name: o.onionName, Layers: o.layers})
	if err != nil {
		return "", fmt.Errorf("failed to serialize onion: %w", err)
	}
	return string(b), nil
}

func deserializeOnion(id, serial string) (*OnionMeta, error) {
	var s onionSerial
	if err := json.Unmarshal([]byte(serial), &s); err != nil {
		return nil, fmt.Errorf("failed to deserialize onion: %w", err)
	}
	o, err := ParseOnion(s.Onion)
	if err != nil {
		return nil, err
	}
	return newOnionMeta(id, o, s.Name, s.Layers)
}
