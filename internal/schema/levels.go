package schema

import (
	"fmt"

	"github.com/shalteor/edbcore/internal/errors"
)

// Onion names one onion of a column.
type Onion uint8

const (
	OnionInvalid Onion = iota
	OnionDET
	OnionOPE
	OnionAGG
	OnionSWP
	OnionPLAIN
)

var onionText = map[Onion]string{
	OnionInvalid: "oINVALID",
	OnionDET:     "oDET",
	OnionOPE:     "oOPE",
	OnionAGG:     "oAGG",
	OnionSWP:     "oSWP",
	OnionPLAIN:   "oPLAIN",
}

func (o Onion) String() string {
	if s, ok := onionText[o]; ok {
		return s
	}
	return fmt.Sprintf("onion(%d)", uint8(o))
}

// ParseOnion is the inverse of Onion.String.
func ParseOnion(s string) (Onion, error) {
	for o, text := range onionText {
		if text == s && o != OnionInvalid {
			return o, nil
		}
	}
	return OnionInvalid, errors.New(errors.NotFound, "schema.ParseOnion", fmt.Sprintf("unknown onion %q", s))
}

// SecLevel is the security level of one encryption layer. Higher values are
// stronger; SecLevelInvalid is the sentinel for "no level".
type SecLevel uint8

const (
	SecLevelInvalid SecLevel = iota
	SecLevelPlainVal
	SecLevelOPE
	SecLevelDETJoin
	SecLevelDET
	SecLevelSearch
	SecLevelHOM
	SecLevelRND
)

var secLevelText = map[SecLevel]string{
	SecLevelInvalid:  "INVALID",
	SecLevelPlainVal: "PLAINVAL",
	SecLevelOPE:      "OPE",
	SecLevelDETJoin:  "DETJOIN",
	SecLevelDET:      "DET",
	SecLevelSearch:   "SEARCH",
	SecLevelHOM:      "HOM",
	SecLevelRND:      "RND",
}

func (l SecLevel) String() string {
	if s, ok := secLevelText[l]; ok {
		return s
	}
	return fmt.Sprintf("seclevel(%d)", uint8(l))
}

// ParseSecLevel is the inverse of SecLevel.String.
func ParseSecLevel(s string) (SecLevel, error) {
	for l, text := range secLevelText {
		if text == s && l != SecLevelInvalid {
			return l, nil
		}
	}
	return SecLevelInvalid, errors.New(errors.NotFound, "schema.ParseSecLevel", fmt.Sprintf("unknown security level %q", s))
}

// OnionLayout classifies which onions a field carries and the layers of each,
// lowest layer first.
type OnionLayout uint8

const (
	LayoutPlain OnionLayout = iota
	LayoutNum
	LayoutStr
)

func (l OnionLayout) String() string {
	switch l {
	case LayoutPlain:
		return "PLAIN_ONION_LAYOUT"
	case LayoutNum:
		return "NUM_ONION_LAYOUT"
	case LayoutStr:
		return "STR_ONION_LAYOUT"
	default:
		return fmt.Sprintf("layout(%d)", uint8(l))
	}
}

// ParseOnionLayout accepts "plain", "num" and "str".
func ParseOnionLayout(s string) (OnionLayout, error) {
	switch s {
	case "plain":
		return LayoutPlain, nil
	case "num":
		return LayoutNum, nil
	case "str":
		return LayoutStr, nil
	}
	return LayoutPlain, errors.New(errors.NotFound, "schema.ParseOnionLayout", fmt.Sprintf("unknown onion layout %q", s))
}

var layouts = map[OnionLayout]map[Onion][]SecLevel{
	LayoutPlain: {
		OnionPLAIN: {SecLevelPlainVal},
	},
	LayoutNum: {
		OnionDET: {SecLevelDETJoin, SecLevelDET, SecLevelRND},
		OnionOPE: {SecLevelOPE, SecLevelRND},
		OnionAGG: {SecLevelHOM},
	},
	LayoutStr: {
		OnionDET: {SecLevelDETJoin, SecLevelDET, SecLevelRND},
		OnionOPE: {SecLevelOPE, SecLevelRND},
		OnionSWP: {SecLevelSearch},
	},
}

// Levels returns the layer levels of onion o in layout l, lowest first, or
// nil when the layout has no such onion.
func (l OnionLayout) Levels(o Onion) []SecLevel {
	levels := layouts[l][o]
	if levels == nil {
		return nil
	}
	out := make([]SecLevel, len(levels))
	copy(out, levels)
	return out
}

// Onions returns the onions of layout l in ascending order.
func (l OnionLayout) Onions() []Onion {
	var out []Onion
	for o := OnionDET; o <= OnionPLAIN; o++ {
		if _, ok := layouts[l][o]; ok {
			out = append(out, o)
		}
	}
	return out
}
