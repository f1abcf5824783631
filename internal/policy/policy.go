// Package policy loads the access statements that build a principal graph.
//
// A policy file lists equals, access and gives statements:
//
//	equals:
//	  - [u.uid, m.uid]
//	access:
//	  - [u.uid, g.gid]
//	gives:
//	  - u.uid
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Policy is a parsed policy file.
type Policy struct {
	Equals [][2]string `yaml:"equals"`
	Access [][2]string `yaml:"access"`
	Gives  []string    `yaml:"gives"`
}

// Builder receives policy statements; *access.Graph implements it.
type Builder interface {
	AddEquals(p1, p2 string) error
	AddAccess(hasAccess, accessTo string) error
	AddGives(prin string) error
}

// Parse decodes a policy document.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.UnmarshalStrict(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return &p, nil
}

// Load reads and parses the policy file at path.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Parse(data)
}

// Apply feeds the statements to b: equals first, then access, then gives.
func (p *Policy) Apply(b Builder) error {
	for _, e := range p.Equals {
		if err := b.AddEquals(e[0], e[1]); err != nil {
			return fmt.Errorf("equals %s %s: %w", e[0], e[1], err)
		}
	}
	for _, a := range p.Access {
		if err := b.AddAccess(a[0], a[1]); err != nil {
			return fmt.Errorf("access %s -> %s: %w", a[0], a[1], err)
		}
	}
	for _, g := range p.Gives {
		if err := b.AddGives(g); err != nil {
			return fmt.Errorf("gives %s: %w", g, err)
		}
	}
	return nil
}
