package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/shalteor/edbcore/internal/schema"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

// schemaFile declares tables to add to the stored schema:
//
//	tables:
//	  - name: users
//	    sensitive: true
//	    salt: true
//	    indexes: [users_by_name]
//	    fields:
//	      - {name: uid, layout: num}
//	      - {name: name, layout: str, salt: true, onions: {oDET: DET}}
type schemaFile struct {
	Tables []tableSpec `yaml:"tables"`
}

type tableSpec struct {
	Name      string      `yaml:"name"`
	Sensitive bool        `yaml:"sensitive"`
	Salt      bool        `yaml:"salt"`
	Indexes   []string    `yaml:"indexes"`
	Fields    []fieldSpec `yaml:"fields"`
}

type fieldSpec struct {
	Name   string            `yaml:"name"`
	Layout string            `yaml:"layout"`
	Salt   bool              `yaml:"salt"`
	Onions map[string]string `yaml:"onions"`
}

func parseSchemaFile(data []byte) (*schemaFile, error) {
	var f schemaFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parse schema file: %w", err)
	}
	return &f, nil
}

// build creates the table described by spec. Onion levels are reduced in
// name order.
func (spec tableSpec) build() (*schema.TableMeta, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("table without a name")
	}
	t := schema.NewTableMeta(spec.Sensitive, spec.Salt)
	for _, fs := range spec.Fields {
		layout, err := schema.ParseOnionLayout(fs.Layout)
		if err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", spec.Name, fs.Name, err)
		}
		f, err := schema.NewFieldMeta(fs.Name, layout, fs.Salt)
		if err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", spec.Name, fs.Name, err)
		}
		onions := make([]string, 0, len(fs.Onions))
		for o := range fs.Onions {
			onions = append(onions, o)
		}
		sort.Strings(onions)
		for _, name := range onions {
			o, err := schema.ParseOnion(name)
			if err != nil {
				return nil, fmt.Errorf("field %s.%s: %w", spec.Name, fs.Name, err)
			}
			level, err := schema.ParseSecLevel(fs.Onions[name])
			if err != nil {
				return nil, fmt.Errorf("field %s.%s: %w", spec.Name, fs.Name, err)
			}
			if _, err := f.SetOnionLevel(o, level); err != nil {
				return nil, fmt.Errorf("field %s.%s: %w", spec.Name, fs.Name, err)
			}
		}
		if err := t.AddChild(schema.NameKey(fs.Name), f); err != nil {
			return nil, fmt.Errorf("table %s: %w", spec.Name, err)
		}
	}
	for _, idx := range spec.Indexes {
		if _, err := t.AddIndex(idx); err != nil {
			return nil, fmt.Errorf("table %s: %w", spec.Name, err)
		}
	}
	return t, nil
}

// apply adds every table of f to root. Nothing is added if one fails.
func (f *schemaFile) apply(root *schema.SchemaInfo) error {
	tables := make([]*schema.TableMeta, 0, len(f.Tables))
	for _, spec := range f.Tables {
		t, err := spec.build()
		if err != nil {
			return err
		}
		tables = append(tables, t)
	}
	for i, t := range tables {
		if err := root.AddChild(schema.NameKey(f.Tables[i].Name), t); err != nil {
			for _, added := range f.Tables[:i] {
				_ = root.DestroyChild(schema.NameKey(added.Name))
			}
			return fmt.Errorf("table %s: %w", f.Tables[i].Name, err)
		}
	}
	return nil
}

func writeSchema(w io.Writer, root *schema.SchemaInfo) error {
	for _, t := range schema.Snapshot(root) {
		if _, err := fmt.Fprintf(w, "%s [%s] sensitive=%t salt=%t\n", t.Name, t.AnonName, t.HasSensitive, t.HasSalt); err != nil {
			return err
		}
		for _, f := range t.Fields {
			fmt.Fprintf(w, "  %s (%s)\n", f.Name, f.Layout)
			for _, o := range f.Onions {
				fmt.Fprintf(w, "    %s [%s]:", o.Onion, o.AnonName)
				for _, l := range o.Layers {
					fmt.Fprintf(w, " %s", l.Level)
				}
				fmt.Fprintln(w)
			}
		}
		names := make([]string, 0, len(t.Indexes))
		for n := range t.Indexes {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(w, "  index %s [%s]\n", n, t.Indexes[n])
		}
	}
	return nil
}

func newSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect and change the stored onion metadata",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print every stored table with its fields and onion levels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			root, err := e.loadSchema(cmd.Context())
			if err != nil {
				return err
			}
			defer root.Destroy()
			return writeSchema(cmd.OutOrStdout(), root)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add FILE",
		Short: "Add the tables declared in a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			f, err := parseSchemaFile(data)
			if err != nil {
				return err
			}
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			root, err := e.loadSchema(cmd.Context())
			if err != nil {
				return err
			}
			defer root.Destroy()
			if err := f.apply(root); err != nil {
				return err
			}
			if err := schema.SaveTree(cmd.Context(), e.meta, root); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %d tables\n", len(f.Tables))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "drop TABLE",
		Short: "Remove a table and its stored subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			root, err := e.loadSchema(cmd.Context())
			if err != nil {
				return err
			}
			defer root.Destroy()
			if err := root.DestroyChild(schema.NameKey(args[0])); err != nil {
				return err
			}
			return schema.SaveTree(cmd.Context(), e.meta, root)
		},
	})
	return cmd
}
