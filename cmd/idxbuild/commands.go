// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/ddl"
	"github.com/relstore/idxbuild/pkg/types"
	"github.com/spf13/cobra"
)

const (
	flagTable   = "table"
	flagIndex   = "index"
	flagFields  = "fields"
	flagToast   = "toast"
	flagRows    = "rows"
	flagColumns = "columns"
	flagInclude = "include"
	flagUnique  = "unique"
	flagPrimary = "primary"
)

// parseFields parses "name:type[:notnull],..." where type is int or string.
func parseFields(s string) ([]ddl.FieldDef, error) {
	var fields []ddl.FieldDef
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		elems := strings.Split(part, ":")
		if len(elems) < 2 || len(elems) > 3 {
			return nil, errors.Errorf("invalid field %q, want name:type[:notnull]", part)
		}
		f := ddl.FieldDef{Name: elems[0]}
		switch strings.ToLower(elems[1]) {
		case "int":
			f.Type.Tp = types.KindInt64
		case "string":
			f.Type.Tp = types.KindString
		default:
			return nil, errors.Errorf("unknown type %q of field %s", elems[1], elems[0])
		}
		if len(elems) == 3 {
			if !strings.EqualFold(elems[2], "notnull") {
				return nil, errors.Errorf("unknown option %q of field %s", elems[2], elems[0])
			}
			f.Type.NotNull = true
		}
		fields = append(fields, f)
	}
	if len(fields) == 0 {
		return nil, errors.New("no fields")
	}
	return fields, nil
}

// splitList splits a comma separated list, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// generatedRow returns row i of a generated table: ints count up, strings
// are derived from i.
func generatedRow(fields []ddl.FieldDef, i int) []types.Datum {
	row := make([]types.Datum, len(fields))
	for c, f := range fields {
		switch f.Type.Tp {
		case types.KindInt64:
			row[c] = types.NewIntDatum(int64(i*(c+1)) % 1000003)
		default:
			row[c] = types.NewStringDatum(fmt.Sprintf("%s-%08d", f.Name, i))
		}
	}
	return row
}

func newCreateTableCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-table",
		Short: "create a table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString(flagTable)
			spec, _ := cmd.Flags().GetString(flagFields)
			withToast, _ := cmd.Flags().GetBool(flagToast)
			fields, err := parseFields(spec)
			if err != nil {
				return err
			}
			return runWithEngine(cmd, func(_ context.Context, e *ddl.Engine) error {
				tbl, err := e.CreateTable(name, fields, withToast)
				if err != nil {
					return err
				}
				cmd.Printf("created table %s %s\n", tbl.Name, tbl.OIDs)
				return nil
			})
		},
	}
	cmd.Flags().String(flagTable, "", "table name")
	cmd.Flags().String(flagFields, "", "fields as name:type[:notnull],... with type int or string")
	cmd.Flags().Bool(flagToast, true, "store large values out of line")
	_ = cmd.MarkFlagRequired(flagTable)
	_ = cmd.MarkFlagRequired(flagFields)
	return cmd
}

func newLoadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "insert generated rows into a table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString(flagTable)
			n, _ := cmd.Flags().GetInt(flagRows)
			return runWithEngine(cmd, func(ctx context.Context, e *ddl.Engine) error {
				tbl, err := e.Catalog().FindTableByName(name)
				if err != nil {
					return err
				}
				fields := make([]ddl.FieldDef, len(tbl.Fields))
				for i, f := range tbl.Fields {
					fields[i] = ddl.FieldDef{Name: f.Name, Type: f.FieldType}
				}
				const batch = 1000
				for start := 0; start < n; start += batch {
					if err := ctx.Err(); err != nil {
						return errors.Trace(err)
					}
					rows := make([][]types.Datum, 0, batch)
					for i := start; i < min(start+batch, n); i++ {
						rows = append(rows, generatedRow(fields, i))
					}
					if _, err := e.Insert(name, rows...); err != nil {
						return err
					}
				}
				cmd.Printf("inserted %d rows into %s\n", n, name)
				return nil
			})
		},
	}
	cmd.Flags().String(flagTable, "", "table name")
	cmd.Flags().Int(flagRows, 10000, "number of rows")
	_ = cmd.MarkFlagRequired(flagTable)
	return cmd
}

func newCreateIndexCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-index",
		Short: "build an index on a table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			def := &ddl.IndexDefinition{}
			tableName, _ := flags.GetString(flagTable)
			def.Name, _ = flags.GetString(flagIndex)
			columns, _ := flags.GetString(flagColumns)
			include, _ := flags.GetString(flagInclude)
			def.Columns = splitList(columns)
			def.Include = splitList(include)
			def.Unique, _ = flags.GetBool(flagUnique)
			def.Primary, _ = flags.GetBool(flagPrimary)
			return runWithEngine(cmd, func(ctx context.Context, e *ddl.Engine) error {
				ix, err := e.CreateIndex(ctx, nil, tableName, def)
				if err != nil {
					return err
				}
				cmd.Printf("created %s index %s %s with %d tuples\n", ix.Type, ix.Name, ix.OIDs, ix.RowCount)
				return nil
			})
		},
	}
	cmd.Flags().String(flagTable, "", "table name")
	cmd.Flags().String(flagIndex, "", "index name, chosen from the columns when empty")
	cmd.Flags().String(flagColumns, "", "comma separated key columns")
	cmd.Flags().String(flagInclude, "", "comma separated included columns")
	cmd.Flags().Bool(flagUnique, false, "reject duplicate keys")
	cmd.Flags().Bool(flagPrimary, false, "build the primary key, rebuilding the table")
	_ = cmd.MarkFlagRequired(flagTable)
	_ = cmd.MarkFlagRequired(flagColumns)
	return cmd
}

func newDropIndexCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drop-index",
		Short: "drop an index of a table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tableName, _ := cmd.Flags().GetString(flagTable)
			indexName, _ := cmd.Flags().GetString(flagIndex)
			return runWithEngine(cmd, func(ctx context.Context, e *ddl.Engine) error {
				if err := e.DropIndex(ctx, nil, tableName, indexName); err != nil {
					return err
				}
				cmd.Printf("dropped index %s\n", indexName)
				return nil
			})
		},
	}
	cmd.Flags().String(flagTable, "", "table name")
	cmd.Flags().String(flagIndex, "", "index name")
	_ = cmd.MarkFlagRequired(flagTable)
	_ = cmd.MarkFlagRequired(flagIndex)
	return cmd
}

func newReindexCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "rebuild an index into a fresh file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tableName, _ := cmd.Flags().GetString(flagTable)
			indexName, _ := cmd.Flags().GetString(flagIndex)
			return runWithEngine(cmd, func(ctx context.Context, e *ddl.Engine) error {
				if err := e.ReindexIndex(ctx, nil, tableName, indexName); err != nil {
					return err
				}
				cmd.Printf("reindexed %s\n", indexName)
				return nil
			})
		},
	}
	cmd.Flags().String(flagTable, "", "table name")
	cmd.Flags().String(flagIndex, "", "index name")
	_ = cmd.MarkFlagRequired(flagTable)
	_ = cmd.MarkFlagRequired(flagIndex)
	return cmd
}

func newCheckpointCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "stamp published files and report files out of sync with the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithEngine(cmd, func(_ context.Context, e *ddl.Engine) error {
				snap, err := e.Checkpoint()
				if err != nil {
					return err
				}
				cmd.Printf("checkpoint %d: %d files, orphans %v, unpublished %v\n",
					snap.Num, len(snap.Files), snap.Orphans, snap.Unpublished)
				return nil
			})
		},
	}
}
