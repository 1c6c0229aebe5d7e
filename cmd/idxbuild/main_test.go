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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/relstore/idxbuild/pkg/types"
	"github.com/relstore/idxbuild/pkg/util/dbterror"
	"github.com/stretchr/testify/require"
)

func TestParseFields(t *testing.T) {
	fields, err := parseFields("id:int:notnull, val:INT,name:string")
	require.NoError(t, err)
	require.Len(t, fields, 3)
	require.Equal(t, "id", fields[0].Name)
	require.Equal(t, types.KindInt64, fields[0].Type.Tp)
	require.True(t, fields[0].Type.NotNull)
	require.False(t, fields[1].Type.NotNull)
	require.Equal(t, types.KindString, fields[2].Type.Tp)

	for _, bad := range []string{"", "id", "id:float", "id:int:nullable", "a:b:c:d"} {
		_, err := parseFields(bad)
		require.Error(t, err, bad)
	}
	require.Equal(t, []string{"a", "b"}, splitList(" a,,b ,"))
	require.Nil(t, splitList(""))
}

func runRoot(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	conf := filepath.Join(dir, "idxbuild.toml")
	require.NoError(t, os.WriteFile(conf, []byte(`
path = "`+filepath.Join(dir, "data")+`"

[log]
level = "warn"

[build]
parallel-workers = 2
maintenance-work-mem = "1MiB"
temp-dir = "`+dir+`"
`), 0o644))

	out, err := runRoot(t, "create-table", "-C", conf, "--table", "t", "--fields", "id:int:notnull,val:int,name:string")
	require.NoError(t, err)
	require.Contains(t, out, "created table t")

	out, err = runRoot(t, "load", "-C", conf, "--table", "t", "--rows", "2500")
	require.NoError(t, err)
	require.Contains(t, out, "inserted 2500 rows")

	out, err = runRoot(t, "create-index", "-C", conf, "--table", "t", "--columns", "name", "--include", "val")
	require.NoError(t, err)
	require.Contains(t, out, "t_name_val_idx")
	require.Contains(t, out, "with 2500 tuples")

	out, err = runRoot(t, "create-index", "-C", conf, "--table", "t", "--columns", "id", "--primary", "--workers", "0")
	require.NoError(t, err)
	require.Contains(t, out, "t_id_pkey")

	_, err = runRoot(t, "reindex", "-C", conf, "--table", "t", "--index", "t_name_val_idx")
	require.NoError(t, err)
	_, err = runRoot(t, "drop-index", "-C", conf, "--table", "t", "--index", "t_id_pkey")
	require.NoError(t, err)

	out, err = runRoot(t, "checkpoint", "-C", conf)
	require.NoError(t, err)
	require.Contains(t, out, "orphans [], unpublished []")

	_, err = runRoot(t, "drop-index", "-C", conf, "--table", "t", "--index", "t_id_pkey")
	require.True(t, dbterror.ErrIndexNotExists.Equal(err))
}

func TestLoadConfigRequiresPath(t *testing.T) {
	_, err := runRoot(t, "checkpoint")
	require.ErrorContains(t, err, "storage path is not set")

	dir := t.TempDir()
	_, err = runRoot(t, "checkpoint", "--path", dir, "-L", "loud")
	require.True(t, dbterror.ErrInvalidConfig.Equal(err))
}
