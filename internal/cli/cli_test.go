package cli

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDefinitions = `
views:
  - name: people
    from: FROM people
    filters:
      string: [name]
      comparison: [age]
loaders:
  - name: people
    view: people
    columns: [id, name, age]
    shape:
      fields:
        - {name: id, type: integer}
        - {name: name, type: string}
        - {name: age, type: integer, nullable: true}
    sortable:
      id: {}
      age: {nullable: true}
    scope:
      who: name
`

type fixture struct {
	dir         string
	definitions string
	config      string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "people.db")

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE people (id INTEGER PRIMARY KEY, name TEXT NOT NULL, age INTEGER);
		INSERT INTO people (id, name, age) VALUES
			(1, 'ann', 31),
			(2, 'bob', NULL),
			(3, 'cid', 45),
			(4, 'dan', 30);
	`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	f := fixture{
		dir:         dir,
		definitions: filepath.Join(dir, "definitions.yaml"),
		config:      filepath.Join(dir, "rowloader.yaml"),
	}
	require.NoError(t, os.WriteFile(f.definitions, []byte(testDefinitions), 0o600))
	cfg := "log:\n  level: error\ndatabase:\n  driver: sqlite\n  url: " + dbPath + "\nmetrics:\n  enabled: true\n"
	require.NoError(t, os.WriteFile(f.config, []byte(cfg), 0o600))
	return f
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestValidate(t *testing.T) {
	f := newFixture(t)

	out, _, err := execute(t, "-d", f.definitions, "validate")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"people","fields":["id","name","age"]}]`, out)

	out, _, err = execute(t, "-d", f.definitions, "--format", "text", "validate")
	require.NoError(t, err)
	assert.Equal(t, "people: [id name age]\nOK: 1 loader(s)\n", out)
}

func TestQuery_Placeholders(t *testing.T) {
	f := newFixture(t)
	where := `{"age":{"_gte":30}}`

	tests := []struct {
		name        string
		args        []string
		placeholder string
	}{
		{"postgres by default", []string{"-d", f.definitions}, "$1"},
		{"sqlite from config", []string{"-c", f.config, "-d", f.definitions}, "?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append(tt.args, "query", "people", "--where", where, "--order", "-age,id", "--take", "2", "--count")
			out, _, err := execute(t, args...)
			require.NoError(t, err)

			var res struct {
				Loader string `json:"loader"`
				Query  struct {
					SQL  string `json:"sql"`
					Args []any  `json:"args"`
				} `json:"query"`
				Count *struct {
					SQL string `json:"sql"`
				} `json:"count"`
			}
			require.NoError(t, json.Unmarshal([]byte(out), &res))
			assert.Equal(t, "people", res.Loader)
			assert.Contains(t, res.Query.SQL, "FROM people")
			assert.Contains(t, res.Query.SQL, tt.placeholder)
			assert.Contains(t, res.Query.Args, float64(30))
			require.NotNil(t, res.Count)
			assert.Contains(t, res.Count.SQL, "COUNT(*)")
		})
	}
}

func TestQuery_Text(t *testing.T) {
	f := newFixture(t)

	out, _, err := execute(t, "-c", f.config, "-d", f.definitions, "--format", "text", "query", "people", "--select", "id")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "SELECT"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "-- args:"), lines[1])
}

type pageOutput struct {
	Nodes    []map[string]any `json:"nodes"`
	PageInfo struct {
		HasNextPage     bool    `json:"hasNextPage"`
		HasPreviousPage bool    `json:"hasPreviousPage"`
		EndCursor       *string `json:"endCursor"`
		Count           *int64  `json:"count"`
	} `json:"pageInfo"`
}

func ids(nodes []map[string]any) []float64 {
	out := make([]float64, len(nodes))
	for i, n := range nodes {
		out[i] = n["id"].(float64)
	}
	return out
}

func TestLoad_Paginates(t *testing.T) {
	f := newFixture(t)
	base := []string{"-c", f.config, "-d", f.definitions, "load", "people",
		"--where", `{"age":{"_not_null":true}}`, "--order", "-age,id", "--take", "2", "--select", "id", "--count"}

	out, _, err := execute(t, base...)
	require.NoError(t, err)
	var first pageOutput
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	assert.Equal(t, []float64{3, 1}, ids(first.Nodes))
	assert.True(t, first.PageInfo.HasNextPage)
	assert.False(t, first.PageInfo.HasPreviousPage)
	require.NotNil(t, first.PageInfo.Count)
	assert.Equal(t, int64(3), *first.PageInfo.Count)
	require.NotNil(t, first.PageInfo.EndCursor)

	out, _, err = execute(t, append(base, "--cursor", *first.PageInfo.EndCursor)...)
	require.NoError(t, err)
	var second pageOutput
	require.NoError(t, json.Unmarshal([]byte(out), &second))
	assert.Equal(t, []float64{4}, ids(second.Nodes))
	assert.False(t, second.PageInfo.HasNextPage)
}

func TestLoad_RowsText(t *testing.T) {
	f := newFixture(t)

	out, stderr, err := execute(t, "-c", f.config, "-d", f.definitions, "--format", "text",
		"load", "people", "--rows", "--select", "id,name", "--where", `{"name":{"_like":"%a%"}}`, "--order", "id", "--metrics")
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":1,\"name\":\"ann\"}\n{\"id\":4,\"name\":\"dan\"}\n", out)
	assert.Contains(t, stderr, "rowloader_loader_calls_total")
}

func TestLoad_Scope(t *testing.T) {
	f := newFixture(t)

	out, _, err := execute(t, "-c", f.config, "-d", f.definitions, "--format", "text",
		"load", "people", "--rows", "--select", "id", "--order", "id", "--scope", "who=dan,ann")
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":1}\n{\"id\":4}\n", out)

	out, _, err = execute(t, "-c", f.config, "-d", f.definitions, "--format", "text",
		"load", "people", "--rows", "--select", "id", "--order", "id", "--scope", "admin")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 4)
}

func TestLoad_Snapshot(t *testing.T) {
	f := newFixture(t)
	cfg := filepath.Join(f.dir, "snapshot.yaml")
	data := "database:\n  driver: sqlite\n  url: " + filepath.Join(f.dir, "people.db") + "\n  snapshot: true\n"
	require.NoError(t, os.WriteFile(cfg, []byte(data), 0o600))

	out, _, err := execute(t, "-c", cfg, "-d", f.definitions, "load", "people", "--select", "id", "--order", "id", "--take", "1", "--count")
	require.NoError(t, err)
	var page pageOutput
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.NotNil(t, page.PageInfo.Count)
	assert.Equal(t, int64(4), *page.PageInfo.Count)
}

func TestLoad_PageText(t *testing.T) {
	f := newFixture(t)

	out, stderr, err := execute(t, "-c", f.config, "-d", f.definitions, "--format", "text",
		"load", "people", "--select", "id", "--order", "id", "--take", "1")
	require.NoError(t, err)
	assert.Equal(t, "{\"node\":{\"id\":1}}\n", out)
	assert.Contains(t, stderr, "rows=1 hasNext=true hasPrevious=false")
}

func TestCommandErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing definitions", []string{"validate"}, "--definitions is required"},
		{"bad format", []string{"-d", f.definitions, "--format", "xml", "validate"}, "invalid format"},
		{"unknown loader", []string{"-d", f.definitions, "query", "nobody"}, `unknown loader "nobody"`},
		{"bad where", []string{"-d", f.definitions, "query", "people", "--where", "{"}, "--where is not valid JSON"},
		{"bad after", []string{"-d", f.definitions, "query", "people", "--after", "[1"}, "--after"},
		{"bad scope", []string{"-d", f.definitions, "query", "people", "--scope", "who"}, "invalid scope entry"},
		{"unknown filter", []string{"-d", f.definitions, "query", "people", "--where", `{"nope":1}`}, "nope"},
		{"missing definitions file", []string{"-d", filepath.Join(f.dir, "missing.yaml"), "validate"}, "definitions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
