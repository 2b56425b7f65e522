package restore

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/marmot-restore/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenamingMap(t *testing.T) {
	m, err := NewRenamingMap([]Element{
		{Type: ElementDatabase, Database: "db1", NewDatabase: "db2"},
		{Type: ElementTable, Database: "db3", Table: "t1", NewDatabase: "db4", NewTable: "t9"},
		{Type: ElementTemporaryTable, Table: "tmp", NewTable: "tmp2"},
		{Type: ElementEverything},
	})
	require.NoError(t, err)

	assert.Equal(t, "db2", m.NewDatabaseName("db1"))
	assert.Equal(t, "db5", m.NewDatabaseName("db5"))
	assert.Equal(t, qn("db2", "x"), m.NewTableName(qn("db1", "x")))
	assert.Equal(t, qn("db4", "t9"), m.NewTableName(qn("db3", "t1")))
	assert.Equal(t, qn("db3", "t2"), m.NewTableName(qn("db3", "t2")))
	assert.Equal(t,
		schema.QualifiedName{Database: schema.TemporaryDatabase, Table: "tmp2"},
		m.NewTableName(schema.QualifiedName{Database: schema.TemporaryDatabase, Table: "tmp"}))
}

func TestRenamingMapRejectsConflicts(t *testing.T) {
	tests := []struct {
		name     string
		elements []Element
	}{
		{"database renamed twice", []Element{
			{Type: ElementDatabase, Database: "db1", NewDatabase: "a"},
			{Type: ElementDatabase, Database: "db1", NewDatabase: "b"},
		}},
		{"two databases to one", []Element{
			{Type: ElementDatabase, Database: "db1", NewDatabase: "a"},
			{Type: ElementDatabase, Database: "db2", NewDatabase: "a"},
		}},
		{"two tables to one", []Element{
			{Type: ElementTable, Database: "db1", Table: "t1", NewTable: "x"},
			{Type: ElementTable, Database: "db1", Table: "t2", NewTable: "x"},
		}},
		{"table without name", []Element{{Type: ElementTable, Database: "db1"}}},
		{"database without name", []Element{{Type: ElementDatabase}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRenamingMap(tt.elements)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRequest))
		})
	}
}

func TestRenamingMapAllowsRepeatedElement(t *testing.T) {
	_, err := NewRenamingMap([]Element{
		{Type: ElementTable, Database: "db1", Table: "t1", Partitions: []string{"p0"}},
		{Type: ElementTable, Database: "db1", Table: "t1", Partitions: []string{"p1"}},
	})
	assert.NoError(t, err)
}

func TestParseCreationMode(t *testing.T) {
	for _, mode := range []CreationMode{CreateAlways, CreateIfNotExists, MustExist} {
		parsed, err := ParseCreationMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}

	parsed, err := ParseCreationMode("")
	require.NoError(t, err)
	assert.Equal(t, CreateAlways, parsed)

	_, err = ParseCreationMode("sometimes")
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestParseElementType(t *testing.T) {
	for _, typ := range []ElementType{ElementTable, ElementTemporaryTable, ElementDatabase, ElementEverything} {
		parsed, err := ParseElementType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}

	_, err := ParseElementType("schema")
	assert.Error(t, err)
}

func TestSettingsDefaults(t *testing.T) {
	s := Settings{}.withDefaults()
	assert.Equal(t, DefaultCreateTableTimeout, s.CreateTableTimeout)
	assert.Equal(t, DefaultInnerTablePatterns, s.InnerTablePatterns)
	assert.Equal(t, int64(300000), DefaultCreateTableTimeout.Milliseconds())

	assert.Equal(t, DefaultSettings().withDefaults(), DefaultSettings())
}
