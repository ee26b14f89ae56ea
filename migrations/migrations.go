// Package migrations embeds the SQL schema applied by cmd/migrate.
package migrations

import (
	"embed"
	"io/fs"
	"sort"
)

//go:embed *.sql
var files embed.FS

// Migration is one schema file
type Migration struct {
	Name string
	SQL  string
}

// All returns the embedded migrations in lexical order
func All() ([]Migration, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		content, err := files.ReadFile(name)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{Name: name, SQL: string(content)})
	}
	return migrations, nil
}
