package database

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
)

const (
	markerUp   = "-- +migrate Up"
	markerDown = "-- +migrate Down"
	markerID   = "-- +migrate ID:"
)

var (
	errMissingUpSection  = errors.New("missing or empty Up section")
	errEmptyIDOverride   = errors.New("empty ID override")
	errDuplicateIDMarker = errors.New("duplicate ID override marker")
	errIDMarkerNotFirst  = errors.New("ID override marker must be the first marker")
)

// ParseMigrations reads *.sql files at the root of fsys, sorted by file name.
//
// Each file needs a "-- +migrate Up" section and may have a "-- +migrate Down"
// section. The id is the file name without extension unless the first marker
// is "-- +migrate ID: <id>".
func ParseMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var filenames []string
	for _, entry := range entries {
		if !entry.IsDir() && path.Ext(entry.Name()) == ".sql" {
			filenames = append(filenames, entry.Name())
		}
	}
	slices.Sort(filenames)

	migrations := make([]Migration, 0, len(filenames))
	for _, filename := range filenames {
		migration, err := parseMigrationFile(fsys, filename)
		if err != nil {
			return nil, fmt.Errorf("failed to parse migration %s: %w", filename, err)
		}
		migrations = append(migrations, migration)
	}

	return migrations, nil
}

type sqlFileParser struct {
	id         string
	idOverride bool
	seenMarker bool
	up, down   strings.Builder
	section    *strings.Builder
}

func (p *sqlFileParser) line(raw string) error {
	trimmed := strings.TrimSpace(raw)

	switch {
	case strings.HasPrefix(trimmed, markerID):
		if p.idOverride {
			return errDuplicateIDMarker
		}
		if p.seenMarker {
			return errIDMarkerNotFirst
		}
		id := strings.TrimSpace(strings.TrimPrefix(trimmed, markerID))
		if id == "" {
			return errEmptyIDOverride
		}
		p.id = id
		p.idOverride = true
		p.seenMarker = true
	case trimmed == markerUp:
		p.section = &p.up
		p.seenMarker = true
	case trimmed == markerDown:
		p.section = &p.down
		p.seenMarker = true
	case p.section != nil:
		p.section.WriteString(raw)
		p.section.WriteByte('\n')
	}
	return nil
}

func parseMigrationFile(fsys fs.FS, filename string) (Migration, error) {
	file, err := fsys.Open(filename)
	if err != nil {
		return Migration{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	p := &sqlFileParser{id: strings.TrimSuffix(filename, ".sql")}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if err := p.line(scanner.Text()); err != nil {
			return Migration{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return Migration{}, fmt.Errorf("failed to read file: %w", err)
	}

	up := strings.TrimSpace(p.up.String())
	if up == "" {
		return Migration{}, errMissingUpSection
	}

	return Migration{ID: p.id, Up: up, Down: strings.TrimSpace(p.down.String())}, nil
}
