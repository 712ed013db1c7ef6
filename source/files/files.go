package files

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/root-talis/henkadb/migration"
	"github.com/root-talis/henkadb/source"
)

const (
	versionLength = 14
	upSuffix      = ".up.sql"
	downSuffix    = ".down.sql"
)

var ErrMigrationsDirectoryIsNotADirectory = errors.New("migrationsDirectory is not a directory")

// filesSource reads V<version>_<name>.up.sql and V<version>_<name>.down.sql
// files from a single directory.
type filesSource struct {
	fs            fs.FS
	migrationsDir string
}

func NewFilesSource(fsys fs.FS, migrationsDirectory string) (source.Source, error) {
	stat, err := fs.Stat(fsys, migrationsDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to stat migrations directory: %w", err)
	}

	if !stat.IsDir() {
		return nil, ErrMigrationsDirectoryIsNotADirectory
	}

	return &filesSource{
		fs:            fsys,
		migrationsDir: migrationsDirectory,
	}, nil
}

type scripts struct {
	migration.Migration
	up   string
	down string
}

func (src *filesSource) Units() ([]migration.Unit, error) {
	dirEntries, err := fs.ReadDir(src.fs, src.migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read contents of migrations directory: %w", err)
	}

	// find all suitable files and group them by version
	found := make(map[migration.Version]*scripts)
	for _, entry := range dirEntries {
		if entry.IsDir() || !entry.Type().IsRegular() {
			continue
		}

		fileName := entry.Name()
		mig, err := getValidMigrationFromFileName(fileName)
		if err != nil {
			continue
		}

		if err := src.collect(found, mig, fileName); err != nil {
			return nil, fmt.Errorf("failed to parse directory entries: %w", err)
		}
	}

	versions := make([]migration.Version, 0, len(found))
	for v := range found {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	result := make([]migration.Unit, 0, len(versions))
	for _, v := range versions {
		s := found[v]
		if s.up == "" {
			return nil, fmt.Errorf("%w: %s", source.ErrMissingUpScript, s.Migration)
		}

		unit := migration.Unit{
			Migration: s.Migration,
			Up:        migration.Operation{migration.Script(s.up)},
		}
		if s.down != "" {
			unit.Down = migration.Operation{migration.Script(s.down)}
		}
		result = append(result, unit)
	}

	return result, nil
}

func (src *filesSource) collect(found map[migration.Version]*scripts, mig migration.Migration, fileName string) error {
	entry, exists := found[mig.Version]

	switch {
	case !exists:
		entry = &scripts{Migration: mig}
		found[mig.Version] = entry

	case entry.Name != mig.Name:
		return fmt.Errorf(
			"%w: migration %d already exists with name \"%s\" (new name \"%s\" is encountered)",
			source.ErrMigrationDuplicated,
			mig.Version,
			entry.Name,
			mig.Name,
		)
	}

	content, err := fs.ReadFile(src.fs, path.Join(src.migrationsDir, fileName))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", fileName, err)
	}

	// empty scripts still count as present
	script := string(content)
	if strings.TrimSpace(script) == "" {
		script = "-- " + fileName
	}

	if strings.HasSuffix(fileName, upSuffix) {
		entry.up = script
	} else {
		entry.down = script
	}

	return nil
}

func getValidMigrationFromFileName(fileName string) (migration.Migration, error) {
	if !strings.HasPrefix(fileName, "V") {
		return migration.Migration{}, fmt.Errorf("migration file name is invalid: %s", fileName)
	}

	var migrationFullName string
	switch {
	case strings.HasSuffix(fileName, upSuffix):
		migrationFullName = strings.TrimSuffix(fileName, upSuffix)
	case strings.HasSuffix(fileName, downSuffix):
		migrationFullName = strings.TrimSuffix(fileName, downSuffix)
	default:
		return migration.Migration{}, fmt.Errorf("migration file name has an unknown suffix: %s", fileName)
	}
	migrationFullName = strings.TrimPrefix(migrationFullName, "V")

	asRunes := []rune(migrationFullName)

	if len(asRunes) < versionLength+2 {
		return migration.Migration{}, fmt.Errorf("migration file name is too short to be valid: %s", fileName)
	}

	version := asRunes[:versionLength]

	for _, c := range version {
		if !unicode.IsDigit(c) {
			return migration.Migration{}, fmt.Errorf(
				"migration file name does not contain a valid version (symbol \"%c\" is not allowed): %s",
				c,
				fileName,
			)
		}
	}

	versionAsInt, err := strconv.ParseUint(string(version), 10, migration.VersionBits)
	if err != nil || versionAsInt == 0 {
		return migration.Migration{}, fmt.Errorf("migration file name does not contain a valid version: %s", fileName)
	}

	nameAsRunes := asRunes[versionLength:]
	if nameAsRunes[0] != '_' {
		return migration.Migration{}, fmt.Errorf("migration file is missing an underscore after version (%c given): %s", nameAsRunes[0], fileName)
	}

	return migration.Migration{
		Version: migration.Version(versionAsInt),
		Name:    string(nameAsRunes[1:]),
	}, nil
}
