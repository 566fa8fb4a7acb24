// Package files discovers change units from a directory of unit files and
// resolves their actions through a source.Resolver.
package files

import (
	"bytes"
	"errors"
	"fmt"
	"go/format"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/template"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/root-talis/dynamig/migration"
	"github.com/root-talis/dynamig/source"
)

const (
	defaultExtension   = ".go"
	defaultPackageName = "migrations"
	testSuffix         = "_test"
)

var (
	ErrMigrationsDirectoryIsNotADirectory = errors.New("migrations directory is not a directory")
	ErrStubExists                         = errors.New("unit file already exists")
)

// StubWriter persists a rendered stub at the given slash-separated path.
type StubWriter func(name string, content []byte) error

type Option func(src *Source)

// WithExtension sets the unit file extension, dot included.
func WithExtension(ext string) Option {
	return func(src *Source) {
		src.extension = ext
	}
}

// WithPackageName sets the package clause of generated stubs.
func WithPackageName(name string) Option {
	return func(src *Source) {
		src.packageName = name
	}
}

func WithStubWriter(writer StubWriter) Option {
	return func(src *Source) {
		src.writeStub = writer
	}
}

type Source struct {
	fsys        fs.FS
	directory   string
	resolver    source.Resolver
	extension   string
	packageName string
	writeStub   StubWriter
}

// NewFilesSource scans directory inside fsys. The default stub writer creates
// files relative to the working directory, so fsys is usually os.DirFS(".").
func NewFilesSource(fsys fs.FS, directory string, resolver source.Resolver, opts ...Option) (*Source, error) {
	stat, err := fs.Stat(fsys, directory)
	if err != nil {
		return nil, fmt.Errorf("failed to stat migrations directory: %w", err)
	}

	if !stat.IsDir() {
		return nil, ErrMigrationsDirectoryIsNotADirectory
	}

	src := &Source{
		fsys:        fsys,
		directory:   directory,
		resolver:    resolver,
		extension:   defaultExtension,
		packageName: packageNameFromDirectory(directory),
		writeStub:   writeFile,
	}

	for _, opt := range opts {
		opt(src)
	}

	return src, nil
}

// NewDirSource reads units from folder on the local disk. folder may be absolute or
// relative to the working directory. Stubs are written into folder.
func NewDirSource(folder string, resolver source.Resolver, opts ...Option) (*Source, error) {
	root := filepath.ToSlash(folder)

	opts = append([]Option{
		WithPackageName(packageNameFromDirectory(folder)),
		WithStubWriter(func(name string, content []byte) error {
			return writeFile(path.Join(root, name), content)
		}),
	}, opts...)

	return NewFilesSource(os.DirFS(folder), ".", resolver, opts...)
}

func (src *Source) ListPending(since migration.Ordinal) ([]string, error) {
	idx, err := src.scan()
	if err != nil {
		return nil, err
	}
	return idx.Since(since), nil
}

func (src *Source) NextOrdinal() (migration.Ordinal, error) {
	idx, err := src.scan()
	if err != nil {
		return 0, err
	}
	return idx.Next(), nil
}

func (src *Source) Materialize(name string) (migration.Unit, error) {
	stat, err := fs.Stat(src.fsys, src.pathOf(name))

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return migration.Unit{}, fmt.Errorf("%w: no file for %s", migration.ErrNotFound, name)
	case err != nil:
		return migration.Unit{}, fmt.Errorf("failed to stat unit file %s: %w", name, err)
	case !stat.Mode().IsRegular():
		return migration.Unit{}, fmt.Errorf("%w: %s is not a regular file", migration.ErrNotFound, name)
	}

	unit, err := src.resolver.Resolve(name)
	if err != nil {
		return migration.Unit{}, fmt.Errorf("failed to resolve unit %s: %w", name, err)
	}

	if unit.Up == nil || unit.Down == nil {
		return migration.Unit{}, fmt.Errorf("%w: %s is missing an action", migration.ErrNotFound, name)
	}

	return unit, nil
}

func (src *Source) WriteStub(name string) error {
	content, err := renderStub(src.packageName, name)
	if err != nil {
		return fmt.Errorf("failed to render stub for %s: %w", name, err)
	}

	if err := src.writeStub(src.pathOf(name), content); err != nil {
		return fmt.Errorf("failed to write stub for %s: %w", name, err)
	}

	return nil
}

// ---

func (src *Source) pathOf(name string) string {
	return path.Join(src.directory, name+src.extension)
}

func (src *Source) scan() (source.Index, error) {
	dirEntries, err := fs.ReadDir(src.fsys, src.directory)
	if err != nil {
		return nil, fmt.Errorf("failed to read contents of migrations directory: %w", err)
	}

	idx := make(source.Index)
	for _, entry := range dirEntries {
		if entry.IsDir() || !entry.Type().IsRegular() {
			continue
		}

		name, ok := src.unitName(entry.Name())
		if !ok {
			continue
		}

		if err := idx.Add(name); err != nil {
			if errors.Is(err, source.ErrOrdinalDuplicated) {
				return nil, fmt.Errorf("failed to parse directory entries: %w", err)
			}
			continue
		}
	}

	return idx, nil
}

func (src *Source) unitName(fileName string) (string, bool) {
	if !strings.HasSuffix(fileName, src.extension) {
		return "", false
	}

	name := strings.TrimSuffix(fileName, src.extension)
	if name == "" || strings.HasSuffix(name, testSuffix) {
		return "", false
	}

	return name, true
}

func writeFile(name string, content []byte) error {
	fileName := filepath.FromSlash(name)

	if err := os.MkdirAll(filepath.Dir(fileName), 0o755); err != nil { // nolint:gomnd
		return err
	}

	file, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) // nolint:gomnd
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", ErrStubExists, fileName)
	} else if err != nil {
		return err
	}

	if _, err := file.Write(content); err != nil {
		_ = file.Close()
		return err
	}

	return file.Close()
}

// ---

var stubTemplate = template.Must(template.New("stub").Parse(`package {{.Package}}

import (
	"context"

	"github.com/root-talis/dynamig/migration"
	"github.com/root-talis/dynamig/source/registry"
)

func init() {
	registry.MustRegister({{printf "%q" .Name}}, {{.Up}}, {{.Down}})
}

func {{.Up}}(ctx context.Context, done migration.Done) {
	done(nil)
}

func {{.Down}}(ctx context.Context, done migration.Done) {
	done(nil)
}
`)) // nolint:gochecknoglobals

func renderStub(packageName, name string) ([]byte, error) {
	ordinal, title, err := migration.ParseName(name)
	if err != nil {
		return nil, err
	}

	suffix := fmt.Sprintf("%0*d%s", migration.OrdinalWidth, ordinal, identifierFromTitle(title))

	var buf bytes.Buffer
	err = stubTemplate.Execute(&buf, struct {
		Package string
		Name    string
		Up      string
		Down    string
	}{
		Package: packageName,
		Name:    name,
		Up:      "up" + suffix,
		Down:    "down" + suffix,
	})
	if err != nil {
		return nil, err
	}

	return format.Source(buf.Bytes())
}

// identifierFromTitle turns "add-users table" into "AddUsersTable".
func identifierFromTitle(title string) string {
	caser := cases.Title(language.Und)

	words := strings.FieldsFunc(title, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var b strings.Builder
	for _, word := range words {
		b.WriteString(caser.String(word))
	}

	return b.String()
}

func packageNameFromDirectory(directory string) string {
	base := strings.ToLower(path.Base(filepath.ToSlash(directory)))

	name := strings.Map(func(r rune) rune {
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, base)

	if name == "" || !unicode.IsLetter([]rune(name)[0]) {
		return defaultPackageName
	}

	return name
}
