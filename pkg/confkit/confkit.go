// Package confkit holds the small configuration helpers shared by the main
// config and its section files.
package confkit

import (
	"os"
	"path/filepath"
)

// ResolvePath expands environment variables in file and, unless the result
// is absolute, joins it to base.
func ResolvePath(base, file string) string {
	file = os.ExpandEnv(file)
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(base, file)
}

// BaseDir returns the directory of the main config file path.
func BaseDir(mainPath string) string {
	return filepath.Dir(mainPath)
}

// Section is a config block stored in its own file. File is resolved against
// the main config directory during Hydrate.
type Section[T any] struct {
	File  string `json:",optional"`
	Value *T     `json:"-"`
}

// Hydrate loads File through loader and stores the result in Value. An empty
// File leaves the section untouched.
func (s *Section[T]) Hydrate(base string, loader func(string) (*T, error)) error {
	if s.File == "" {
		return nil
	}
	p := ResolvePath(base, s.File)
	v, err := loader(p)
	if err != nil {
		return err
	}
	s.File, s.Value = p, v
	return nil
}

// Or returns Value, filling it from fallback first when the section was
// never hydrated.
func (s *Section[T]) Or(fallback func() *T) *T {
	if s.Value == nil && fallback != nil {
		s.Value = fallback()
	}
	return s.Value
}
