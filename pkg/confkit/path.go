package confkit

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// EnvHome pins the project root, e.g. for an installed binary.
const EnvHome = "AODP_HOME"

const mainConfig = "etc/aodp.yaml"

// ProjectRoot locates the directory the CLI resolves etc/ and data/ paths
// against. Order: $AODP_HOME, the nearest ancestor of the working directory
// holding etc/aodp.yaml or go.mod, the module containing this source file,
// and finally the working directory itself.
func ProjectRoot() (string, error) {
	if home := strings.TrimSpace(os.Getenv(EnvHome)); home != "" {
		return filepath.Abs(home)
	}
	wd, err := os.Getwd()
	if err != nil {
		return ".", fmt.Errorf("getwd: %w", err)
	}
	if dir, ok := walkUp(wd, isProjectDir); ok {
		return dir, nil
	}
	if _, file, _, ok := runtime.Caller(0); ok {
		if dir, ok := walkUp(filepath.Dir(file), isModuleDir); ok {
			return dir, nil
		}
	}
	return wd, nil
}

// ProjectPath joins the project root with rel. Absolute paths are returned
// unchanged.
func ProjectPath(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return rel, nil
	}
	root, err := ProjectRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, rel), nil
}

// MustProjectPath returns ProjectPath(rel) and panics on failure.
func MustProjectPath(rel string) string {
	p, err := ProjectPath(rel)
	if err != nil {
		panic(err)
	}
	return p
}

func isProjectDir(dir string) bool {
	return fileExists(filepath.Join(dir, filepath.FromSlash(mainConfig))) || isModuleDir(dir)
}

func isModuleDir(dir string) bool {
	return fileExists(filepath.Join(dir, "go.mod")) || fileExists(filepath.Join(dir, ".git"))
}
