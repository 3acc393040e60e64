package confkit

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
)

const (
	envDotenvFile     = "ENV_FILE"
	envDotenvDisable  = "NO_DOTENV"
	envDotenvOverload = "DOTENV_OVERLOAD"
)

var dotenvOnce sync.Once

// LoadDotenvOnce loads .env files once per process. ENV_FILE names a single
// file; otherwise every .env from the project root downwards to the working
// directory is applied, nearer files first. NO_DOTENV=1 disables loading.
// Existing variables win unless DOTENV_OVERLOAD=1.
func LoadDotenvOnce() {
	dotenvOnce.Do(loadDotenv)
}

func loadDotenv() {
	if os.Getenv(envDotenvDisable) == "1" {
		return
	}
	load := godotenv.Load
	if os.Getenv(envDotenvOverload) == "1" {
		load = godotenv.Overload
	}
	if file := os.Getenv(envDotenvFile); file != "" {
		_ = load(file)
		return
	}
	for _, path := range dotenvCandidates() {
		_ = load(path)
	}
}

// dotenvCandidates lists existing .env files between the working directory
// and the project root, nearest first.
func dotenvCandidates() []string {
	wd, err := os.Getwd()
	if err != nil {
		return nil
	}
	root, _ := ProjectRoot()
	var files []string
	walkUp(wd, func(dir string) bool {
		if p := filepath.Join(dir, ".env"); fileExists(p) {
			files = append(files, p)
		}
		return dir == root
	})
	return files
}
