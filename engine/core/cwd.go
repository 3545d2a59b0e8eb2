package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotProject is returned when no project index directory is found.
var ErrNotProject = errors.New("not a flowline project (or any parent directory)")

// ProjectPaths holds the fixed locations inside a project directory.
type ProjectPaths struct {
	Root      string `json:"root"      yaml:"root"`
	StoreDir  string `json:"store_dir" yaml:"store_dir"`
	IndexFile string `json:"index"     yaml:"index"`
	Settings  string `json:"settings"  yaml:"settings"`
	LocksDir  string `json:"locks"     yaml:"locks"`
	LogsDir   string `json:"logs"      yaml:"logs"`
	EnvFile   string `json:"env_file"  yaml:"env_file"`
}

func NewProjectPaths(root string) *ProjectPaths {
	store := GetStoreDir(root)
	return &ProjectPaths{
		Root:      root,
		StoreDir:  store,
		IndexFile: filepath.Join(store, "index.db"),
		Settings:  filepath.Join(store, "config.yaml"),
		LocksDir:  filepath.Join(store, "locks"),
		LogsDir:   filepath.Join(store, "logs"),
		EnvFile:   filepath.Join(root, ".env"),
	}
}

// RunLogDir is the directory holding per-task logs of one run.
func (p *ProjectPaths) RunLogDir(runID ID) string {
	return filepath.Join(p.LogsDir, runID.String())
}

func (p *ProjectPaths) RunLockFile(runID ID) string {
	return filepath.Join(p.LocksDir, runID.String()+".lock")
}

// AbsPath normalizes path to an absolute directory. A file path resolves to its parent.
func AbsPath(path string) (string, error) {
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return cwd, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if info, err := os.Stat(absPath); err == nil && !info.IsDir() {
		absPath = filepath.Dir(absPath)
	}
	return absPath, nil
}

// FindProjectRoot walks up from start to the first directory containing the store dir.
func FindProjectRoot(start string) (string, error) {
	dir, err := AbsPath(start)
	if err != nil {
		return "", err
	}
	for {
		info, err := os.Stat(GetStoreDir(dir))
		if err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotProject
		}
		dir = parent
	}
}
