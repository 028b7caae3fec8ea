package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fal-ai/insulate/pkg/rpc"
)

// KindVirtualenv is the registered kind of the virtualenv builder.
const KindVirtualenv = "virtualenv"

func init() {
	Register(KindVirtualenv, NewVirtualenvFromConfiguration)
}

// VirtualenvConfiguration is the decoded configuration of a virtualenv
// environment.
type VirtualenvConfiguration struct {
	Requirements  []string `json:"requirements"`
	PythonVersion string   `json:"python_version,omitempty"`
}

// Virtualenv materializes a Python virtual environment with the requested
// requirements installed. Identical configurations share one cached tree.
type Virtualenv struct {
	cfg      VirtualenvConfiguration
	settings Settings
}

// NewVirtualenv builds a virtualenv environment from an already-typed
// configuration. Used directly when the server synthesizes the agent
// requirements environment.
func NewVirtualenv(cfg VirtualenvConfiguration) *Virtualenv {
	return &Virtualenv{cfg: cfg}
}

// NewVirtualenvFromConfiguration decodes an opaque configuration map.
func NewVirtualenvFromConfiguration(configuration map[string]any) (Environment, error) {
	var cfg VirtualenvConfiguration
	if err := decodeConfiguration(configuration, &cfg); err != nil {
		return nil, err
	}
	return NewVirtualenv(cfg), nil
}

func (v *Virtualenv) Kind() string { return KindVirtualenv }

// PythonVersion reports the interpreter version the configuration pinned,
// if any.
func (v *Virtualenv) PythonVersion() string { return v.cfg.PythonVersion }

// Key hashes the normalized configuration. Requirement order does not
// affect the installed tree, so it does not affect the key either.
func (v *Virtualenv) Key() string {
	reqs := append([]string(nil), v.cfg.Requirements...)
	sort.Strings(reqs)
	return hashStrings(append([]string{KindVirtualenv, v.cfg.PythonVersion}, reqs...)...)
}

func (v *Virtualenv) ApplySettings(settings Settings) {
	v.settings = settings
}

func (v *Virtualenv) path() string {
	return filepath.Join(v.settings.CacheDir, KindVirtualenv, v.Key())
}

// Create materializes the virtualenv. A partially built tree is removed
// on failure so the next attempt starts clean.
func (v *Virtualenv) Create(ctx context.Context, force bool) (string, error) {
	path := v.path()

	if _, err := os.Stat(path); err == nil {
		if !force {
			v.settings.Log(rpc.LevelInfo, fmt.Sprintf("Environment %s already exists, skipping the build.", v.Key()[:12]))
			return path, nil
		}
		if err := os.RemoveAll(path); err != nil {
			return "", &EnvironmentCreationError{Reason: "Failed to clear the existing environment", Err: err}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", &EnvironmentCreationError{Reason: "Failed to prepare the environment cache", Err: err}
	}

	v.settings.Log(rpc.LevelInfo, "Creating the virtual environment.")
	if err := streamCommand(ctx, v.settings, rpc.LevelDebug, v.python(), "-m", "venv", path); err != nil {
		_ = os.RemoveAll(path)
		return "", &EnvironmentCreationError{Reason: "Failed to create the virtual environment", Err: err}
	}

	if len(v.cfg.Requirements) > 0 {
		v.settings.Log(rpc.LevelInfo, fmt.Sprintf("Installing requirements: %s", strings.Join(v.cfg.Requirements, ", ")))

		pip := filepath.Join(path, "bin", "pip")
		args := append([]string{"install"}, v.cfg.Requirements...)
		if err := streamCommand(ctx, v.settings, rpc.LevelDebug, pip, args...); err != nil {
			_ = os.RemoveAll(path)
			return "", &EnvironmentCreationError{Reason: "Failed to install the requirements", Err: err}
		}
	}

	v.settings.Log(rpc.LevelInfo, "Environment is ready.")
	return path, nil
}

func (v *Virtualenv) python() string {
	if v.cfg.PythonVersion != "" {
		return "python" + v.cfg.PythonVersion
	}
	if v.settings.PythonBinary != "" {
		return v.settings.PythonBinary
	}
	return "python3"
}
