package builder

import (
	"context"
	"os/exec"
	"strings"
	"sync"

	"github.com/fal-ai/insulate/pkg/rpc"
)

// KindLocal is the registered kind of the local builder.
const KindLocal = "local"

func init() {
	Register(KindLocal, func(configuration map[string]any) (Environment, error) {
		var cfg struct{}
		if err := decodeConfiguration(configuration, &cfg); err != nil {
			return nil, err
		}
		return NewLocal(), nil
	})
}

// Local resolves the host's own runtime instead of building anything.
// Used for inheriting the server's installed packages into a run.
type Local struct {
	settings Settings

	once   sync.Once
	prefix string
	err    error
}

// NewLocal returns a local environment handle.
func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Kind() string { return KindLocal }

func (l *Local) Key() string {
	return hashStrings(KindLocal)
}

func (l *Local) ApplySettings(settings Settings) {
	l.settings = settings
}

// Create resolves the interpreter prefix of the host runtime. The result
// is cached for the lifetime of the handle; there is nothing to force.
func (l *Local) Create(ctx context.Context, force bool) (string, error) {
	l.once.Do(func() {
		python := l.settings.PythonBinary
		if python == "" {
			python = "python3"
		}

		out, err := exec.CommandContext(ctx, python, "-c", "import sys; print(sys.prefix)").Output()
		if err != nil {
			l.err = &EnvironmentCreationError{Reason: "Failed to resolve the local runtime", Err: err}
			return
		}
		l.prefix = strings.TrimSpace(string(out))
	})

	if l.err == nil && l.prefix != "" {
		l.settings.Log(rpc.LevelDebug, "Using the local runtime at "+l.prefix)
	}
	return l.prefix, l.err
}
