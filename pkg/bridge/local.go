// Package bridge establishes the streaming channels between the server
// and its worker agents. A bridge owns the worker process and the gRPC
// channel to it; closing the bridge's cleanup scope tears down both.
package bridge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fal-ai/insulate/pkg/rpc"
)

// Bridger is the factory the bridge manager uses to reach workers. The
// cache key identifies which runs may share a worker; Establish opens a
// fresh channel on a pool miss.
type Bridger interface {
	// CacheKey returns the ordered identity of the environment stack
	// behind this bridge. Layering order is semantically significant, so
	// the key is order-sensitive.
	CacheKey() []string

	// Establish spawns (or reaches) a worker and returns the channel to
	// it plus a cleanup scope. The cleanup scope is idempotent and
	// cancels any in-flight call when closed.
	Establish(ctx context.Context, maxWait time.Duration) (*grpc.ClientConn, func(), error)
}

// Local spawns the worker agent as a host process running inside the
// materialized environment stack: the primary environment provides the
// executable search path, the inheritance environments are layered behind
// it in request order.
type Local struct {
	agentBinary      string
	primaryPath      string
	inheritancePaths []string

	log *logrus.Entry
}

var _ Bridger = (*Local)(nil)

// NewLocal returns a bridge factory for the given environment stack.
func NewLocal(agentBinary, primaryPath string, inheritancePaths []string, log *logrus.Entry) *Local {
	return &Local{
		agentBinary:      agentBinary,
		primaryPath:      primaryPath,
		inheritancePaths: inheritancePaths,
		log:              log.WithField("component", "bridge"),
	}
}

// CacheKey is the ordered tuple (primary, inheritance...).
func (b *Local) CacheKey() []string {
	key := make([]string, 0, len(b.inheritancePaths)+1)
	key = append(key, b.primaryPath)
	key = append(key, b.inheritancePaths...)
	return key
}

// Establish starts the agent process listening on a private unix socket
// and dials it, blocking until the channel is ready or maxWait elapses.
func (b *Local) Establish(ctx context.Context, maxWait time.Duration) (*grpc.ClientConn, func(), error) {
	socketPath := filepath.Join(os.TempDir(), fmt.Sprintf("insulate-agent-%s.sock", uuid.NewString()))

	cmd := exec.Command(b.agentBinary, "--address", "unix://"+socketPath)
	cmd.Env = b.processEnviron()
	cmd.Stdout = b.log.WriterLevel(logrus.DebugLevel)
	cmd.Stderr = b.log.WriterLevel(logrus.DebugLevel)

	b.log.WithFields(logrus.Fields{
		"primary": b.primaryPath,
		"socket":  socketPath,
	}).Debug("Spawning worker agent")

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to spawn the agent process: %w", err)
	}

	var closeOnce sync.Once
	var conn *grpc.ClientConn
	cleanup := func() {
		closeOnce.Do(func() {
			if conn != nil {
				_ = conn.Close()
			}
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			_ = cmd.Wait()
			_ = os.Remove(socketPath)
		})
	}

	dialCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	opts := append(
		rpc.DefaultDialOptions(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	var err error
	conn, err = grpc.DialContext(dialCtx, "unix://"+socketPath, opts...)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to connect to the agent: %w", err)
	}

	b.log.WithField("pid", cmd.Process.Pid).Debug("Worker agent is ready")
	return conn, cleanup, nil
}

// processEnviron layers the environment stack into the agent's process
// environment. The primary path takes precedence on every search path.
func (b *Local) processEnviron() []string {
	paths := append([]string{b.primaryPath}, b.inheritancePaths...)

	binDirs := make([]string, 0, len(paths))
	siteDirs := make([]string, 0, len(paths))
	for _, root := range paths {
		binDirs = append(binDirs, filepath.Join(root, "bin"))
		siteDirs = append(siteDirs, sitePackagesOf(root)...)
	}

	environ := make([]string, 0, len(os.Environ())+2)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "PATH=") || strings.HasPrefix(kv, "PYTHONPATH=") {
			continue
		}
		environ = append(environ, kv)
	}

	pathList := strings.Join(binDirs, string(os.PathListSeparator))
	if system := os.Getenv("PATH"); system != "" {
		pathList = pathList + string(os.PathListSeparator) + system
	}
	environ = append(environ, "PATH="+pathList)

	if len(siteDirs) > 0 {
		environ = append(environ, "PYTHONPATH="+strings.Join(siteDirs, string(os.PathListSeparator)))
	}
	return environ
}

// sitePackagesOf finds the site-packages directories under an environment
// root. The interpreter version differs per environment, hence the glob.
func sitePackagesOf(root string) []string {
	matches, err := filepath.Glob(filepath.Join(root, "lib", "python*", "site-packages"))
	if err != nil {
		return nil
	}
	return matches
}
