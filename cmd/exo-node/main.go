// Command exo-node is the composition root: it wires a Router transport,
// a model registry, and an inference launcher into an internal/node.Node
// and runs it until signalled to stop. CLI flag parsing is out of scope
// (spec.md §1 Non-goals); launch configuration comes from the environment.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/exo-explore/exo/internal/download"
	"github.com/exo-explore/exo/internal/memory"
	"github.com/exo-explore/exo/internal/node"
	"github.com/exo-explore/exo/internal/router"
	"github.com/exo-explore/exo/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	opts := node.Options{
		Verbosity:   envInt("EXO_VERBOSITY", 0),
		ForceMaster: envBool("EXO_FORCE_MASTER", false),
		SpawnAPI:    envBool("EXO_SPAWN_API", false),
		APIPort:     envInt("EXO_API_PORT", 52415),
		TBOnly:      envBool("EXO_TB_ONLY", false),
		WithUI:      envBool("EXO_WITH_UI", false),
		UIPort:      envInt("EXO_UI_PORT", 8000),
		UIHost:      os.Getenv("EXO_UI_HOST"),
		Home:        os.Getenv("EXO_HOME"),
		Seniority:   int64(envInt("EXO_SENIORITY", 0)),
	}

	// transport, registry and launcher are the out-of-scope seams (spec.md
	// §1): a real deployment links in a gossip transport, a remote model
	// registry, and an inference runner. This binary runs single-node
	// against the no-op LocalTransport until those are wired in.
	transport := router.NewLocalTransport()
	registry := noRegistry{}
	launcher := noLauncher{}

	n, err := node.New(opts, transport, registry, launcher, sampleRAMAvailable, prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("exo-node: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("exo-node: %w", err)
	}
	return nil
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// sampleRAMAvailable backs worker.RAMAvailableFunc with the host's actual
// available memory, the same gopsutil family used elsewhere in the pack
// for process/host introspection.
func sampleRAMAvailable() memory.Memory {
	v, err := mem.VirtualMemory()
	if err != nil {
		return memory.Zero()
	}
	return memory.FromBytes(v.Available)
}

var errNotImplemented = errors.New("exo-node: out-of-scope collaborator not wired")

// noRegistry is a placeholder download.Registry: the real model registry
// (spec.md §1 Non-goals) is an external collaborator this binary does not
// implement.
type noRegistry struct{}

func (noRegistry) ListFiles(context.Context, string) ([]download.RemoteFile, error) {
	return nil, errNotImplemented
}

func (noRegistry) Open(context.Context, string, download.RemoteFile, int64) (io.ReadCloser, error) {
	return nil, errNotImplemented
}

// noLauncher is a placeholder worker.Launcher: the inference runner child
// process (spec.md §1 Non-goals) is an external collaborator this binary
// does not implement.
type noLauncher struct{}

func (noLauncher) Launch(context.Context, int, string) (worker.Process, error) {
	return nil, errNotImplemented
}
