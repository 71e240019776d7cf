package coordinator

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/gordon-to/replikv/internal/cluster"
)

// Spawner launches a server process. The coordinator never talks to
// a process handle directly once spawned; it waits for the process
// to register itself over HTTP, the same way a freshly started server
// does at initial cluster bootstrap.
type Spawner interface {
	Spawn(ctx context.Context, cfg cluster.ServerConfig, n int, coordAddr string) error
}

// ExecSpawner launches servers with os/exec, running over ssh when
// the server's configured host isn't "localhost". This mirrors
// get_spawn_cmd/spawn_server's fork-and-exec-or-ssh branch: a local
// server is just a child process, a remote one is a child ssh process
// whose own child is the server binary.
type ExecSpawner struct {
	// BinaryPath is the path to the server executable, passed
	// verbatim to exec.Command (locally) or appended to the ssh
	// command line (remotely).
	BinaryPath string
}

// Spawn starts cfg's server, passing it its own id, ports, and the
// coordinator's address as flags. The process is detached: Spawn
// returns once the command has started, not once the server is ready
// to serve. Readiness is signaled by the server's own POST /register.
func (s ExecSpawner) Spawn(ctx context.Context, cfg cluster.ServerConfig, n int, coordAddr string) error {
	args := []string{
		"-id", fmt.Sprint(cfg.ID),
		"-n", fmt.Sprint(n),
		"-client-port", fmt.Sprint(cfg.ClientPort),
		"-peer-port", fmt.Sprint(cfg.PeerPort),
		"-coord-port", fmt.Sprint(cfg.CoordPort),
		"-coordinator", coordAddr,
	}

	var cmd *exec.Cmd
	if cfg.IsRemote() {
		sshArgs := append([]string{cfg.Host, s.BinaryPath}, args...)
		cmd = exec.Command("ssh", sshArgs...)
	} else {
		cmd = exec.Command(s.BinaryPath, args...)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn server %d: %w", cfg.ID, err)
	}
	// Reap the child when it exits, whether from a SHUTDOWN broadcast
	// or a crash; an unwaited child lingers as a zombie.
	go func() { _ = cmd.Wait() }()
	return nil
}
