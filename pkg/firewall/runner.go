package firewall

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Output   []byte
}

// Runner executes packet filter commands. A non-zero exit status is reported
// through Result, not as an error; errors mean the command could not run.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// LocalRunner runs commands on this host.
type LocalRunner struct {
	// Sudo prefixes commands with non-interactive sudo.
	Sudo bool
}

func (r LocalRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if r.Sudo {
		args = append([]string{"-n", name}, args...)
		name = "sudo"
	}
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return Result{ExitCode: exitErr.ExitCode(), Output: out}, nil
		}
		return Result{}, fmt.Errorf("running %s: %w", name, err)
	}
	return Result{Output: out}, nil
}

// SSHConfig configures a runner that drives a remote gateway router.
type SSHConfig struct {
	Addr           string // host:port
	User           string
	KeyPath        string
	KnownHostsPath string // empty disables host key verification
	Sudo           bool
}

// SSHRunner runs commands on a remote host over a shared SSH connection,
// redialing after connection failures.
type SSHRunner struct {
	cfg    SSHConfig
	config *ssh.ClientConfig

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHRunner loads credentials for the remote gateway. The connection is
// established on first use.
func NewSSHRunner(cfg SSHConfig) (*SSHRunner, error) {
	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("loading known_hosts: %w", err)
		}
	}

	return &SSHRunner{
		cfg: cfg,
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
		},
	}, nil
}

func (r *SSHRunner) dial() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}
	client, err := ssh.Dial("tcp", r.cfg.Addr, r.config)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", r.cfg.Addr, err)
	}
	r.client = client
	return client, nil
}

func (r *SSHRunner) reset(client *ssh.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == client {
		_ = r.client.Close()
		r.client = nil
	}
}

func (r *SSHRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	client, err := r.dial()
	if err != nil {
		return Result{}, err
	}
	session, err := client.NewSession()
	if err != nil {
		r.reset(client)
		return Result{}, fmt.Errorf("opening ssh session: %w", err)
	}
	defer session.Close()

	parts := append([]string{name}, args...)
	if r.cfg.Sudo {
		parts = append([]string{"sudo", "-n"}, parts...)
	}
	cmd := shellJoin(parts)

	type outcome struct {
		out []byte
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		done <- outcome{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = session.Close()
		return Result{}, ctx.Err()
	case o := <-done:
		if o.err != nil {
			var exitErr *ssh.ExitError
			if errors.As(o.err, &exitErr) {
				return Result{ExitCode: exitErr.ExitStatus(), Output: o.out}, nil
			}
			r.reset(client)
			return Result{}, fmt.Errorf("running %s over ssh: %w", name, o.err)
		}
		return Result{Output: o.out}, nil
	}
}

// Close drops the SSH connection.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func shellJoin(parts []string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
