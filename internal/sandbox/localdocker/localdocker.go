// Package localdocker implements the sandbox Provider by driving the
// docker CLI, for single-host deployments and local development.
package localdocker

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/google/uuid"
	"github.com/spindle-dev/spindle/internal/sandbox"
)

// ProviderName is the registered name of this provider.
const ProviderName = "localdocker"

// Provider shells out to docker run/start/stop/rm/exec. Container names
// double as sandbox IDs.
type Provider struct {
	image string
}

// New creates a docker CLI provider using the given agent image.
func New(image string) *Provider {
	return &Provider{image: image}
}

// Name implements sandbox.Provider.
func (p *Provider) Name() string { return ProviderName }

// Create starts a new container seeded with the thread's repo/branch env.
func (p *Provider) Create(ctx context.Context, spec sandbox.Spec) (*sandbox.Session, error) {
	id := "spindle-" + uuid.NewString()

	args := []string{"run", "-d", "--name", id,
		"-e", "SPINDLE_REPO=" + spec.Repo,
		"-e", "SPINDLE_BRANCH=" + spec.Branch,
		"-e", "SPINDLE_BASE_BRANCH=" + spec.BaseBranch,
	}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, p.image, "sleep", "infinity")

	if out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("localdocker: create %s: %s", id, strings.TrimSpace(string(out)))
	}
	return &sandbox.Session{Provider: ProviderName, SandboxID: id}, nil
}

// Resume starts a stopped container. Already-running containers succeed;
// missing containers surface sandbox.ErrNotFound.
func (p *Provider) Resume(ctx context.Context, sandboxID string) (*sandbox.Session, error) {
	session, err := p.GetOrNull(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("localdocker: resume %s: %w", sandboxID, sandbox.ErrNotFound)
	}

	if out, err := exec.CommandContext(ctx, "docker", "start", sandboxID).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("localdocker: resume %s: %s", sandboxID, strings.TrimSpace(string(out)))
	}
	return session, nil
}

// GetOrNull inspects the container, returning (nil, nil) when missing.
func (p *Provider) GetOrNull(ctx context.Context, sandboxID string) (*sandbox.Session, error) {
	out, err := exec.CommandContext(ctx, "docker", "inspect", "--format", "{{.State.Status}}", sandboxID).CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "No such") {
			return nil, nil
		}
		return nil, fmt.Errorf("localdocker: inspect %s: %s", sandboxID, strings.TrimSpace(string(out)))
	}
	return &sandbox.Session{Provider: ProviderName, SandboxID: sandboxID}, nil
}

// Exec runs cmd inside the container and streams combined output.
func (p *Provider) Exec(ctx context.Context, session *sandbox.Session, cmd []string) (io.ReadCloser, error) {
	args := append([]string{"exec", session.SandboxID}, cmd...)
	c := exec.CommandContext(ctx, "docker", args...)

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("localdocker: exec pipe: %w", err)
	}
	c.Stderr = c.Stdout

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("localdocker: exec in %s: %w", session.SandboxID, err)
	}
	return &cmdStream{ReadCloser: stdout, cmd: c}, nil
}

// Hibernate stops the container, keeping its filesystem for resume.
func (p *Provider) Hibernate(ctx context.Context, session *sandbox.Session) error {
	out, err := exec.CommandContext(ctx, "docker", "stop", session.SandboxID).CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "No such") {
			return fmt.Errorf("localdocker: hibernate %s: %w", session.SandboxID, sandbox.ErrNotFound)
		}
		return fmt.Errorf("localdocker: hibernate %s: %s", session.SandboxID, strings.TrimSpace(string(out)))
	}
	return nil
}

// Destroy removes the container and its filesystem.
func (p *Provider) Destroy(ctx context.Context, session *sandbox.Session) error {
	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", session.SandboxID).CombinedOutput()
	if err != nil && !strings.Contains(string(out), "No such") {
		return fmt.Errorf("localdocker: destroy %s: %s", session.SandboxID, strings.TrimSpace(string(out)))
	}
	return nil
}

// cmdStream closes the exec process together with its output stream. The
// command's exit status travels through the stream contents, not Close.
type cmdStream struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (s *cmdStream) Close() error {
	err := s.ReadCloser.Close()
	_ = s.cmd.Wait()
	return err
}
