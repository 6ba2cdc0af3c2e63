// internal/discovery/command.go
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-backend/internal/errors"
)

// CommandSource runs an external scraper with the topic as its last
// argument and reads a JSON array of candidates from stdout.
type CommandSource struct {
	Argv    []string
	Timeout time.Duration
	logger  *zap.Logger
}

func NewCommandSource(command string, timeout time.Duration, logger *zap.Logger) (*CommandSource, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, errors.New("discovery command is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandSource{Argv: argv, Timeout: timeout, logger: logger}, nil
}

var _ Source = (*CommandSource)(nil)

func (s *CommandSource) Discover(ctx context.Context, topic string) ([]Candidate, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, s.Argv[1:]...), topic)
	cmd := exec.CommandContext(ctx, s.Argv[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		s.log().Warn("discovery command failed",
			zap.String("topic", topic),
			zap.String("stderr", strings.TrimSpace(stderr.String())),
			zap.Error(err))
		return nil, appErrors.NewDiscoveryUnavailable(topic, fmt.Errorf("run %s: %w", s.Argv[0], err))
	}

	var out []Candidate
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); err != nil {
		return nil, appErrors.NewDiscoveryUnavailable(topic, fmt.Errorf("decode output: %w", err))
	}
	return out, nil
}

func (s *CommandSource) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}
