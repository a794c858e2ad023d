package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execEngine struct {
	cmd        []string
	sampleRate int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Speed      float64 `json:"speed"`
	Language   string  `json:"lang"`
	SampleRate int     `json:"sample_rate"`
}

type execResponse struct {
	Samples    []float32 `json:"samples"`
	SampleRate int       `json:"sample_rate"`
	Error      string    `json:"error,omitempty"`
}

// NewExecEngine runs command once per synthesis call. The command receives
// one JSON request on stdin and must print one JSON response on stdout:
//
//	{"samples": [0.01, -0.02, ...], "sample_rate": 24000}
//
// A non-empty "error" field or a non-zero exit status fails the call.
func NewExecEngine(command string, sampleRate int) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execEngine{cmd: args, sampleRate: sampleRate}, nil
}

func (e *execEngine) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Audio{}, ErrEmptyText
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		Speed:      req.Speed,
		Language:   req.Language,
		SampleRate: e.sampleRate,
	})
	if err != nil {
		return Audio{}, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(append(data, '\n'))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return Audio{}, fmt.Errorf("tts command failed: %w: %s", err, msg)
		}
		return Audio{}, fmt.Errorf("tts command failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return Audio{}, fmt.Errorf("decode tts response: %w", err)
	}
	if resp.Error != "" {
		return Audio{}, errors.New(resp.Error)
	}
	if resp.SampleRate <= 0 {
		resp.SampleRate = e.sampleRate
	}
	return Audio{Samples: resp.Samples, SampleRate: resp.SampleRate}, nil
}
