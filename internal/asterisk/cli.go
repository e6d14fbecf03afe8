package asterisk

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const defaultProbeTimeout = 5 * time.Second

var (
	summaryPattern    = regexp.MustCompile(`W:(\d+).*A:(\d+)`)
	agentLinePattern  = regexp.MustCompile(`\(([^)]+)\)\s+has taken`)
	ansiPattern       = regexp.MustCompile("\x1b\\[[0-9;]*[A-Za-z]")
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// agentLineMarker identifies per-agent lines in the queue show report.
const agentLineMarker = "has taken"

// CLIProber scrapes the engine's "queue show" report over its command
// line interface. The output is free text meant for humans, so parsing
// strips control sequences and tolerates garbled lines.
type CLIProber struct {
	command string
	timeout time.Duration
}

func NewCLIProber(command string, timeout time.Duration) *CLIProber {
	if command == "" {
		command = "asterisk"
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &CLIProber{command: command, timeout: timeout}
}

func (p *CLIProber) QueueStatus(ctx context.Context, queueID string) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.command, "-rx", fmt.Sprintf("queue show %s", queueID))
	output, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrap(err, "running queue show")
	}

	report := string(output)
	if strings.TrimSpace(report) == "" || strings.Contains(report, "Unable to connect") {
		return nil, ErrUnavailable
	}

	return ParseQueueShow(report), nil
}

// ParseQueueShow extracts the waiting-call count and one readiness tag per
// agent from a queue show report. Agent lines are recognized by the
// completion marker; the tag is the parenthesized token immediately before
// it. Lines the sanitizer cannot salvage are skipped rather than failing
// the whole probe.
func ParseQueueShow(report string) *Snapshot {
	report = strings.ReplaceAll(report, "\r", "")

	snapshot := &Snapshot{}
	if m := summaryPattern.FindStringSubmatch(report); m != nil {
		snapshot.WaitingCalls, _ = strconv.Atoi(m[1])
	}

	for _, line := range strings.Split(report, "\n") {
		if !strings.Contains(line, agentLineMarker) {
			continue
		}
		line = sanitizeLine(line)
		if m := agentLinePattern.FindStringSubmatch(line); m != nil {
			snapshot.Agents = append(snapshot.Agents, m[1])
		}
	}

	return snapshot
}

// sanitizeLine strips ANSI escape sequences, non-printable bytes and
// no-break spaces, then collapses runs of whitespace.
func sanitizeLine(line string) string {
	line = ansiPattern.ReplaceAllString(line, "")
	line = strings.ReplaceAll(line, " ", " ")
	line = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, line)
	line = strings.ToValidUTF8(line, "")
	line = whitespacePattern.ReplaceAllString(line, " ")
	return strings.TrimSpace(line)
}
