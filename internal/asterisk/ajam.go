package asterisk

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// AJAMProber queries the engine's manager interface over HTTP (the rawman
// endpoint). Unlike the CLI scrape this is a structured protocol: the
// QueueStatus action returns key/value event blocks with numeric member
// states.
type AJAMProber struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

func NewAJAMProber(baseURL, username, password string, timeout time.Duration) *AJAMProber {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	jar, _ := cookiejar.New(nil)
	return &AJAMProber{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: timeout, Jar: jar},
	}
}

func (p *AJAMProber) QueueStatus(ctx context.Context, queueID string) (*Snapshot, error) {
	if err := p.login(ctx); err != nil {
		return nil, err
	}

	body, err := p.action(ctx, url.Values{
		"action": {"QueueStatus"},
		"Queue":  {queueID},
	})
	if err != nil {
		return nil, err
	}

	snapshot := ParseManagerEvents(body, queueID)
	if snapshot == nil {
		return nil, ErrUnavailable
	}
	return snapshot, nil
}

func (p *AJAMProber) login(ctx context.Context) error {
	body, err := p.action(ctx, url.Values{
		"action":   {"Login"},
		"username": {p.username},
		"secret":   {p.password},
	})
	if err != nil {
		return err
	}
	if !strings.Contains(body, "Success") {
		return errors.New("manager login rejected")
	}
	return nil
}

func (p *AJAMProber) action(ctx context.Context, params url.Values) (string, error) {
	endpoint := fmt.Sprintf("%s/rawman?%s", p.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "calling manager interface")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("manager interface status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ParseManagerEvents turns a rawman QueueStatus response into a snapshot.
// QueueParams events carry the waiting-call count, QueueMember events one
// numeric state per agent: 1 not in use, 2 in use, 3 busy, 5 unavailable,
// anything else unknown. Returns nil when the response holds no event for
// the requested queue.
func ParseManagerEvents(body, queueID string) *Snapshot {
	var snapshot *Snapshot

	for _, block := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n") {
		fields := parseEventBlock(block)
		if fields["Queue"] != queueID {
			continue
		}
		if snapshot == nil {
			snapshot = &Snapshot{}
		}

		switch fields["Event"] {
		case "QueueParams":
			snapshot.WaitingCalls, _ = strconv.Atoi(fields["Calls"])
		case "QueueMember":
			snapshot.Agents = append(snapshot.Agents, memberStateTag(fields["Status"]))
		}
	}

	return snapshot
}

func parseEventBlock(block string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(block, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return fields
}

func memberStateTag(status string) string {
	switch status {
	case "1":
		return AgentNotInUse
	case "2":
		return AgentInUse
	case "3":
		return AgentBusy
	case "5":
		return AgentUnavailable
	default:
		return AgentUnknown
	}
}
