package asterisk

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const queueStatusResponse = "Response: Success\r\n" +
	"Message: Queue status will follow\r\n" +
	"\r\n" +
	"Event: QueueParams\r\n" +
	"Queue: 2000\r\n" +
	"Max: 0\r\n" +
	"Calls: 1\r\n" +
	"Completed: 14\r\n" +
	"\r\n" +
	"Event: QueueMember\r\n" +
	"Queue: 2000\r\n" +
	"Name: Agent One\r\n" +
	"Status: 1\r\n" +
	"\r\n" +
	"Event: QueueMember\r\n" +
	"Queue: 2000\r\n" +
	"Name: Agent Two\r\n" +
	"Status: 2\r\n" +
	"\r\n" +
	"Event: QueueMember\r\n" +
	"Queue: 3000\r\n" +
	"Name: Other Queue Agent\r\n" +
	"Status: 1\r\n" +
	"\r\n" +
	"Event: QueueStatusComplete\r\n"

func TestAJAMProberQueueStatus(t *testing.T) {
	defer gock.Off()

	gock.New("http://pbx.local:8088").
		Get("/rawman").
		MatchParam("action", "Login").
		Reply(200).
		BodyString("Response: Success\r\nMessage: Authentication accepted\r\n")

	gock.New("http://pbx.local:8088").
		Get("/rawman").
		MatchParam("action", "QueueStatus").
		MatchParam("Queue", "2000").
		Reply(200).
		BodyString(queueStatusResponse)

	prober := NewAJAMProber("http://pbx.local:8088", "admin", "secret", time.Second)
	gock.InterceptClient(prober.client)

	snapshot, err := prober.QueueStatus(context.Background(), "2000")

	assert.NoError(t, err)
	assert.Equal(t, 1, snapshot.WaitingCalls)
	assert.Equal(t, []string{AgentNotInUse, AgentInUse}, snapshot.Agents)
	assert.True(t, gock.IsDone())
}

func TestAJAMProberLoginRejected(t *testing.T) {
	defer gock.Off()

	gock.New("http://pbx.local:8088").
		Get("/rawman").
		MatchParam("action", "Login").
		Reply(200).
		BodyString("Response: Error\r\nMessage: Authentication failed\r\n")

	prober := NewAJAMProber("http://pbx.local:8088", "admin", "wrong", time.Second)
	gock.InterceptClient(prober.client)

	_, err := prober.QueueStatus(context.Background(), "2000")

	assert.Error(t, err)
}

func TestAJAMProberUnknownQueue(t *testing.T) {
	defer gock.Off()

	gock.New("http://pbx.local:8088").
		Get("/rawman").
		MatchParam("action", "Login").
		Reply(200).
		BodyString("Response: Success\r\n")

	gock.New("http://pbx.local:8088").
		Get("/rawman").
		MatchParam("action", "QueueStatus").
		Reply(200).
		BodyString("Response: Success\r\nMessage: Queue status will follow\r\n\r\nEvent: QueueStatusComplete\r\n")

	prober := NewAJAMProber("http://pbx.local:8088", "admin", "secret", time.Second)
	gock.InterceptClient(prober.client)

	_, err := prober.QueueStatus(context.Background(), "9999")

	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestParseManagerEventsMapsMemberStates(t *testing.T) {
	body := "Event: QueueParams\nQueue: 2000\nCalls: 0\n\n" +
		"Event: QueueMember\nQueue: 2000\nStatus: 3\n\n" +
		"Event: QueueMember\nQueue: 2000\nStatus: 5\n\n" +
		"Event: QueueMember\nQueue: 2000\nStatus: 42\n"

	snapshot := ParseManagerEvents(body, "2000")

	assert.Equal(t, []string{AgentBusy, AgentUnavailable, AgentUnknown}, snapshot.Agents)
}
