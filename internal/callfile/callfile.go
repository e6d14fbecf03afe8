package callfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"queue-callback/internal/db"

	"github.com/pkg/errors"
)

// Dialplan contexts the generated directives dial into.
const (
	customerContext = "queuecallback-outbound"
	agentContext    = "queuecallback-agent-outbound"
	originContext   = "from-internal"
)

// Directive describes one call origination handed to the telephony
// engine. The request and queue ids ride along as channel variables so
// the outcome can be correlated back to the request record.
type Directive struct {
	RequestID      int64
	QueueID        string
	CallbackNumber string
	CallFirst      string
}

// Render produces the call-file text for the directive, honoring the
// queue's call-first policy: customer-first dials the callback number
// into the handler context that bridges into the queue once answered;
// agent-first dials the queue's agent connection and has the dialplan
// call the customer only after an agent answers.
func Render(d Directive) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Set: __CALLBACK_ID=%d\n", d.RequestID)
	fmt.Fprintf(&b, "Set: __CALLBACK_QUEUE_ID=%s\n", d.QueueID)
	fmt.Fprintf(&b, "Set: CALLBACK_QUEUE_ID=%s\n", d.QueueID)

	if d.CallFirst == db.CallFirstAgent {
		fmt.Fprintf(&b, "Set: __CALLBACK_CUSTOMER_NUM=%s\n", d.CallbackNumber)
		fmt.Fprintf(&b, "Channel: Local/%s@%s\n", d.QueueID, originContext)
		fmt.Fprintf(&b, "CallerID: QC Agent <%s>\n", d.QueueID)
		fmt.Fprintf(&b, "Context: %s\n", agentContext)
		b.WriteString("Extension: s\n")
	} else {
		fmt.Fprintf(&b, "Channel: Local/%s@%s\n", d.CallbackNumber, originContext)
		fmt.Fprintf(&b, "CallerID: Queue Callback <%s>\n", d.CallbackNumber)
		fmt.Fprintf(&b, "Context: %s\n", customerContext)
		fmt.Fprintf(&b, "Extension: %s\n", d.QueueID)
	}

	b.WriteString("MaxRetries: 2\n")
	b.WriteString("RetryTime: 60\n")
	b.WriteString("WaitTime: 30\n")
	b.WriteString("Priority: 1\n")
	b.WriteString("Archive: yes\n")

	return b.String()
}

// Spool hands directives to the engine's intake directory using the
// write-temp-then-rename pattern: the engine must never observe a
// partially written call file, and the rename either fully succeeds or
// leaves the store untouched for the next pass to retry.
type Spool struct {
	spoolDir string
	tempDir  string
}

// NewSpool creates a spool handing files into spoolDir. Temp files are
// staged in tempDir, which must live on the same filesystem for the
// rename to be atomic; when empty it defaults to the spool's parent.
func NewSpool(spoolDir, tempDir string) *Spool {
	if tempDir == "" {
		tempDir = filepath.Dir(spoolDir)
	}
	return &Spool{spoolDir: spoolDir, tempDir: tempDir}
}

// Drop writes the directive and atomically moves it into the intake
// directory.
func (s *Spool) Drop(d Directive) error {
	name := fmt.Sprintf("queuecallback_%d.call", d.RequestID)
	tempPath := filepath.Join(s.tempDir, name)

	if err := os.WriteFile(tempPath, []byte(Render(d)), 0o666); err != nil {
		return errors.Wrap(err, "writing call file")
	}

	if err := os.Rename(tempPath, filepath.Join(s.spoolDir, name)); err != nil {
		os.Remove(tempPath)
		return errors.Wrap(err, "moving call file into spool")
	}

	return nil
}
