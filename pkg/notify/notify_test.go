package notify

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/mash/pkg/jobdoc"
)

func TestShouldSendSinglePolicy(t *testing.T) {
	doc := &jobdoc.Document{
		NotificationEmail: "user@example.test",
		NotificationType:  jobdoc.NotificationSingle,
		LastService:       "publish",
	}

	assert.True(t, shouldSend(doc, "publish", jobdoc.StatusSuccess))
	assert.True(t, shouldSend(doc, "publisher", jobdoc.StatusFailed))
	assert.False(t, shouldSend(doc, "create", jobdoc.StatusSuccess))
	assert.False(t, shouldSend(doc, "publish", jobdoc.StatusRunning))
}

func TestShouldSendPeriodicPolicy(t *testing.T) {
	doc := &jobdoc.Document{
		NotificationEmail: "user@example.test",
		NotificationType:  jobdoc.NotificationPeriodic,
		LastService:       "publish",
	}

	assert.True(t, shouldSend(doc, "create", jobdoc.StatusSuccess))
	assert.True(t, shouldSend(doc, "test", jobdoc.StatusFailed))
}

func TestShouldSendNeverWithoutEmail(t *testing.T) {
	doc := &jobdoc.Document{
		NotificationType: jobdoc.NotificationSingle,
		LastService:      "publish",
	}
	assert.False(t, shouldSend(doc, "publish", jobdoc.StatusSuccess))
}

// fakeSMTPServer accepts one connection and records the DATA payload,
// enough to exercise sendPlain's smtp.SendMail path end to end.
func fakeSMTPServer(t *testing.T) (addr string, received chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	received = make(chan string, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()

		respond := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }
		respond("220 fake.smtp ESMTP")

		buf := make([]byte, 4096)
		var data strings.Builder
		inData := false
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			chunk := string(buf[:n])
			if inData {
				data.WriteString(chunk)
				if strings.HasSuffix(data.String(), "\r\n.\r\n") {
					respond("250 OK queued")
					inData = false
					received <- data.String()
					continue
				}
				continue
			}
			switch {
			case strings.HasPrefix(chunk, "EHLO"), strings.HasPrefix(chunk, "HELO"):
				respond("250 fake.smtp")
			case strings.HasPrefix(chunk, "MAIL FROM"):
				respond("250 OK")
			case strings.HasPrefix(chunk, "RCPT TO"):
				respond("250 OK")
			case strings.HasPrefix(chunk, "DATA"):
				respond("354 go ahead")
				inData = true
				data.Reset()
			case strings.HasPrefix(chunk, "QUIT"):
				respond("221 bye")
				return
			default:
				respond("250 OK")
			}
		}
	}()

	return ln.Addr().String(), received
}

func TestSinkNotifyOutcomeSendsPlainSMTP(t *testing.T) {
	addr, received := fakeSMTPServer(t)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	s := New(SMTPConfig{Host: host, Port: port, From: "mash@example.test"}, nil, nil)

	doc := &jobdoc.Document{
		ID:                "job-1",
		Cloud:             jobdoc.CloudEC2,
		RequestingUser:    "alice",
		NotificationEmail: "alice@example.test",
		NotificationType:  jobdoc.NotificationSingle,
		LastService:       "publish",
		Image:             "openSUSE-Leap",
		CloudImageName:    "opensuse-leap",
	}

	err = s.NotifyOutcome(context.Background(), doc, "publish", jobdoc.StatusSuccess)
	require.NoError(t, err)

	select {
	case body := <-received:
		assert.Contains(t, body, "job-1")
		assert.Contains(t, body, "succeeded")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fake SMTP server to receive a message")
	}
}

func TestSinkNotifyOutcomeSkipsWhenPolicyDoesNotFire(t *testing.T) {
	s := New(SMTPConfig{Host: "127.0.0.1", Port: 1}, nil, nil)
	doc := &jobdoc.Document{NotificationEmail: "alice@example.test", NotificationType: jobdoc.NotificationSingle, LastService: "publish"}

	// "create" is not the last stage, so no send is attempted and no
	// dial error should surface even though port 1 is unreachable.
	err := s.NotifyOutcome(context.Background(), doc, "create", jobdoc.StatusSuccess)
	require.NoError(t, err)
}

func TestSinkNotifyOutcomeSwallowsSendFailure(t *testing.T) {
	// Nothing listens on this port: the send attempt fails, but
	// NotifyOutcome must still return nil.
	s := New(SMTPConfig{Host: "127.0.0.1", Port: 1}, nil, nil)
	doc := &jobdoc.Document{
		NotificationEmail: "alice@example.test",
		NotificationType:  jobdoc.NotificationSingle,
		LastService:       "publish",
	}
	err := s.NotifyOutcome(context.Background(), doc, "publish", jobdoc.StatusFailed)
	require.NoError(t, err)
}
