package notify

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/smtp"
	"net/textproto"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/viva-health/screening/pkg/common/models"
	"github.com/viva-health/screening/pkg/observability/metrics"
	"github.com/viva-health/screening/pkg/screening"
)

var today = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func flaggedPatient(nhs, email string, risk float64, last time.Time) models.ScreenedPatient {
	return models.ScreenedPatient{
		Record: models.PatientRecord{
			Name:             "Isla Hughes",
			NHSNumber:        nhs,
			Email:            email,
			LastConsultation: last,
		},
		Multiplier: risk,
		Status:     screening.StatusUrgent,
	}
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []Message
	failTo string
	err    error
}

func (f *fakeSender) Send(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if msg.To == f.failTo {
		return errors.New("550 mailbox unavailable")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func TestBuildMessage(t *testing.T) {
	recent := flaggedPatient("1", "isla@example.com", 1.8347, today.AddDate(0, -2, 0))
	msg := BuildMessage(recent, today, MessageOptions{})

	assert.Equal(t, "isla@example.com", msg.To)
	assert.Equal(t, "IMPORTANT: Health data flagged", msg.Subject)
	assert.True(t, strings.HasPrefix(msg.Body, "Dear Isla Hughes,\n"))
	assert.Contains(t, msg.Body, "your predicted risk level is 1.83 times higher than the average for breast cancer.")
	assert.Contains(t, msg.Body, DefaultBookingURL)
	assert.Contains(t, msg.Body, "Best regards,\nViva Clinical Team\n")
	assert.NotContains(t, msg.Body, "NOTICE")

	overdue := flaggedPatient("2", "ava@example.com", 2, time.Date(2023, 3, 14, 0, 0, 0, 0, time.UTC))
	msg = BuildMessage(overdue, today, MessageOptions{BookingURL: "https://book.example.com", Signature: "Leeds Screening"})
	assert.Contains(t, msg.Body, "risk level is 2.0 times higher")
	assert.Contains(t, msg.Body, "NOTICE: Our records show your last consultation was over 9 months ago (2023-03-14).")
	assert.Contains(t, msg.Body, "https://book.example.com")
	assert.Contains(t, msg.Body, "Leeds Screening")
}

func TestIsOverdue(t *testing.T) {
	assert.False(t, IsOverdue(today.AddDate(0, 0, -270), today, 270))
	assert.True(t, IsOverdue(today.AddDate(0, 0, -271), today, 270))
	assert.False(t, IsOverdue(time.Time{}, today, 270))
}

func TestFormatRisk(t *testing.T) {
	assert.Equal(t, "1.8", FormatRisk(1.8))
	assert.Equal(t, "2.35", FormatRisk(2.3512))
	assert.Equal(t, "11.0", FormatRisk(11))
}

func TestEncode(t *testing.T) {
	msg := Message{To: "isla@example.com", Subject: Subject, Body: "line one\nline two\n"}
	raw := string(msg.Encode("clinic@example.com", "Viva Clinical Team", today))

	assert.Contains(t, raw, "From: Viva Clinical Team <clinic@example.com>\r\n")
	assert.Contains(t, raw, "To: isla@example.com\r\n")
	assert.Contains(t, raw, "Subject: IMPORTANT: Health data flagged\r\n")
	assert.Contains(t, raw, "Content-Type: text/plain; charset=UTF-8\r\n\r\nline one\r\nline two\r\n")
}

func TestRunContinuesAfterFailures(t *testing.T) {
	sender := &fakeSender{failTo: "ava@example.com"}
	notifier := NewNotifier(sender, MessageOptions{}, WithClock(func() time.Time { return today }))
	failedBefore := testutil.ToFloat64(metrics.Emails.WithLabelValues(outcomeFailed))
	sentBefore := testutil.ToFloat64(metrics.Emails.WithLabelValues(outcomeSent))

	summary, err := notifier.Run(context.Background(), []models.ScreenedPatient{
		flaggedPatient("1", "isla@example.com", 1.8, today),
		flaggedPatient("2", "ava@example.com", 1.6, today),
		flaggedPatient("3", "mia@example.com", 1.3, today),
	})
	require.NoError(t, err)

	assert.Equal(t, Summary{Sent: 2, Failed: 1}, summary)
	require.Len(t, sender.sent, 2)
	assert.Equal(t, "mia@example.com", sender.sent[1].To)
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(metrics.Emails.WithLabelValues(outcomeFailed)))
	assert.Equal(t, sentBefore+2, testutil.ToFloat64(metrics.Emails.WithLabelValues(outcomeSent)))
}

func TestRunEmptyAndCancelled(t *testing.T) {
	notifier := NewNotifier(&fakeSender{}, MessageOptions{})

	summary, err := notifier.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = notifier.Run(ctx, []models.ScreenedPatient{flaggedPatient("1", "isla@example.com", 1.8, today)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flagged_patients_report.csv")
	require.NoError(t, screening.WriteReport(path, []models.ScreenedPatient{
		flaggedPatient("412-555-1234", "isla@example.com", 1.8, time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC)),
	}))
	sender := &fakeSender{}
	notifier := NewNotifier(sender, MessageOptions{}, WithClock(func() time.Time { return today }))

	summary, err := notifier.RunReport(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0].Body, "(2023-01-05)")

	_, err = notifier.RunReport(context.Background(), filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestHandleEvent(t *testing.T) {
	sender := &fakeSender{}
	notifier := NewNotifier(sender, MessageOptions{})
	patient := flaggedPatient("412-555-1234", "isla@example.com", 1.8, today)

	require.NoError(t, notifier.HandleEvent(context.Background(), models.Event{ID: "e1", Type: "screening.completed"}))
	assert.Empty(t, sender.sent)

	require.NoError(t, notifier.HandleEvent(context.Background(), models.Event{ID: "e2", Type: screening.EventFlagged, Data: screening.EventData(patient)}))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "isla@example.com", sender.sent[0].To)

	err := notifier.HandleEvent(context.Background(), models.Event{ID: "e3", Type: screening.EventFlagged, Data: map[string]interface{}{}})
	assert.Error(t, err)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	relay := &fakeSender{err: errors.New("421 service not available")}
	breaker := NewBreakerSender(relay, 2, time.Minute)
	msg := Message{To: "isla@example.com"}

	assert.Error(t, breaker.Send(context.Background(), msg))
	assert.Error(t, breaker.Send(context.Background(), msg))
	assert.Equal(t, "open", breaker.State())

	relay.err = nil
	err := breaker.Send(context.Background(), msg)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Empty(t, relay.sent)
}

func TestNewSMTPSenderValidatesConfig(t *testing.T) {
	_, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Port: 587}, nil)
	assert.Error(t, err)

	_, err = NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Port: 587, From: "clinic@example.com"}, nil)
	assert.NoError(t, err)
}

func TestXOAuth2Auth(t *testing.T) {
	auth := XOAuth2Auth("clinic@example.com", oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "ya29.token"}))

	_, _, err := auth.Start(&smtp.ServerInfo{Name: "smtp.example.com", TLS: false})
	assert.Error(t, err)

	mech, resp, err := auth.Start(&smtp.ServerInfo{Name: "smtp.example.com", TLS: true})
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t, "user=clinic@example.com\x01auth=Bearer ya29.token\x01\x01", string(resp))

	next, err := auth.Next([]byte(`{"status":"400"}`), true)
	require.NoError(t, err)
	assert.Empty(t, next)
}

// smtpServer accepts one plain SMTP session and returns the DATA payload.
func smtpServer(t *testing.T) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	data := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)
		_ = tp.PrintfLine("220 localhost ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			switch verb := strings.ToUpper(strings.Fields(line)[0]); verb {
			case "EHLO", "HELO":
				_ = tp.PrintfLine("250 localhost")
			case "MAIL", "RCPT":
				_ = tp.PrintfLine("250 OK")
			case "DATA":
				_ = tp.PrintfLine("354 Go ahead")
				body, err := tp.ReadDotBytes()
				if err != nil {
					return
				}
				data <- string(body)
				_ = tp.PrintfLine("250 Queued")
			case "QUIT":
				_ = tp.PrintfLine("221 Bye")
				return
			default:
				_ = tp.PrintfLine("502 Not implemented")
			}
		}
	}()
	return ln.Addr().String(), data
}

func TestSMTPSenderDelivers(t *testing.T) {
	addr, data := smtpServer(t)
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	portNum, err := net.LookupPort("tcp", port)
	require.NoError(t, err)

	sender, err := NewSMTPSender(SMTPConfig{Host: host, Port: portNum, From: "clinic@example.com", FromName: "Viva Clinical Team", Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)

	msg := BuildMessage(flaggedPatient("1", "isla@example.com", 1.8, today), today, MessageOptions{})
	require.NoError(t, sender.Send(context.Background(), msg))

	select {
	case body := <-data:
		reader := textproto.NewReader(bufio.NewReader(strings.NewReader(body)))
		header, err := reader.ReadMIMEHeader()
		require.NoError(t, err)
		assert.Equal(t, "IMPORTANT: Health data flagged", header.Get("Subject"))
		assert.Equal(t, "isla@example.com", header.Get("To"))
		assert.Contains(t, body, "Dear Isla Hughes,")
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}
