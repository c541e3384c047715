// Package notify emails flagged patients asking them to book a GP appointment.
package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/viva-health/screening/pkg/common/models"
	"github.com/viva-health/screening/pkg/screening"
)

const (
	Subject = "IMPORTANT: Health data flagged"

	DefaultOverdueDays = 270
	DefaultBookingURL  = "https://www.nhs.uk/nhs-services/gps/gp-appointments-and-bookings/"
	DefaultSignature   = "Viva Clinical Team"
)

type MessageOptions struct {
	OverdueDays int
	BookingURL  string
	Signature   string
}

func (o MessageOptions) withDefaults() MessageOptions {
	if o.OverdueDays <= 0 {
		o.OverdueDays = DefaultOverdueDays
	}
	if o.BookingURL == "" {
		o.BookingURL = DefaultBookingURL
	}
	if o.Signature == "" {
		o.Signature = DefaultSignature
	}
	return o
}

// Message is one plain-text email to a patient.
type Message struct {
	To      string
	Name    string
	Subject string
	Body    string
}

// IsOverdue reports whether the last consultation is more than overdueDays
// before now. An unknown consultation date is never overdue.
func IsOverdue(last, now time.Time, overdueDays int) bool {
	if last.IsZero() {
		return false
	}
	days := int(now.Sub(last).Hours() / 24)
	return days > overdueDays
}

// FormatRisk renders a multiplier rounded to two decimals, keeping at least
// one decimal place ("1.8", "2.0", "2.35").
func FormatRisk(multiplier float64) string {
	s := strconv.FormatFloat(screening.Round2(multiplier), 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// BuildMessage writes the email for one flagged patient.
func BuildMessage(s models.ScreenedPatient, now time.Time, opts MessageOptions) Message {
	opts = opts.withDefaults()

	var b strings.Builder
	fmt.Fprintf(&b, "Dear %s,\n\n", s.Record.Name)
	fmt.Fprintf(&b, "Based on our recent AI health analysis, your predicted risk level is %s times higher than the average for breast cancer.\n", FormatRisk(s.Multiplier))
	if IsOverdue(s.Record.LastConsultation, now, opts.OverdueDays) {
		fmt.Fprintf(&b, "\nNOTICE: Our records show your last consultation was over 9 months ago (%s). It is vital for patients in your risk category to have regular check-ups.\n",
			s.Record.LastConsultation.Format(time.DateOnly))
	}
	b.WriteString("\nWe strongly recommend that you book an appointment with your GP as soon as possible. You can book online via the official NHS portal here:\n")
	fmt.Fprintf(&b, "%s\n\n", opts.BookingURL)
	fmt.Fprintf(&b, "Best regards,\n%s\n", opts.Signature)

	return Message{
		To:      s.Record.Email,
		Name:    s.Record.Name,
		Subject: Subject,
		Body:    b.String(),
	}
}

// Encode renders the message as an RFC 5322 document.
func (m Message) Encode(from, fromName string, sentAt time.Time) []byte {
	var b strings.Builder
	if fromName != "" {
		fmt.Fprintf(&b, "From: %s <%s>\r\n", fromName, from)
	} else {
		fmt.Fprintf(&b, "From: %s\r\n", from)
	}
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", sentAt.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(m.Body, "\n", "\r\n"))
	return []byte(b.String())
}
