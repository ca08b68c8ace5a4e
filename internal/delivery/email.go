package delivery

import (
	"context"
	"fmt"
	"strings"
)

// EmailMessage is one rendered alert email, queued on the local outbox and
// handed to the transport by the outbox drainer.
type EmailMessage struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Outbox is the durable queue emails pass through; satisfied by
// outbox.Outbox.
type Outbox interface {
	Enqueue(ctx context.Context, msg EmailMessage) error
}

// EmailSender renders alert payloads into messages and enqueues them. The
// actual SMTP (or provider API) transport lives behind the outbox drainer;
// the default transport just logs.
type EmailSender struct {
	outbox Outbox
}

// NewEmailSender builds an EmailSender writing to ob.
func NewEmailSender(ob Outbox) *EmailSender {
	return &EmailSender{outbox: ob}
}

// Send renders and enqueues one alert email. entityName is the display name
// of the affected entity (port name, falling back to its id upstream).
func (e *EmailSender) Send(ctx context.Context, to, entityName string, p *Payload) error {
	msg := EmailMessage{
		To:      to,
		Subject: RenderSubject(p, entityName),
		Body:    RenderBody(p, entityName),
	}
	if err := e.outbox.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("delivery: enqueue email: %w", err)
	}
	return nil
}

// RenderSubject produces "[Veriscope] {severity} {cluster_type} — {entity} — {day}".
func RenderSubject(p *Payload, entityName string) string {
	clusterType := clusterTypeOf(p.ClusterID)
	return fmt.Sprintf("[Veriscope] %s %s — %s — %s",
		p.ClusterSeverity, clusterType, entityName, p.Day)
}

// RenderBody produces the structured plain-text body.
func RenderBody(p *Payload, entityName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s at %s on %s\n", clusterTypeOf(p.ClusterID), entityName, p.Day)
	fmt.Fprintf(&b, "Severity: %s  Confidence: %.2f (%s)\n\n", p.ClusterSeverity, p.ConfidenceScore, p.ConfidenceBand)
	if p.ClusterSummary != "" {
		fmt.Fprintf(&b, "Summary: %s\n\n", p.ClusterSummary)
	}

	if len(p.TopDrivers) > 0 {
		b.WriteString("Drivers:\n")
		for _, d := range p.TopDrivers {
			fmt.Fprintf(&b, "  - %s: %.1f vs baseline %.1f (%+.1f%%)\n",
				d.Metric, d.Value, d.Baseline, d.DeltaPct)
		}
		b.WriteString("\n")
	}
	if len(p.Impact) > 0 {
		b.WriteString("Impact:\n")
		for _, line := range p.Impact {
			fmt.Fprintf(&b, "  - %s\n", line)
		}
		b.WriteString("\n")
	}
	if len(p.Followups) > 0 {
		b.WriteString("Recommended followups:\n")
		for _, line := range p.Followups {
			fmt.Fprintf(&b, "  - %s\n", line)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Data quality: %d/30 days (%d%% complete)\n",
		p.DataQuality.HistoryDaysUsed, p.DataQuality.CompletenessPct)
	fmt.Fprintf(&b, "Cluster: %s\n", p.ClusterID)
	return b.String()
}

// clusterTypeOf extracts the type prefix of a cluster id
// ("PORT_DISRUPTION:{port}:{day}" → "PORT_DISRUPTION").
func clusterTypeOf(clusterID string) string {
	if i := strings.IndexByte(clusterID, ':'); i > 0 {
		return clusterID[:i]
	}
	return clusterID
}
