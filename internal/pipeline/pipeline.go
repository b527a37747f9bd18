// Package pipeline classifies one message at a time: urgency, risk, and the
// high-risk reply. Every step is idempotent so at-least-once delivery of the
// same message converges to the same labels.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veldt-labs/mailwarden/internal/classify"
	"github.com/veldt-labs/mailwarden/internal/gateway"
	"github.com/veldt-labs/mailwarden/internal/store"
)

const (
	LabelUrgent       = "URGENT"
	LabelHighRisk     = "HIGH_RISK"
	LabelModerateRisk = "MODERATE_RISK"
)

// EventSink receives a record for every label the pipeline applies. The
// store's outbox implements it; nil disables event publication.
type EventSink interface {
	AppendClassificationEvent(ctx context.Context, eventID, subject string, ev store.ClassificationEvent) error
}

type Pipeline struct {
	gw      gateway.Gateway
	cls     classify.Classifier
	account string
	sink    EventSink
	log     *zap.Logger
}

func New(gw gateway.Gateway, cls classify.Classifier, account string, sink EventSink, log *zap.Logger) *Pipeline {
	return &Pipeline{gw: gw, cls: cls, account: account, sink: sink, log: log}
}

// Process classifies a single message. Only the initial fetch error is
// returned; classifier and label failures are logged and absorbed so one bad
// message never aborts the surrounding delta.
func (p *Pipeline) Process(ctx context.Context, messageID string) error {
	msg, err := p.gw.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("fetch message %s: %w", messageID, err)
	}

	from := msg.Header("From")
	to := msg.Header("To")
	if strings.Contains(from, p.account) && strings.Contains(to, p.account) {
		// Mail from the account to itself is never urgent or risky.
		p.log.Info("skipping self-mail", zap.String("message", messageID))
		return nil
	}

	subject := msg.Header("Subject")

	p.processUrgency(ctx, msg, subject, from)
	p.processRisk(ctx, msg, subject, from)
	return nil
}

func (p *Pipeline) processUrgency(ctx context.Context, msg *gateway.Message, subject, sender string) {
	label, err := p.gw.EnsureLabel(ctx, LabelUrgent)
	if err != nil {
		p.log.Error("ensure urgent label", zap.Error(err))
		return
	}
	if msg.HasLabel(label.ID) {
		return
	}

	urgent, err := p.cls.Urgent(ctx, subject, msg.BodyText, sender)
	if err != nil {
		// Conservative negative: no label on classifier failure.
		p.log.Warn("urgency classification failed", zap.String("message", msg.ID), zap.Error(err))
		return
	}
	if !urgent {
		return
	}

	if err := p.gw.AddLabels(ctx, msg.ID, []string{label.ID}); err != nil {
		p.log.Error("apply urgent label", zap.String("message", msg.ID), zap.Error(err))
		return
	}
	p.log.Info("labeled urgent", zap.String("message", msg.ID), zap.String("subject", subject))
	p.emit(ctx, msg.ID, LabelUrgent, "")
}

func (p *Pipeline) processRisk(ctx context.Context, msg *gateway.Message, subject, sender string) {
	high, err := p.gw.EnsureLabel(ctx, LabelHighRisk)
	if err != nil {
		p.log.Error("ensure high-risk label", zap.Error(err))
		return
	}
	moderate, err := p.gw.EnsureLabel(ctx, LabelModerateRisk)
	if err != nil {
		p.log.Error("ensure moderate-risk label", zap.Error(err))
		return
	}
	if msg.HasLabel(high.ID) || msg.HasLabel(moderate.ID) {
		return
	}

	analysis, err := p.cls.Risk(ctx, subject, msg.BodyText, sender, msg.AttachmentFilenames)
	if err != nil {
		p.log.Warn("risk classification failed", zap.String("message", msg.ID), zap.Error(err))
		return
	}
	if analysis.Level == classify.RiskNone {
		return
	}

	label := moderate
	if analysis.Level == classify.RiskHigh {
		label = high
	}
	if err := p.gw.AddLabels(ctx, msg.ID, []string{label.ID}); err != nil {
		p.log.Error("apply risk label", zap.String("message", msg.ID), zap.Error(err))
		return
	}
	p.log.Info("labeled risk",
		zap.String("message", msg.ID),
		zap.String("level", analysis.Level.String()),
		zap.String("subject", subject))
	p.emit(ctx, msg.ID, label.Name, analysis.Explanation)

	if analysis.Level == classify.RiskHigh {
		p.sendRiskReply(ctx, msg, sender, subject, analysis.Explanation)
	}
}

// sendRiskReply warns the mailbox owner in the original thread. Failure is
// logged only; the label has already been applied.
func (p *Pipeline) sendRiskReply(ctx context.Context, msg *gateway.Message, sender, subject, explanation string) {
	body := fmt.Sprintf(
		"High risk email detected from: %s\r\n\r\nOriginal Subject: %s\r\n\r\nRisk Analysis Report:\r\n%s\r\n\r\nIt is recommended to not engage with this email.",
		sender, subject, explanation,
	)
	err := p.gw.SendReply(ctx, gateway.Reply{
		ThreadID:          msg.ThreadID,
		OriginalMessageID: msg.ID,
		To:                p.account,
		Subject:           subject,
		Body:              body,
	})
	if err != nil {
		p.log.Error("send risk reply", zap.String("message", msg.ID), zap.Error(err))
		return
	}
	p.log.Info("sent risk reply", zap.String("message", msg.ID))
}

func (p *Pipeline) emit(ctx context.Context, messageID, label, detail string) {
	if p.sink == nil {
		return
	}
	ev := store.ClassificationEvent{
		Account:   p.account,
		MessageID: messageID,
		Label:     label,
		Detail:    detail,
	}
	if err := p.sink.AppendClassificationEvent(ctx, uuid.NewString(), "mail.classified", ev); err != nil {
		p.log.Error("record classification event", zap.String("message", messageID), zap.Error(err))
	}
}
