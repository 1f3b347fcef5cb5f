package events

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"buildstage/services/staging/downloader"
)

const (
	// StreamName is the JetStream stream carrying every buildstage subject.
	StreamName = "BUILDSTAGE"
	// SubjectPrefix prefixes published staging events, e.g. buildstage.events.artifact.staged.
	SubjectPrefix = "buildstage.events."
	// StageRequestedSubject carries stage requests consumed by the staging server.
	StageRequestedSubject = "buildstage.stage.requested"
	// StageRequestedDurable is the durable consumer name of the staging server.
	StageRequestedDurable = "buildstage-stager"
)

// Subjects lists the subjects the stream must capture.
func Subjects() []string {
	return []string{SubjectPrefix + ">", StageRequestedSubject}
}

// Publisher is satisfied by *bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Observer publishes every staging event to SubjectPrefix + event type.
type Observer struct {
	pub    Publisher
	logger *zap.Logger
}

func NewObserver(pub Publisher, logger *zap.Logger) (*Observer, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{pub: pub, logger: logger}, nil
}

func (o *Observer) Observe(ctx context.Context, ev downloader.Event) {
	if o == nil {
		return
	}
	subject := Subject(ev.Type)
	if err := o.pub.Publish(context.WithoutCancel(ctx), subject, ev); err != nil {
		o.logger.Warn("publish staging event", zap.String("subject", subject), zap.Error(err))
	}
}

// Subject returns the subject an event type is published on.
func Subject(t downloader.EventType) string {
	return SubjectPrefix + string(t)
}
