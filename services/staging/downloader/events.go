package downloader

import (
	"context"
	"time"
)

// EventType names a point in the life of a Download call.
type EventType string

const (
	EventDownloadStarted      EventType = "download.started"
	EventArtifactStaged       EventType = "artifact.staged"
	EventArtifactFailed       EventType = "artifact.failed"
	EventBackgroundDispatched EventType = "background.dispatched"
	EventBackgroundFinished   EventType = "background.finished"
	EventDownloadFinished     EventType = "download.finished"
	EventDownloadFailed       EventType = "download.failed"
)

// Event is reported to the Observer of a Downloader.
type Event struct {
	Type       EventType     `json:"type"`
	DownloadID string        `json:"download_id"`
	Build      string        `json:"build"`
	Source     string        `json:"source"`
	Kind       string        `json:"kind,omitempty"`
	Mode       string        `json:"mode,omitempty"`
	Artifacts  []string      `json:"artifacts,omitempty"`
	Err        string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
	At         time.Time     `json:"at"`
}

// Observer receives staging events. Observe must not block for long; it is called inline
// from staging goroutines.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }

// Observers fans an event out to every non-nil observer in order.
type Observers []Observer

func (o Observers) Observe(ctx context.Context, ev Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(ctx, ev)
		}
	}
}
