// Package goposthog sends telemetry events to PostHog.
package goposthog

import (
	"context"
	"errors"

	"github.com/posthog/posthog-go"

	"github.com/Vector/docbatch/tlmt"
)

const DefaultEndpoint = "https://eu.i.posthog.com"

type service struct {
	client posthog.Client
}

func New(publicAPIKey, endpointURL string) (tlmt.Telemetry, error) {
	if publicAPIKey == "" {
		return nil, errors.New("posthog api key is required")
	}

	if endpointURL == "" {
		endpointURL = DefaultEndpoint
	}

	client, err := posthog.NewWithConfig(publicAPIKey, posthog.Config{Endpoint: endpointURL})
	if err != nil {
		return nil, err
	}

	return &service{client: client}, nil
}

func (s *service) Send(_ context.Context, event tlmt.Event) error {
	capture := posthog.Capture{
		DistinctId: event.AnonymousID,
		Event:      event.Name,
		Properties: posthog.Properties(event.Properties),
	}

	if err := capture.Validate(); err != nil {
		return err
	}

	return s.client.Enqueue(capture)
}

func (s *service) Close() error {
	if s.client != nil {
		return s.client.Close()
	}

	return nil
}
