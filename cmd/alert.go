package cmd

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// sentryAlerter forwards operator alerts to Sentry.
type sentryAlerter struct{}

func (sentryAlerter) Alert(_ context.Context, err error, tags map[string]string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}
