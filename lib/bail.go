package lib

import (
	"context"
	"os"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Bail logs err (expanding aggregates into one line per cause, the way
// the job scheduler can return several) and exits with a nonzero status.
func Bail(err error) {
	if agg, ok := trace.Unwrap(err).(trace.Aggregate); ok {
		for _, aggErr := range agg.Errors() {
			log.WithError(aggErr).Error("Terminating...")
		}
	} else {
		log.WithError(err).Error("Terminating...")
	}
	log.Debugf("%v", trace.DebugReport(err))
	os.Exit(1)
}

// IsCanceled reports whether err is (or wraps) context.Canceled.
func IsCanceled(err error) bool {
	return trace.Unwrap(err) == context.Canceled
}
