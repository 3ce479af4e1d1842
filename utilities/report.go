package utilities

import (
	"fmt"
	"sync/atomic"

	"github.com/bugsnag/bugsnag-go"
	"github.com/sirupsen/logrus"
)

var reportingEnabled atomic.Bool

// ConfigureReporting sets up bugsnag. An empty API key leaves reporting
// off and Report only logs.
func ConfigureReporting(apiKey, releaseStage string) {
	if apiKey == "" {
		return
	}
	bugsnag.Configure(bugsnag.Configuration{
		APIKey:          apiKey,
		ReleaseStage:    releaseStage,
		ProjectPackages: []string{"main", "github.com/jellypudding/simplevote"},
	})
	reportingEnabled.Store(true)
}

// Report sends err to bugsnag when reporting is configured.
func Report(err error, meta map[string]interface{}) {
	if err == nil || !reportingEnabled.Load() {
		return
	}
	if notifyErr := bugsnag.Notify(err, bugsnag.MetaData{"simplevote": meta}); notifyErr != nil {
		logrus.WithError(notifyErr).Debug("bugsnag notify failed")
	}
}

// RecoverAndReport turns a recovered panic value into an error, logs it
// and reports it. Call it directly in a deferred function.
func RecoverAndReport(rec interface{}, where string) error {
	if rec == nil {
		return nil
	}
	err := fmt.Errorf("panic in %s: %v", where, rec)
	logrus.WithError(err).Error("💥 recovered panic")
	Report(err, map[string]interface{}{"where": where})
	return err
}
