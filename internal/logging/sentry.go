package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

var sentryEnabled bool

// sentryWanted resolves the opt-in: SRIX_AGENT_SENTRY=1 or 0 overrides the stored setting.
func sentryWanted(crashReportingEnabled bool) bool {
	switch os.Getenv("SRIX_AGENT_SENTRY") {
	case "1":
		return true
	case "0":
		return false
	}
	return crashReportingEnabled
}

// InitSentry initializes crash reporting. There is no built-in project: the DSN must come
// from SRIX_AGENT_SENTRY_DSN. Returns true if Sentry was initialized.
func InitSentry(version string, crashReportingEnabled bool) bool {
	if !sentryWanted(crashReportingEnabled) {
		return false
	}

	dsn := os.Getenv("SRIX_AGENT_SENTRY_DSN")
	if dsn == "" {
		Warn(CatSystem, "Crash reporting enabled but SRIX_AGENT_SENTRY_DSN is not set", nil)
		return false
	}

	environment := os.Getenv("SRIX_AGENT_ENVIRONMENT")
	if environment == "" {
		environment = "production"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          "srix-agent@" + version,
		Environment:      environment,
		AttachStacktrace: true,
		TracesSampleRate: 0.0,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize Sentry: %v\n", err)
		return false
	}

	sentryEnabled = true
	return true
}

// SentryEnabled returns whether Sentry is currently enabled.
func SentryEnabled() bool {
	return sentryEnabled
}

// SetReaderContext tags later reports with the reader driver and tag type in use.
func SetReaderContext(driver, tagType string) {
	if !sentryEnabled {
		return
	}
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("driver", driver)
		scope.SetTag("tag_type", tagType)
	})
}

// FlushSentry flushes buffered events. Call it before the process exits.
func FlushSentry(timeout time.Duration) {
	if sentryEnabled {
		sentry.Flush(timeout)
	}
}

// CapturePanic sends a recovered panic and its stack to Sentry.
func CapturePanic(panicValue interface{}, stack []byte, where string) {
	if !sentryEnabled {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("panic_context", where)
		scope.SetExtra("stack_trace", string(stack))
		scope.SetLevel(sentry.LevelFatal)

		if err, ok := panicValue.(error); ok {
			sentry.CaptureException(err)
		} else {
			sentry.CaptureMessage(fmt.Sprint(panicValue))
		}
	})

	// The process may be about to die
	sentry.Flush(2 * time.Second)
}

// CaptureError reports a failed tag operation. Operator cancellations must not be passed in.
func CaptureError(err error, operation string, data map[string]any) {
	if !sentryEnabled || err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("operation", operation)
		for k, v := range data {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}
