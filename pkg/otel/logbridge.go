package otel

import (
	"context"
	"io"
	"log"
	"os"
	"strings"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// logBridgeWriter intercepts log.Printf output, parses the [Component]
// prefix into a structured attribute, and emits an OTel log record. All
// output still goes to stderr so local behavior is unchanged.
type logBridgeWriter struct {
	stderr io.Writer
	logger otellog.Logger
}

// Write implements io.Writer.
func (w *logBridgeWriter) Write(p []byte) (int, error) {
	n, err := w.stderr.Write(p)

	line := strings.TrimSpace(string(p))
	if line == "" {
		return n, err
	}

	component, body := parseLogLine(line)

	var record otellog.Record
	record.SetTimestamp(time.Now())
	record.SetBody(otellog.StringValue(body))
	record.SetSeverity(otellog.SeverityInfo)
	record.AddAttributes(otellog.String("component", component))

	w.logger.Emit(context.Background(), record)

	return n, err
}

// parseLogLine extracts the [Tag] prefix from a log line.
// Input:  "2026/08/25 12:00:00 [Gossip] announce sent to 3 peers"
// Output: component="gossip", body="announce sent to 3 peers"
//
// If no [Tag] is found, component is "general" and body is the full line
// with the stdlib log timestamp prefix stripped if present.
func parseLogLine(line string) (component, body string) {
	// Stdlib log timestamps are "YYYY/MM/DD HH:MM:SS ", 20 chars.
	stripped := line
	if len(line) > 20 && line[4] == '/' && line[7] == '/' && line[10] == ' ' && line[13] == ':' {
		stripped = strings.TrimSpace(line[20:])
	}

	if len(stripped) > 2 && stripped[0] == '[' {
		end := strings.IndexByte(stripped, ']')
		if end > 1 {
			component = strings.ToLower(stripped[1:end])
			body = strings.TrimSpace(stripped[end+1:])
			return component, body
		}
	}

	return "general", stripped
}

// InstallLogBridge replaces log.SetOutput with a writer that forwards
// log.Printf output to both stderr and the OTel LoggerProvider.
// Existing log.Printf calls require zero changes.
func InstallLogBridge(lp *sdklog.LoggerProvider) {
	logger := lp.Logger("atmosphere.log")
	log.SetOutput(&logBridgeWriter{
		stderr: os.Stderr,
		logger: logger,
	})
}
