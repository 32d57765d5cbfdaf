package otel

import (
	"context"
	"os"
	"testing"
)

func TestInitNoEndpoint(t *testing.T) {
	os.Unsetenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	shutdown, err := Init(context.Background(), "atmosphere-test", "v0.0.1")
	if err != nil {
		t.Fatalf("Init() with no endpoint should not error, got: %v", err)
	}

	// The noop shutdown is safe to call any number of times.
	shutdown(context.Background())
	shutdown(context.Background())
}

func TestParseLogLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		line          string
		wantComponent string
		wantBody      string
	}{
		{
			name:          "tagged with timestamp",
			line:          "2026/08/25 12:00:00 [Gossip] announce sent to 3 peers",
			wantComponent: "gossip",
			wantBody:      "announce sent to 3 peers",
		},
		{
			name:          "tagged without timestamp",
			line:          "[Transport] lan peer found at 192.168.1.40:11451",
			wantComponent: "transport",
			wantBody:      "lan peer found at 192.168.1.40:11451",
		},
		{
			name:          "no tag with timestamp",
			line:          "2026/08/25 12:00:00 plain log message",
			wantComponent: "general",
			wantBody:      "plain log message",
		},
		{
			name:          "no tag no timestamp",
			line:          "plain log message",
			wantComponent: "general",
			wantBody:      "plain log message",
		},
		{
			name:          "router tag",
			line:          "[Router] forwarding intent to bbbbbbbbbbbbbbbb",
			wantComponent: "router",
			wantBody:      "forwarding intent to bbbbbbbbbbbbbbbb",
		},
		{
			name:          "empty body after tag",
			line:          "[Relay]",
			wantComponent: "relay",
			wantBody:      "",
		},
		{
			name:          "timestamped relay line",
			line:          "2026/08/25 21:34:09 [Relay] registered mesh 3f9a1c5b7d2e4a68",
			wantComponent: "relay",
			wantBody:      "registered mesh 3f9a1c5b7d2e4a68",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			component, body := parseLogLine(tt.line)
			if component != tt.wantComponent {
				t.Errorf("parseLogLine(%q) component = %q, want %q", tt.line, component, tt.wantComponent)
			}
			if body != tt.wantBody {
				t.Errorf("parseLogLine(%q) body = %q, want %q", tt.line, body, tt.wantBody)
			}
		})
	}
}

func TestBuildResource(t *testing.T) {
	t.Parallel()

	res, err := buildResource(context.Background(), "atmosphere", "v1.0.0")
	if err != nil {
		t.Fatalf("buildResource() error = %v", err)
	}
	if res == nil {
		t.Fatal("buildResource() returned nil resource")
	}

	attrs := res.Attributes()
	found := make(map[string]bool)
	for _, attr := range attrs {
		found[string(attr.Key)] = true
	}
	for _, key := range []string{"service.name", "service.version", "host.name"} {
		if !found[key] {
			t.Errorf("buildResource() missing attribute %q", key)
		}
	}
}
