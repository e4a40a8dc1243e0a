package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerExposesCollectors(t *testing.T) {
	PacketsDropped.WithLabelValues("checksum").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "pupd_router_packets_dropped_total") {
		t.Fatal("dropped counter not exported")
	}
	if got := testutil.ToFloat64(PacketsDropped.WithLabelValues("checksum")); got < 1 {
		t.Fatalf("counter %v", got)
	}
}

func TestRegisterTwice(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()
}
