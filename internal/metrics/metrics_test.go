package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alxayo/rtmpjoin/internal/mixer"
)

func TestRegistryObserveAdmitAndDropAppearInScrape(t *testing.T) {
	r := New()
	r.ObserveAdmit("video", mixer.SourceID(1), 42)
	r.ObserveDrop("audio", mixer.SourceID(2))
	r.SetConnectionCount(3)
	r.ObserveRejection("rate_limited")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`rtmpjoin_mixer_tags_admitted_total{track="video"} 1`,
		`rtmpjoin_mixer_tags_dropped_total{track="audio"} 1`,
		`rtmpjoin_mixer_output_timestamp_ms{track="video"} 42`,
		`rtmpjoin_dispatcher_connections 3`,
		`rtmpjoin_dispatcher_connections_rejected_total{reason="rate_limited"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape output missing %q\nfull output:\n%s", want, body)
		}
	}
}
