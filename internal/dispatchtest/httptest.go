package dispatchtest

import (
	"net/http/httptest"
	"strings"
	"testing"
)

// Start runs s on a loopback listener for the duration of the test.
func Start(t testing.TB) (*Server, *httptest.Server) {
	t.Helper()
	s := New()
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.DropAll()
		hs.Close()
	})
	return s, hs
}

// WSURL turns the httptest base URL into the channel endpoint.
func WSURL(hs *httptest.Server) string {
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}
