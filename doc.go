// Package ephemeral provides an HTTP record/replay transport backed by
// expiring fixtures.
//
// The primary use-case is for tests where HTTP requests should be answered
// from previously recorded responses without reaching out to the network.
// When no fixture matches a request, the request is performed against the
// real transport and the response is saved as a new fixture.
//
// Each fixture is keyed by a fingerprint of the normalized target URL and
// the significant parts of the request. Fixtures older than the configured
// expiration are discarded instead of served. Hosts on the white list always
// go straight to the network.
//
//	t := ephemeral.New(ephemeral.DefaultConfig())
//	if err := t.Activate(ctx); err != nil {
//		log.Fatal(err)
//	}
//	cli := &http.Client{Transport: t}
//
// A process-wide Transport is available through Default, Activate and
// Client for test suites that prefer a single shared instance.
package ephemeral
