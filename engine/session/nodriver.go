package session

import (
	"context"
	"errors"
	"net/http"
)

// NoDriver is a Driver that always fails, standing in for the interactive
// CAS browser login until a real one is wired in. The login flow itself
// (navigate to the CAS page, submit email then password, harvest the
// resulting cookie jar) is a headless-browser concern outside this module;
// NoDriver exists so Broker and every binary that builds one compile and
// run without that collaborator, failing loudly instead of silently.
type NoDriver struct{}

func (NoDriver) Login(ctx context.Context, source Source, creds Credentials) (http.CookieJar, error) {
	return nil, &AuthError{Err: errors.New("no login driver configured for source " + string(source))}
}
