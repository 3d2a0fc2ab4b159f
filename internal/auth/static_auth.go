package auth

import "net/http"

// StaticAuthenticator is a development-only authenticator that accepts any glk_ key.
type StaticAuthenticator struct{}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{}
}

func (a *StaticAuthenticator) Authenticate(r *http.Request) (*ProjectContext, error) {
	token, err := ExtractBearerToken(r)
	if err != nil {
		return nil, err
	}
	if len(token) < 8 {
		return nil, ErrUnauthenticated
	}
	// Accept any glk_ prefixed key with a static project ID
	return &ProjectContext{
		ProjectID: "static-" + token[:8],
		Mode:      "enforce",
		FailOpen:  true,
	}, nil
}
