package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStaticCredentials(t *testing.T) {
	p := Static{User: "dcp-client", Password: "s3cret"}

	user, pass, err := p.MemcachedCredentials("127.0.0.1:11210")
	if err != nil || user != "dcp-client" || pass != "s3cret" {
		t.Fatalf("got %q/%q/%v, want dcp-client/s3cret/nil", user, pass, err)
	}

	user, pass, err = p.HTTPCredentials("127.0.0.1:8091")
	if err != nil || user != "dcp-client" || pass != "s3cret" {
		t.Fatalf("got %q/%q/%v, want dcp-client/s3cret/nil", user, pass, err)
	}
}

func TestStaticSetRequestAuth(t *testing.T) {
	p := Static{User: "dcp-client", Password: "s3cret"}
	req := httptest.NewRequest(http.MethodGet, "http://example.invalid/pools", nil)

	if err := p.SetRequestAuth(req); err != nil {
		t.Fatalf("SetRequestAuth: %v", err)
	}
	user, pass, ok := req.BasicAuth()
	if !ok || user != "dcp-client" || pass != "s3cret" {
		t.Fatalf("got %q/%q/%v, want dcp-client/s3cret/true", user, pass, ok)
	}
}

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"http://10.0.0.1:8091":  "10.0.0.1:8091",
		"https://10.0.0.1:8091": "10.0.0.1:8091",
		"10.0.0.1:8091":         "10.0.0.1:8091",
	}
	for in, want := range cases {
		if got := stripScheme(in); got != want {
			t.Errorf("stripScheme(%q) = %q, want %q", in, got, want)
		}
	}
}
