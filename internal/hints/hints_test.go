package hints

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNullProviderAlwaysEmpty(t *testing.T) {
	p := NullProvider{}
	if p.SupportsToken("near") {
		t.Fatal("NullProvider should support nothing")
	}
	hints, err := p.GetHints(context.Background(), "alice.near", "near", 0, 100)
	if err != nil || hints != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", hints, err)
	}
}

func TestHTTPProviderSupportsToken(t *testing.T) {
	p := NewHTTPProvider("http://example.invalid", "", []string{"near", "usdt.tether-token.near"})
	if !p.SupportsToken("near") {
		t.Error("expected near to be supported")
	}
	if p.SupportsToken("unknown.near") {
		t.Error("expected unknown.near to be unsupported")
	}
}

func TestHTTPProviderGetHints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("account") != "alice.near" {
			t.Errorf("unexpected account query param: %s", r.URL.Query().Get("account"))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"heights": []int64{100, 150, 200}})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "", []string{"near"})
	hints, err := p.GetHints(context.Background(), "alice.near", "near", 0, 300)
	if err != nil {
		t.Fatalf("GetHints: %v", err)
	}
	if len(hints) != 3 || hints[1].BlockHeight != 150 {
		t.Errorf("unexpected hints: %+v", hints)
	}
}

func TestHTTPProviderErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "", nil)
	_, err := p.GetHints(context.Background(), "alice.near", "near", 0, 300)
	if err == nil {
		t.Fatal("expected an error on 500 response")
	}
}
