package httpstep

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chorusflow/chorus/retry"
)

func TestPostJSONSignsBody(t *testing.T) {
	c := New(nil, "shared-secret")

	var gotSig, wantSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		wantSig = c.Sign(body)
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.PostJSON(context.Background(), srv.URL, map[string]string{"text": "hello"}, &out); err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if gotSig == "" || gotSig != wantSig {
		t.Errorf("signature = %q, want %q", gotSig, wantSig)
	}
	if !out.OK {
		t.Error("response not decoded")
	}
}

func TestPostJSONClassifiesStatus(t *testing.T) {
	tests := []struct {
		code int
		want retry.Class
	}{
		{http.StatusInternalServerError, retry.ClassTransient},
		{http.StatusBadGateway, retry.ClassTransient},
		{http.StatusTooManyRequests, retry.ClassTransient},
		{http.StatusBadRequest, retry.ClassValidation},
		{http.StatusUnprocessableEntity, retry.ClassValidation},
		{http.StatusForbidden, retry.ClassProviderTerminal},
		{http.StatusNotFound, retry.ClassProviderTerminal},
		{http.StatusConflict, retry.ClassProviderTerminal},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.code)
		}))

		err := New(nil, "s").PostJSON(context.Background(), srv.URL, map[string]string{}, nil)
		srv.Close()

		if err == nil {
			t.Errorf("status %d: expected an error", tt.code)
			continue
		}
		if got := retry.ClassOf(err); got != tt.want {
			t.Errorf("status %d classified %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestPostJSONConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	err := New(nil, "s").PostJSON(context.Background(), srv.URL, nil, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := retry.ClassOf(err); got != retry.ClassTransient {
		t.Errorf("connection failure classified %q, want transient", got)
	}
}

func TestPostJSONNilOutDrainsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ignored":1}`))
	}))
	defer srv.Close()

	if err := New(nil, "s").PostJSON(context.Background(), srv.URL, map[string]string{}, nil); err != nil {
		t.Fatalf("PostJSON with nil out: %v", err)
	}
}
