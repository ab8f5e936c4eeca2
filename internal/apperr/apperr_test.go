package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapKeepsSentinelIdentity(t *testing.T) {
	sentinel := NotFound("message not found")
	err := fmt.Errorf("load: %w", Wrap(sentinel, errors.New("sql: no rows")))

	if !errors.Is(err, sentinel) {
		t.Fatal("wrapped error should match its sentinel")
	}
	if KindOf(err) != KindNotFound {
		t.Errorf("Expected KindNotFound, got %v", KindOf(err))
	}
	if Message(err) != "message not found" {
		t.Errorf("Expected client message, got %q", Message(err))
	}
}

func TestDifferentMessagesDoNotMatch(t *testing.T) {
	if errors.Is(Forbidden("a"), Forbidden("b")) {
		t.Error("errors with different messages should not match")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{NotFound("x"), http.StatusNotFound},
		{Forbidden("x"), http.StatusForbidden},
		{Invalid("x"), http.StatusBadRequest},
		{Conflict("x"), http.StatusConflict},
		{Upstream("x", errors.New("timeout")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestInternalMessageIsHidden(t *testing.T) {
	if got := Message(errors.New("dsn leaked")); got != "internal error" {
		t.Errorf("internal error text should not leak, got %q", got)
	}
}
