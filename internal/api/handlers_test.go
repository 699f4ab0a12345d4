package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/automagik-dev/omni-sub005/internal/domain/errs"
)

func TestRespondErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", errs.NotFound("sync job", "j1"), http.StatusNotFound, "not_found"},
		{"validation", errs.Validation("bad input"), http.StatusBadRequest, "validation"},
		{"duplicate active job", errs.Conflict("instance i1 already has an active messages job"), http.StatusConflict, "conflict"},
		{"terminal state", errs.TerminalState("already resolved"), http.StatusConflict, "terminal_state"},
		{"transient", errs.Transient(errors.New("broker down")), http.StatusServiceUnavailable, "transient"},
		{"untyped", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		respondError(rec, tt.err)

		if rec.Code != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.wantStatus)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: decode body: %v", tt.name, err)
		}
		if body["code"] != tt.wantCode {
			t.Errorf("%s: code = %q, want %q", tt.name, body["code"], tt.wantCode)
		}
	}
}
