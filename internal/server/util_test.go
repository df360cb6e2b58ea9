package server

import (
	"fmt"
	"net/http"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loykin/pavr/internal/series"
	"github.com/loykin/pavr/internal/testrun"
)

func TestCleanBase(t *testing.T) {
	cases := map[string]string{
		"":           "",
		"/":          "",
		"api":        "/api",
		"/api":       "/api",
		"/api/":      "/api",
		" api ":      "/api",
		"//v1//api/": "/v1/api",
	}
	for in, want := range cases {
		assert.Equal(t, want, cleanBase(in), "cleanBase(%q)", in)
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(fmt.Errorf("x: %w", testrun.ErrInvalidID)))
	assert.Equal(t, http.StatusBadRequest, statusFor(series.ErrInvalidSID))
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("x: %w", series.ErrNotFound)))
	assert.Equal(t, http.StatusNotFound, statusFor(testrun.ErrNotFound))
	assert.Equal(t, http.StatusBadRequest, statusFor(fmt.Errorf("x: %w", testrun.ErrUnknownLog)))
	assert.Equal(t, http.StatusBadRequest, statusFor(errBadTail))
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("open run.log: %w", os.ErrNotExist)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("disk on fire")))
}
