package server

import (
	"errors"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/pavr/internal/series"
	"github.com/loykin/pavr/internal/testrun"
)

var errBadTail = errors.New("tail must be a non-negative integer")

type errorResp struct {
	Error string `json:"error"`
}

// cleanBase normalizes an API prefix to "" or "/a/b".
func cleanBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	bp = path.Clean("/" + bp)
	if bp == "/" {
		return ""
	}
	return bp
}

// statusFor maps lookup errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, testrun.ErrInvalidID), errors.Is(err, series.ErrInvalidSID),
		errors.Is(err, testrun.ErrUnknownLog), errors.Is(err, errBadTail):
		return http.StatusBadRequest
	case errors.Is(err, testrun.ErrNotFound), errors.Is(err, series.ErrNotFound),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), errorResp{Error: err.Error()})
}
