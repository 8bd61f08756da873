package errkit

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("loading vm: %w", NotFound("vm abc"))
	assert.True(t, Is(err, KindNotFound))
	assert.False(t, Is(err, KindConflict))

	e, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, KindNotFound, e.Kind)
}

func TestConflictCarriesRev(t *testing.T) {
	err := Conflict("conflict", 7)
	e, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), e.Rev)
}

func TestWithDetail(t *testing.T) {
	err := Upstream("ssh failed").WithDetail("connection reset by peer")
	assert.Contains(t, err.Error(), "ssh failed")
	assert.Contains(t, err.Error(), "connection reset by peer")
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(KindPermissionDenied))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindValidation))
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindConflict))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindUpstream))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindTimeout))
}

func TestIsRejectsPlainErrors(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), KindNotFound))
	_, ok := As(errors.New("plain"))
	assert.False(t, ok)
}
