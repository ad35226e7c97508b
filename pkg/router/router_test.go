package router

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ErrorMapper(t *testing.T) {
	router := New()

	sentinel := errors.New("custom error")
	router.RegisterErrorMapper(sentinel, func(err error) Error {
		return HTTPError{
			Code:    400,
			Message: err.Error(),
		}
	})

	tcs := []struct {
		name string
		err  error
		exp  HTTPError
	}{
		{
			name: "registered error maps",
			err:  sentinel,
			exp: HTTPError{
				Code:    400,
				Message: "custom error",
			},
		},
		{
			name: "wrapped registered error maps",
			err:  fmt.Errorf("JoinRoom: %w", sentinel),
			exp: HTTPError{
				Code:    400,
				Message: "JoinRoom: custom error",
			},
		},
		{
			name: "unregistered error falls back to the default",
			err:  errors.New("random error"),
			exp:  router.defaultError,
		},
		{
			name: "api errors pass through untouched",
			err: HTTPError{
				Code:    400,
				Message: "API Error",
			},
			exp: HTTPError{
				Code:    400,
				Message: "API Error",
			},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got := router.mapError(tc.err)
			assert.Equal(t, tc.exp, got)
		})
	}
}

func Test_HandlerError(t *testing.T) {
	sentinel := errors.New("not found")

	router := New()
	router.RegisterErrorMapper(sentinel, func(err error) Error {
		return NewHTTPError(http.StatusNotFound, err.Error())
	})

	router.Get("/ok", func(w http.ResponseWriter, r *http.Request) error {
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
	router.Get("/missing", func(w http.ResponseWriter, r *http.Request) error {
		return fmt.Errorf("lookup: %w", sentinel)
	})

	srv := httptest.NewServer(router.Router)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/ok")
	require.Nil(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res, err = http.Get(srv.URL + "/missing")
	require.Nil(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func Test_SubRouterSharesMappers(t *testing.T) {
	sentinel := errors.New("forbidden")

	router := New()
	router.RegisterErrorMapper(sentinel, func(err error) Error {
		return NewHTTPError(http.StatusForbidden, err.Error())
	})

	router.Route("/api", func(r *Router) {
		r.Get("/secret", func(w http.ResponseWriter, r *http.Request) error {
			return sentinel
		})
	})

	srv := httptest.NewServer(router.Router)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/api/secret")
	require.Nil(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}
