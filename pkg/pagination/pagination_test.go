package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paramsFor(query string) Params {
	req := httptest.NewRequest(http.MethodGet, "/bookings"+query, nil)
	return FromContext(echo.New().NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	cases := []struct {
		query string
		want  Params
	}{
		{"", Params{Limit: DefaultLimit, Offset: 0}},
		{"?limit=5&offset=10", Params{Limit: 5, Offset: 10}},
		{"?limit=1000", Params{Limit: MaxLimit, Offset: 0}},
		{"?limit=-3&offset=-1", Params{Limit: DefaultLimit, Offset: 0}},
		{"?limit=abc&offset=xyz", Params{Limit: DefaultLimit, Offset: 0}},
		{"?_count=5", Params{Limit: DefaultLimit, Offset: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			assert.Equal(t, tc.want, paramsFor(tc.query))
		})
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]int{1, 2}, 5, 2, 0)
	assert.True(t, r.HasMore)
	require.NotNil(t, r.NextOffset)
	assert.Equal(t, 2, *r.NextOffset)

	last := NewResponse([]int{5}, 5, 2, 4)
	assert.False(t, last.HasMore)
	assert.Nil(t, last.NextOffset)

	empty := NewResponse([]int{}, 0, DefaultLimit, 0)
	assert.False(t, empty.HasMore)
	assert.Equal(t, 0, empty.Total)
}
