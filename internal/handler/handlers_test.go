package handler

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devrev/chaintable/internal/model"
)

func TestUnquoteETag(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: ""},
		{in: "*", want: "*"},
		{in: "3", want: "3"},
		{in: `"3"`, want: "3"},
		{in: ` "3" `, want: "3"},
		{in: `W/"3"`, want: "3"},
		{in: `"`, want: `"`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, unquoteETag(tt.in), tt.in)
	}
}

func TestWriteEntity_QuotesETag(t *testing.T) {
	w := httptest.NewRecorder()
	writeEntity(w, 200, &model.Entity{PartitionKey: "p1", RowKey: "r1", ETag: "7"})
	assert.Equal(t, `"7"`, w.Header().Get("ETag"))
	assert.Contains(t, w.Body.String(), `"etag":"7"`)

	w = httptest.NewRecorder()
	writeEntity(w, 200, &model.Entity{PartitionKey: "p1", RowKey: "r1"})
	assert.Empty(t, w.Header().Get("ETag"))
}
