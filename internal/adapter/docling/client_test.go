package docling

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_Markdown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, convertPath, r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "md", r.FormValue("to_formats"))

		f, hdr, err := r.FormFile("files")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "lecture.pdf", hdr.Filename)
		assert.Equal(t, "%PDF", string(data))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","document":{"md_content":"# Cells\n\nThe cell is the unit of life."}}`))
	}))
	defer server.Close()

	text, err := NewClient(server.URL+"/").Extract(context.Background(), "lecture.pdf", []byte("%PDF"))
	require.NoError(t, err)
	assert.Equal(t, "# Cells\n\nThe cell is the unit of life.", text)
}

func TestExtract_FallsBackToPlainText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","document":{"md_content":"  ","text_content":"plain"}}`))
	}))
	defer server.Close()

	text, err := NewClient(server.URL).Extract(context.Background(), "a.pdf", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain", text)
}

func TestExtract_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
		substr string
	}{
		{"http error", http.StatusInternalServerError, "boom", nil, "docling api error: 500"},
		{"conversion failure", http.StatusOK, `{"status":"failure","errors":[{"error_message":"encrypted pdf"}]}`, nil, "encrypted pdf"},
		{"empty document", http.StatusOK, `{"status":"success","document":{}}`, ErrEmptyDocument, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewClient(server.URL).Extract(context.Background(), "a.pdf", []byte("x"))
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			if tt.substr != "" {
				assert.Contains(t, err.Error(), tt.substr)
			}
		})
	}
}
