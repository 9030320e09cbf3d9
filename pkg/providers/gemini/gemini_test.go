package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-go-golems/threadline/pkg/providers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const groundedEvent = `{"candidates":[{"content":{"role":"model","parts":[{"text":" Paris."}]},"finishReason":"STOP",
"groundingMetadata":{"webSearchQueries":["capital of france"],
"groundingChunks":[{"web":{"uri":"https://a.example","title":"a.example"}},{"web":{"uri":"https://b.example","title":"b.example"}}],
"groundingSupports":[{"segment":{"endIndex":20,"text":"The capital is Paris."},"groundingChunkIndices":[0,1],"confidenceScores":[0.9,0.7]}]}}],
"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":5,"totalTokenCount":12}}`

func compact(t *testing.T, s string) string {
	var buf bytes.Buffer
	require.NoError(t, json.Compact(&buf, []byte(s)))
	return buf.String()
}

func TestSearchProviderStreamsGroundedAnswer(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprintf(w, "data: %s\n\n", `{"candidates":[{"content":{"parts":[{"text":"searching the web","thought":true}]}}]}`)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", `{"candidates":[{"content":{"parts":[{"text":"The capital is"}]}}]}`)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", compact(t, groundedEvent))
	}))
	defer srv.Close()

	p := NewSearchProvider(srv.URL)
	stream, err := p.Stream(context.Background(), providers.Request{
		Model:  "gemini-2.0-flash",
		APIKey: "g-key",
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: "What is the capital of France?"},
		},
	})
	require.NoError(t, err)
	defer stream.Close()

	parts := []providers.Part{}
	for {
		part, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		parts = append(parts, part)
	}

	require.Len(t, parts, 4)
	assert.Equal(t, providers.PartReasoning, parts[0].Kind)
	assert.Equal(t, "The capital is", parts[1].Text)
	assert.Equal(t, " Paris.", parts[2].Text)

	finish := parts[3]
	assert.Equal(t, providers.PartFinish, finish.Kind)
	require.NotNil(t, finish.Usage)
	assert.Equal(t, 12, finish.Usage.TotalTokens)
	require.NotNil(t, finish.Grounding)
	assert.Equal(t, []string{"capital of france"}, finish.Grounding.WebSearchQueries)
	require.Len(t, finish.Grounding.Chunks, 2)
	require.Len(t, finish.Grounding.Supports, 1)
	support := finish.Grounding.Supports[0]
	assert.Equal(t, []int{0, 1}, support.ChunkIndices)
	assert.Equal(t, []float64{0.9, 0.7}, support.ConfidenceScores)
	require.NotNil(t, support.StartIndex)
	assert.Equal(t, 0, *support.StartIndex)
	assert.Equal(t, 20, *support.EndIndex)

	tools := body["tools"].([]interface{})
	require.Len(t, tools, 1)
	assert.Contains(t, tools[0], "google_search")
}

func TestSearchProviderSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"API key not valid"}}`))
	}))
	defer srv.Close()

	_, err := NewSearchProvider(srv.URL).Stream(context.Background(), providers.Request{Model: "gemini-2.0-flash"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, providers.ErrProviderFailure))
	assert.Contains(t, err.Error(), "API key not valid")
}
