package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-go-golems/threadline/pkg/providers"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// SearchProvider streams grounded answers from the Gemini REST API with the
// google_search tool enabled.
type SearchProvider struct {
	BaseURL    string
	HTTPClient *http.Client
	// Grounded disables the search tool when false, turning this into a plain text provider.
	Grounded bool
}

var _ providers.TextProvider = &SearchProvider{}

func NewSearchProvider(baseURL string) *SearchProvider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &SearchProvider{BaseURL: baseURL, HTTPClient: http.DefaultClient, Grounded: true}
}

type filePart struct {
	MimeType string `json:"mime_type"`
	FileURI  string `json:"file_uri"`
}

type part struct {
	Text     string    `json:"text,omitempty"`
	FileData *filePart `json:"file_data,omitempty"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type requestBody struct {
	Contents         []content                `json:"contents"`
	Tools            []map[string]interface{} `json:"tools,omitempty"`
	GenerationConfig map[string]interface{}   `json:"generationConfig,omitempty"`
}

func makeContents(msgs []providers.Message) []content {
	ret := []content{}
	for _, m := range msgs {
		role := "user"
		if m.Role == providers.RoleAssistant {
			role = "model"
		}
		parts := []part{}
		if m.Content != "" {
			parts = append(parts, part{Text: m.Content})
		}
		for _, a := range m.Attachments {
			parts = append(parts, part{Text: fmt.Sprintf("[attached file %s (%s)](%s)", a.Name, a.ContentType, a.URL)})
		}
		if len(parts) == 0 {
			continue
		}
		ret = append(ret, content{Role: role, Parts: parts})
	}
	return ret
}

func (p *SearchProvider) Stream(ctx context.Context, req providers.Request) (providers.PartStream, error) {
	body := requestBody{
		Contents: makeContents(req.Messages),
		GenerationConfig: map[string]interface{}{
			"thinkingConfig": map[string]interface{}{"includeThoughts": true},
		},
	}
	if p.Grounded {
		body.Tools = []map[string]interface{}{{"google_search": map[string]interface{}{}}}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "encode gemini request")
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse",
		strings.TrimRight(p.BaseURL, "/"), url.PathEscape(req.Model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrap(err, "build gemini request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", req.APIKey)

	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	log.Debug().Str("model", req.Model).Bool("grounded", p.Grounded).Msg("starting gemini stream")
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, providers.NewProviderError("gemini", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, providers.NewProviderError("gemini", errors.Errorf("status %d: %s", resp.StatusCode, msg))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &partStream{ctx: ctx, body: resp.Body, scanner: scanner}, nil
}

type partStream struct {
	ctx       context.Context
	body      io.ReadCloser
	scanner   *bufio.Scanner
	pending   []providers.Part
	usage     *providers.Usage
	grounding *providers.Grounding
	finish    string
	done      bool
}

func (s *partStream) Recv() (providers.Part, error) {
	for len(s.pending) == 0 {
		if s.done {
			return providers.Part{}, io.EOF
		}
		if err := s.ctx.Err(); err != nil {
			return providers.Part{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				if s.ctx.Err() != nil {
					return providers.Part{}, s.ctx.Err()
				}
				return providers.Part{}, providers.NewProviderError("gemini", err)
			}
			s.done = true
			s.pending = append(s.pending, providers.Part{
				Kind:         providers.PartFinish,
				Usage:        s.usage,
				Grounding:    s.grounding,
				FinishReason: s.finish,
			})
			break
		}
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || !gjson.Valid(data) {
			continue
		}
		if err := s.handleEvent(gjson.Parse(data)); err != nil {
			return providers.Part{}, err
		}
	}

	p := s.pending[0]
	s.pending = s.pending[1:]
	return p, nil
}

func (s *partStream) handleEvent(ev gjson.Result) error {
	if msg := ev.Get("error.message"); msg.Exists() {
		return providers.NewProviderError("gemini", errors.New(msg.String()))
	}

	candidate := ev.Get("candidates.0")
	candidate.Get("content.parts").ForEach(func(_, p gjson.Result) bool {
		text := p.Get("text").String()
		if text == "" {
			return true
		}
		kind := providers.PartText
		if p.Get("thought").Bool() {
			kind = providers.PartReasoning
		}
		s.pending = append(s.pending, providers.Part{Kind: kind, Text: text})
		return true
	})
	if fr := candidate.Get("finishReason"); fr.Exists() {
		s.finish = fr.String()
	}
	if gm := candidate.Get("groundingMetadata"); gm.Exists() {
		s.grounding = ParseGrounding(gm)
	}
	if um := ev.Get("usageMetadata"); um.Exists() {
		s.usage = &providers.Usage{
			PromptTokens:     int(um.Get("promptTokenCount").Int()),
			CompletionTokens: int(um.Get("candidatesTokenCount").Int() + um.Get("thoughtsTokenCount").Int()),
			TotalTokens:      int(um.Get("totalTokenCount").Int()),
		}
	}
	return nil
}

// ParseGrounding reads a groundingMetadata object.
func ParseGrounding(gm gjson.Result) *providers.Grounding {
	g := &providers.Grounding{}
	gm.Get("webSearchQueries").ForEach(func(_, q gjson.Result) bool {
		g.WebSearchQueries = append(g.WebSearchQueries, q.String())
		return true
	})
	gm.Get("groundingChunks").ForEach(func(_, c gjson.Result) bool {
		g.Chunks = append(g.Chunks, providers.GroundingChunk{
			URI:   c.Get("web.uri").String(),
			Title: c.Get("web.title").String(),
		})
		return true
	})
	gm.Get("groundingSupports").ForEach(func(_, sp gjson.Result) bool {
		support := providers.GroundingSupport{
			Text: sp.Get("segment.text").String(),
		}
		if v := sp.Get("segment.startIndex"); v.Exists() {
			i := int(v.Int())
			support.StartIndex = &i
		} else {
			zero := 0
			support.StartIndex = &zero
		}
		if v := sp.Get("segment.endIndex"); v.Exists() {
			i := int(v.Int())
			support.EndIndex = &i
		}
		sp.Get("groundingChunkIndices").ForEach(func(_, i gjson.Result) bool {
			support.ChunkIndices = append(support.ChunkIndices, int(i.Int()))
			return true
		})
		sp.Get("confidenceScores").ForEach(func(_, c gjson.Result) bool {
			support.ConfidenceScores = append(support.ConfidenceScores, c.Float())
			return true
		})
		g.Supports = append(g.Supports, support)
		return true
	})
	return g
}

func (s *partStream) Close() error {
	return s.body.Close()
}
