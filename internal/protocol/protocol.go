// Package protocol defines the messages exchanged between the coordinator and
// a worker. Every exchange is one HTTP POST of a SearchRequest answered by one
// SearchResponse on a fresh connection; there is no versioning and no
// streaming.
package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	// SearchPath is the worker endpoint the coordinator posts queries to.
	SearchPath = "/search"
	// ContentType of both directions of the exchange.
	ContentType = "application/json"
	// MaxMessageBytes bounds a single encoded message.
	MaxMessageBytes = 32 << 20
)

var (
	// ErrMalformed marks payloads that cannot be decoded.
	ErrMalformed = errors.New("protocol: malformed message")
	// ErrTooLarge marks payloads above MaxMessageBytes.
	ErrTooLarge = errors.New("protocol: message too large")
)

// SearchRequest carries the raw, unsplit query text.
type SearchRequest struct {
	Query string `json:"query"`
}

// DocumentTermReport is a worker's statistics for one document: the
// frequency of each query term relative to the document's word count.
// Terms absent from the document may be reported as 0 or omitted.
type DocumentTermReport struct {
	DocumentID    string             `json:"document_id"`
	TermFrequency map[string]float64 `json:"term_frequency"`
}

// SearchResponse is the whole batch one worker returns for one query.
type SearchResponse struct {
	Documents []DocumentTermReport `json:"documents"`
}

// Tokenize splits query text into terms on whitespace, dropping repeats
// while keeping first-seen order.
func Tokenize(query string) []string {
	fields := strings.Fields(query)
	seen := make(map[string]struct{}, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}

// EncodeRequest marshals a request body.
func EncodeRequest(req SearchRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	return data, errors.Wrap(err, "encode search request")
}

// DecodeRequest reads one request from r.
func DecodeRequest(r io.Reader) (SearchRequest, error) {
	var req SearchRequest
	err := decode(r, &req)
	return req, err
}

// EncodeResponse writes one response to w. Non-finite frequencies cannot be
// represented and fail the encoding.
func EncodeResponse(w io.Writer, resp SearchResponse) error {
	if resp.Documents == nil {
		resp.Documents = []DocumentTermReport{}
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return errors.Wrap(err, "encode search response")
	}
	_, err = w.Write(data)
	return err
}

// DecodeResponse reads one response from r. A missing documents field
// decodes as an empty batch.
func DecodeResponse(r io.Reader) (SearchResponse, error) {
	var resp SearchResponse
	if err := decode(r, &resp); err != nil {
		return SearchResponse{}, err
	}
	return resp, nil
}

func decode(r io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, MaxMessageBytes+1))
	if err != nil {
		return errors.Wrap(err, "read message")
	}
	if len(data) > MaxMessageBytes {
		return errors.Mark(errors.Newf("message exceeds %d bytes", MaxMessageBytes), ErrTooLarge)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return errors.Mark(errors.Wrap(err, "decode message"), ErrMalformed)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.Mark(errors.New("trailing data after message"), ErrMalformed)
	}
	return nil
}
