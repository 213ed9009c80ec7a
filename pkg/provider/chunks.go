package provider

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/abdhe/codegen-proxy/pkg/upstream"
)

// maxChunkSize bounds a single newline-delimited chunk.
const maxChunkSize = 4 << 20

// generateChunk is one line of an /api/generate response body.
type generateChunk struct {
	Model         string `json:"model"`
	Response      string `json:"response"`
	Done          bool   `json:"done"`
	TotalDuration int64  `json:"total_duration"`
}

// ParseChunks reads a newline-delimited JSON body and folds every chunk into
// one Result. Blank lines are skipped. The first malformed line fails the
// whole parse with *upstream.MalformedResponseError.
func ParseChunks(r io.Reader) (Result, error) {
	var acc chunkAccumulator

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxChunkSize)

	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if err := acc.add(raw); err != nil {
			return Result{}, &upstream.MalformedResponseError{Line: line, Raw: string(raw), Err: err}
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, &upstream.MalformedResponseError{Line: line + 1, Err: fmt.Errorf("read chunk: %w", err)}
	}

	return acc.result(), nil
}

type chunkAccumulator struct {
	text     bytes.Buffer
	model    string
	duration int64
}

func (a *chunkAccumulator) add(raw []byte) error {
	var c generateChunk
	if err := json.Unmarshal(raw, &c); err != nil {
		return err
	}

	a.text.WriteString(c.Response)
	if c.Model != "" {
		a.model = c.Model
	}
	if c.TotalDuration != 0 {
		a.duration = c.TotalDuration
	}
	return nil
}

func (a *chunkAccumulator) result() Result {
	return Result{
		Text:          a.text.String(),
		Model:         a.model,
		TotalDuration: a.duration,
	}
}
