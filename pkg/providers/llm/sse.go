package llm

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// scanOpenAICompatibleDeltas drains an OpenAI-shaped chat completions SSE body,
// calling onToken for each non-empty content delta. Shared by openai.go and
// groq.go since Groq's endpoint mirrors OpenAI's streaming wire format.
func scanOpenAICompatibleDeltas(r io.Reader, onToken func(token string) error) error {
	scanner := newSSEScanner(r)
	for scanner.Scan() {
		data := scanner.Data()
		if data == "[DONE]" {
			return nil
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if token := chunk.Choices[0].Delta.Content; token != "" {
			if err := onToken(token); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

// sseScanner scans Server-Sent Events streams shared by the OpenAI-compatible
// and Anthropic streaming completion endpoints.
type sseScanner struct {
	scanner *bufio.Scanner
	data    string
	err     error
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{scanner: bufio.NewScanner(r)}
}

func (s *sseScanner) Scan() bool {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if bytes.HasPrefix(line, []byte("data: ")) {
			s.data = string(bytes.TrimPrefix(line, []byte("data: ")))
			return true
		}
		if bytes.HasPrefix(line, []byte("data:")) {
			s.data = string(bytes.TrimPrefix(line, []byte("data:")))
			return true
		}
	}
	s.err = s.scanner.Err()
	return false
}

func (s *sseScanner) Data() string {
	return s.data
}

func (s *sseScanner) Err() error {
	return s.err
}
