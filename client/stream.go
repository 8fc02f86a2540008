package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"pkt.systems/rseata/api"
)

// maxInstructionLine caps a single NDJSON instruction.
const maxInstructionLine = 1 << 20

// InstructionStream is an open resource registration. Instructions arrive in
// the order the coordinator queued them; pings are returned too so callers
// can track liveness.
type InstructionStream struct {
	connectionID string
	body         io.ReadCloser
	scanner      *bufio.Scanner
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

// OpenInstructionStream announces a resource and returns the stream of
// instructions for it. The stream stays open until ctx ends, Close is called
// or the coordinator replaces it with a newer registration.
func (c *Client) OpenInstructionStream(ctx context.Context, ann api.ResourceAnnouncement) (*InstructionStream, error) {
	payload, err := json.Marshal(ann)
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.endpoint+"/v1/rm/resource/register", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	c.applyCorrelationHeader(ctx, req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()
		return nil, c.decodeError(resp)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), maxInstructionLine)
	s := &InstructionStream{body: resp.Body, scanner: scanner, cancel: cancel}
	first, err := s.Next()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.connectionID = first.ConnectionID
	c.logDebugCtx(ctx, "client.rm.stream.open", "resource_id", ann.ResourceID, "client_id", ann.ClientID, "connection", s.connectionID)
	return s, nil
}

// ConnectionID identifies the stream on the coordinator.
func (s *InstructionStream) ConnectionID() string { return s.connectionID }

// Next blocks for the next instruction. io.EOF reports a stream the
// coordinator closed.
func (s *InstructionStream) Next() (api.Instruction, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ins api.Instruction
		if err := json.Unmarshal(line, &ins); err != nil {
			return api.Instruction{}, err
		}
		return ins, nil
	}
	if err := s.scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return api.Instruction{}, err
	}
	return api.Instruction{}, io.EOF
}

// Close ends the stream.
func (s *InstructionStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
