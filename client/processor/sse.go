package processor

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"aligniq/client/apiclient"
	"aligniq/pkg/status"
)

// SSEStream subscribes to GET /status/{task_id}/events. EventSource
// semantics: the token travels as a query parameter because the
// browser API the endpoint was designed for cannot set headers.
type SSEStream struct {
	api *apiclient.Client
}

func NewSSEStream(api *apiclient.Client) *SSEStream {
	return &SSEStream{api: api}
}

// Subscribe opens the event stream. The channel closes when the
// server ends the stream or cancel is called; cancel is idempotent.
func (s *SSEStream) Subscribe(ctx context.Context, taskID string) (<-chan status.TaskStatusUpdate, func(), error) {
	streamCtx, cancel := context.WithCancel(ctx)
	path := "/status/" + url.PathEscape(taskID) + "/events?token=" + url.QueryEscape(s.api.Tokens().Token())
	req, err := s.api.NewRequest(streamCtx, http.MethodGet, path, nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.api.DoStream(req)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan status.TaskStatusUpdate, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var update status.TaskStatusUpdate
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &update); err != nil {
				continue
			}
			select {
			case out <- update:
			case <-streamCtx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}
