package llm

import "context"

// Collect drains a delta stream into a single Response. It stops early when
// ctx is done.
func Collect(ctx context.Context, deltas <-chan Delta) (*Response, error) {
	resp := &Response{}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-deltas:
			if !ok {
				return resp, nil
			}
			if d.Err != nil {
				return nil, d.Err
			}
			resp.Content += d.Content
			resp.ToolCalls = append(resp.ToolCalls, d.ToolCalls...)
			if d.Usage != nil {
				resp.Usage = *d.Usage
			}
		}
	}
}
