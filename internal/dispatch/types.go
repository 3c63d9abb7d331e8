package dispatch

import (
	"context"
	"time"
)

const (
	KindUser    = "user"
	KindChannel = "channel"
)

// Delivery is the outcome for one recipient. It is published on the event
// bus and persisted by the audit recorder.
type Delivery struct {
	RequestID string
	Event     string
	Kind      string
	Target    string
	OK        bool
	Err       string
	Took      time.Duration
	At        time.Time
}

type Failure struct {
	Target string `json:"target"`
	Error  string `json:"error"`
}

// Result summarizes one dispatch call.
type Result struct {
	Total    int       `json:"total"`
	Sent     int       `json:"sent"`
	Failed   int       `json:"failed"`
	Failures []Failure `json:"-"`
}

// Merge adds o's counts to r.
func (r Result) Merge(o Result) Result {
	r.Total += o.Total
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.Failures = append(r.Failures, o.Failures...)
	return r
}

func (r *Result) collect(outs []Delivery) {
	for _, o := range outs {
		if o.OK {
			r.Sent++
			continue
		}
		r.Failed++
		r.Failures = append(r.Failures, Failure{Target: o.Target, Error: o.Err})
	}
}

type requestIDKey struct{}

// WithRequestID tags ctx so delivery records can be correlated with the
// inbound request.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
