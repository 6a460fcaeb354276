package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"

	bridgeerr "github.com/R3E-Network/service_bridge/internal/errors"
	"github.com/R3E-Network/service_bridge/internal/executor"
	"github.com/R3E-Network/service_bridge/internal/managed"
	"github.com/R3E-Network/service_bridge/internal/proxy"
)

// Call is one recorded invocation.
type Call struct {
	Method string
	Args   []gjson.Result
}

// Interaction is a handle to a managed-side call recorder.
type Interaction struct {
	exec executor.Executor
	ref  *managed.GlobalRef
	once sync.Once
}

// Calls returns the recorded calls in the order they were made.
func (i *Interaction) Calls(ctx context.Context) ([]Call, error) {
	records, err := proxy.Invoke(ctx, i.exec, i.ref, methodGetCalls, nil, func(_ *managed.Env, v managed.Value) ([]string, error) {
		elems := v.Elements()
		out := make([]string, len(elems))
		for n, el := range elems {
			s, ok := el.Text()
			if !ok {
				return nil, bridgeerr.Abort(bridgeerr.Protocol(methodGetCalls.Name, "call record %d is null", n))
			}
			out[n] = s
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	calls := make([]Call, 0, len(records))
	for _, rec := range records {
		if !gjson.Valid(rec) {
			return nil, fmt.Errorf("malformed call record %q", rec)
		}
		parsed := gjson.Parse(rec)
		calls = append(calls, Call{
			Method: parsed.Get("method").String(),
			Args:   parsed.Get("args").Array(),
		})
	}
	return calls, nil
}

// Close releases the recorder handle.
func (i *Interaction) Close() {
	i.once.Do(i.ref.Release)
}
