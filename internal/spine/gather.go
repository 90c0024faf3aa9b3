package spine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/spine/internal/cluster"
	"github.com/dreamware/spine/internal/gather"
	"github.com/dreamware/spine/internal/transport"
)

// RegisterGatherable whitelists query for gathering; responders answer it
// with messages of kind response. When uniform is set, Gather compares the
// responders' payloads and logs a warning if they disagree.
func (n *Node) RegisterGatherable(query, response cluster.Kind, uniform bool) error {
	if query.Internal() || response.Internal() {
		return fmt.Errorf("%w: gatherable kinds must be application kinds", ErrProtocolViolation)
	}
	if n.closing.Load() {
		return ErrClosed
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.gatherable[query.Name] = gatherSpec{response: response, uniform: uniform}
	if _, ok := n.responses[response.Name]; ok {
		return nil
	}
	sub, err := n.transport.Subscribe(transport.TopicFor(response), func(env cluster.Envelope) {
		if env.Sender == n.id {
			return
		}
		n.engine.Offer(env)
	})
	if err != nil {
		delete(n.gatherable, query.Name)
		return fmt.Errorf("subscribe %s: %w", response.Name, err)
	}
	n.responses[response.Name] = sub
	return nil
}

func (n *Node) gatherSpec(query cluster.Kind) (gatherSpec, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	spec, ok := n.gatherable[query.Name]
	return spec, ok
}

// GatherAsync broadcasts query and calls cb once with the responses that
// arrived, either as soon as every expected responder answered (OK) or
// when timeout elapses (Timeout, partial or empty value).
//
// Nothing is sent when query is not gatherable (NotGatherable), when no
// other node subscribes to it (NoSubscribers) or when no gather worker
// frees up within timeout (Timeout). The returned id can be passed to
// CancelGather.
func (n *Node) GatherAsync(ctx context.Context, query cluster.Kind, payload any, timeout time.Duration, cb gather.Callback) (cluster.Result[cluster.CorrelationID], error) {
	if err := n.checkSend(query); err != nil {
		return cluster.Fail[cluster.CorrelationID](cluster.StatusDenied), err
	}
	if _, ok := n.gatherSpec(query); !ok {
		return cluster.Fail[cluster.CorrelationID](cluster.StatusNotGatherable), nil
	}
	expected := n.dir.ExpectedResponders(query)
	if expected == 0 {
		return cluster.Fail[cluster.CorrelationID](cluster.StatusNoSubscribers), nil
	}

	id := n.seq.Next()
	inst, err := n.engine.Start(ctx, id, expected, timeout, cb)
	if err != nil {
		if errors.Is(err, gather.ErrPoolExhausted) {
			n.logger.Warn("gather refused", zap.String("kind", query.Name), zap.Error(err))
			return cluster.Fail[cluster.CorrelationID](cluster.StatusTimeout), nil
		}
		return cluster.Fail[cluster.CorrelationID](cluster.StatusDenied), err
	}

	if err := n.publish(ctx, query, id, payload); err != nil {
		inst.Cancel()
		return cluster.Fail[cluster.CorrelationID](cluster.StatusDenied), err
	}
	return cluster.Ok(id), nil
}

// Gather is the blocking form of GatherAsync. It returns the collected
// responses: all of them with OK, or the partial set with Timeout. If ctx
// ends first the gather is cancelled and its partial set returned.
func (n *Node) Gather(ctx context.Context, query cluster.Kind, payload any, timeout time.Duration) (cluster.Result[[]cluster.Envelope], error) {
	out := make(chan cluster.Result[[]cluster.Envelope], 1)
	started, err := n.GatherAsync(ctx, query, payload, timeout, func(r cluster.Result[[]cluster.Envelope]) {
		out <- r
	})
	if err != nil {
		return cluster.Fail[[]cluster.Envelope](started.Status), err
	}
	if !started.OK() {
		return cluster.Fail[[]cluster.Envelope](started.Status), nil
	}

	var res cluster.Result[[]cluster.Envelope]
	select {
	case res = <-out:
	case <-ctx.Done():
		n.engine.Cancel(started.Value)
		res = <-out
	}

	if spec, ok := n.gatherSpec(query); ok && spec.uniform {
		n.checkUniform(query, res.Value)
	}
	return res, nil
}

// CancelGather stops an outstanding gather early; its callback still runs
// with the responses collected so far.
func (n *Node) CancelGather(id cluster.CorrelationID) bool {
	return n.engine.Cancel(id)
}

// checkUniform logs a warning when responders disagree. Disagreement is not
// an error: the caller still gets every response.
func (n *Node) checkUniform(query cluster.Kind, responses []cluster.Envelope) {
	if len(responses) < 2 {
		return
	}
	first := compact(responses[0].Payload)
	for _, r := range responses[1:] {
		if !bytes.Equal(first, compact(r.Payload)) {
			n.logger.Warn("gather responders disagree",
				zap.String("kind", query.Name),
				zap.String("first", string(responses[0].Sender)),
				zap.String("differing", string(r.Sender)),
				zap.Int("responses", len(responses)))
			return
		}
	}
}

func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
