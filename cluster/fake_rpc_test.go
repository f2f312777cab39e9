package cluster

import (
	"context"
	"sync"
)

// fakeRPC records every invocation and answers start requests with reply.
type fakeRPC struct {
	self NodeID

	mu    sync.Mutex
	calls []fakeCall
	reply func(target NodeID, cmd *StateRequestCommand) (Response, bool, error)
	// closed when a start request arrives, if non-nil
	block chan struct{}
	// returned by every async invocation
	asyncErr error
}

type fakeCall struct {
	target NodeID
	cmd    *StateRequestCommand
	mode   ResponseMode
}

func newFakeRPC(self NodeID) *fakeRPC {
	return &fakeRPC{self: self}
}

func (f *fakeRPC) Address() NodeID { return f.self }

func (f *fakeRPC) InvokeRemotely(ctx context.Context, targets []NodeID, cmd Command, opts RPCOptions) (map[NodeID]Response, error) {
	sr := cmd.(*StateRequestCommand)

	f.mu.Lock()
	for _, t := range targets {
		f.calls = append(f.calls, fakeCall{target: t, cmd: sr, mode: opts.Mode})
	}
	reply, block, asyncErr := f.reply, f.block, f.asyncErr
	f.mu.Unlock()

	if opts.Mode == ResponseModeAsync {
		return map[NodeID]Response{}, asyncErr
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := make(map[NodeID]Response, len(targets))
	for _, t := range targets {
		if reply == nil {
			out[t] = Response{OK: true}
			continue
		}
		r, present, err := reply(t, sr)
		if err != nil {
			return nil, err
		}
		if present {
			out[t] = r
		}
	}
	return out, nil
}

func (f *fakeRPC) setReply(fn func(NodeID, *StateRequestCommand) (Response, bool, error)) {
	f.mu.Lock()
	f.reply = fn
	f.mu.Unlock()
}

func (f *fakeRPC) failAsync(err error) {
	f.mu.Lock()
	f.asyncErr = err
	f.mu.Unlock()
}

// callsOf returns the recorded invocations of kind.
func (f *fakeRPC) callsOf(kind StateRequestKind) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.cmd.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}
