package system

import "context"

// Service is a lifecycle-managed component. Background runners (event bus,
// keeper, fulfiller) implement it so the Manager can start and stop them
// deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Func adapts a pair of functions to Service.
type Func struct {
	ServiceName string
	StartFunc   func(ctx context.Context) error
	StopFunc    func(ctx context.Context) error
}

func (f Func) Name() string { return f.ServiceName }

func (f Func) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f Func) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}
