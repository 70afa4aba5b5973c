// Package mock provides a configurable in-memory vision.Describer for tests.
package mock

import (
	"context"

	"github.com/parley-ai/parley/pkg/provider/llm"
	"github.com/parley-ai/parley/pkg/provider/vision"
)

// Compile-time assertion that Describer implements vision.Describer.
var _ vision.Describer = (*Describer)(nil)

// DescribeCall records a single Describe invocation.
type DescribeCall struct {
	Ctx context.Context
	Att llm.VisionAttachment
}

// Describer is a mock implementation of vision.Describer. Configure the
// exported fields before use; invocations are recorded for later assertions.
type Describer struct {
	// DescriberName is returned by Name. Defaults to "mock" when empty.
	DescriberName string

	// Description and Err are returned by Describe when DescribeFunc is nil.
	Description string
	Err         error

	// DescribeFunc, when set, overrides the static Description/Err pair.
	// call is the zero-based invocation count.
	DescribeFunc func(ctx context.Context, att llm.VisionAttachment, call int) (string, error)

	// DescribeCalls records every invocation in order.
	DescribeCalls []DescribeCall
}

// Name implements vision.Describer.
func (d *Describer) Name() string {
	if d.DescriberName == "" {
		return "mock"
	}
	return d.DescriberName
}

// Describe records the call and returns the configured result.
func (d *Describer) Describe(ctx context.Context, att llm.VisionAttachment) (string, error) {
	call := len(d.DescribeCalls)
	d.DescribeCalls = append(d.DescribeCalls, DescribeCall{Ctx: ctx, Att: att})

	if d.DescribeFunc != nil {
		return d.DescribeFunc(ctx, att, call)
	}
	return d.Description, d.Err
}

// Reset clears all recorded calls.
func (d *Describer) Reset() {
	d.DescribeCalls = nil
}
