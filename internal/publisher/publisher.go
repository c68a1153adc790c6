// Package publisher dispatches one unit of content to one external
// destination type. Concrete adapters are thin clients over external APIs;
// the dispatch-by-type contract is the part the orchestrator depends on.
package publisher

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnsupportedType is returned when no publisher is registered for a
// destination type.
var ErrUnsupportedType = errors.New("unsupported destination type")

// Rejected wraps a business error returned by an external capability. The
// message is preserved verbatim for operator visibility.
type Rejected struct {
	Message string
}

func (e *Rejected) Error() string { return e.Message }

// Content is the unit handed to an adapter.
type Content struct {
	Caption  string
	ImageURL string // empty when the post has no image
}

// Destination carries the capability token and account for one target.
type Destination struct {
	Token             string
	ExternalAccountID string
}

// Publisher pushes one unit of content to one external destination and
// reports the external reference id on success.
type Publisher interface {
	Publish(ctx context.Context, content Content, dest Destination) (externalID string, err error)
}

// Func adapts a plain function to the Publisher interface.
type Func func(ctx context.Context, content Content, dest Destination) (string, error)

func (f Func) Publish(ctx context.Context, content Content, dest Destination) (string, error) {
	return f(ctx, content, dest)
}

// Registry dispatches by destination type tag. Adding a destination type
// means registering a new variant, not touching the orchestrator.
type Registry struct {
	publishers map[string]Publisher
}

func NewRegistry() *Registry {
	return &Registry{publishers: make(map[string]Publisher)}
}

// Register binds a publisher to a destination type.
func (r *Registry) Register(targetType string, p Publisher) {
	if targetType == "" || p == nil {
		return
	}
	r.publishers[targetType] = p
}

// Publish routes the content to the adapter registered for targetType.
func (r *Registry) Publish(ctx context.Context, targetType string, content Content, dest Destination) (string, error) {
	p, ok := r.publishers[targetType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, targetType)
	}
	return p.Publish(ctx, content, dest)
}
