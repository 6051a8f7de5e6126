package relay

import (
	"context"

	"tontoo/internal/models"

	"github.com/cloudwego/eino/schema"
)

// Generator produces a lazy, cancellable sequence of Deltas.
type Generator interface {
	Generate(ctx context.Context, req models.GenerateRequest) (*schema.StreamReader[models.Delta], error)
}

// ModelLister reports selectable models as name -> display name.
type ModelLister interface {
	ListModels(ctx context.Context) map[string]string
}

// LocalBackend is the default model server.
type LocalBackend interface {
	Generator
	ListModels(ctx context.Context) map[string]string
}

// HostedBackend serves "provider/model" names.
type HostedBackend interface {
	Generator
	Handles(model string) bool
	ListModels() map[string]string
}

// Router sends provider-prefixed models to Hosted and everything else to Local.
type Router struct {
	Local  LocalBackend
	Hosted HostedBackend
}

func (r *Router) Generate(ctx context.Context, req models.GenerateRequest) (*schema.StreamReader[models.Delta], error) {
	if r.Hosted != nil && r.Hosted.Handles(req.Model) {
		return r.Hosted.Generate(ctx, req)
	}
	return r.Local.Generate(ctx, req)
}

func (r *Router) ListModels(ctx context.Context) map[string]string {
	out := r.Local.ListModels(ctx)
	if out == nil {
		out = map[string]string{}
	}
	if r.Hosted != nil {
		for name, label := range r.Hosted.ListModels() {
			out[name] = label
		}
	}
	return out
}
