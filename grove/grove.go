// Package grove implements a registry that owns many heterogeneous
// Trees keyed by element type and can bulk-entangle and aggregate
// stats across all of them. Each Tree is registered behind a small
// non-generic interface built at Plant time, rather than doing
// reflect.TypeOf type switches at call time.
package grove

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/acorndb/acorn"
	"github.com/acorndb/acorn/tangle"
)

var (
	// ErrAlreadyPlanted is returned by Plant when a Tree of the same
	// element type is already registered.
	ErrAlreadyPlanted = errors.New("grove: type already planted")
	// ErrNotEntangled is returned by ShakeAll for a planting that
	// EntangleAll has not yet wired to a remote.
	ErrNotEntangled = errors.New("grove: not entangled")
)

// planting is the type-erased handle Grove keeps per registered Tree.
// typedPlanting[T] implements it, so the registry's map value type
// carries no type parameter of its own.
type planting interface {
	typeName() string
	entangle(remoteURL string, opts ...tangle.Option) error
	shake(ctx context.Context) error
	stop(ctx context.Context) error
	stats() (tangle.Stats, bool)
}

// typedPlanting is the concrete planting for element type T: it holds
// the registered Tree and, once EntangleAll has run, the Tangle
// replicating it.
type typedPlanting[T any] struct {
	tree *acorn.Tree[T]
	name string

	mu sync.Mutex
	tg *tangle.Tangle[T]
}

func (p *typedPlanting[T]) typeName() string { return p.name }

func (p *typedPlanting[T]) entangle(remoteURL string, opts ...tangle.Option) error {
	sink := tangle.NewHTTPSink[T](remoteURL+"/"+p.name, nil)
	tg := tangle.New(p.tree, sink, opts...)
	if err := tg.Start(context.Background()); err != nil {
		return err
	}
	p.mu.Lock()
	p.tg = tg
	p.mu.Unlock()
	return nil
}

func (p *typedPlanting[T]) shake(ctx context.Context) error {
	p.mu.Lock()
	tg := p.tg
	p.mu.Unlock()
	if tg == nil {
		return ErrNotEntangled
	}
	return tg.Shake(ctx)
}

func (p *typedPlanting[T]) stop(ctx context.Context) error {
	p.mu.Lock()
	tg := p.tg
	p.mu.Unlock()
	if tg == nil {
		return nil
	}
	return tg.Stop(ctx)
}

func (p *typedPlanting[T]) stats() (tangle.Stats, bool) {
	p.mu.Lock()
	tg := p.tg
	p.mu.Unlock()
	if tg == nil {
		return tangle.Stats{}, false
	}
	return tg.Stats(), true
}

// Grove is a registry of Trees, one per distinct element type.
type Grove struct {
	mu        sync.RWMutex
	plantings map[reflect.Type]planting
}

// New constructs an empty Grove.
func New() *Grove {
	return &Grove{plantings: make(map[reflect.Type]planting)}
}

// Plant registers tree under its element type T. Returns
// ErrAlreadyPlanted if a Tree of that type is already registered.
func Plant[T any](g *Grove, tree *acorn.Tree[T]) error {
	typ := elementType[T]()

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.plantings[typ]; exists {
		return ErrAlreadyPlanted
	}
	g.plantings[typ] = &typedPlanting[T]{tree: tree, name: typeName(typ)}
	return nil
}

// Get retrieves the Tree registered for element type T, if any.
func Get[T any](g *Grove) (*acorn.Tree[T], bool) {
	typ := elementType[T]()

	g.mu.RLock()
	p, ok := g.plantings[typ]
	g.mu.RUnlock()
	if !ok {
		return nil, false
	}
	tp, ok := p.(*typedPlanting[T])
	if !ok {
		return nil, false
	}
	return tp.tree, true
}

func elementType[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func typeName(typ reflect.Type) string {
	if name := typ.Name(); name != "" {
		return name
	}
	return typ.String()
}

// EntangleAll creates and starts a Tangle from every registered Tree to
// remoteURL, routed by type name (each Tree's HTTP sink is mounted at
// remoteURL + "/" + typeName, matching how a peer Grove would expose
// its own Trees via tangle.NewHandler per type). Returns the first
// error encountered, after attempting every planting.
func (g *Grove) EntangleAll(remoteURL string, opts ...tangle.Option) error {
	var first error
	for _, p := range g.snapshot() {
		if err := p.entangle(remoteURL, opts...); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ShakeAll invokes Shake on every entangled planting. Returns the first
// error encountered, after attempting every planting.
func (g *Grove) ShakeAll(ctx context.Context) error {
	var first error
	for _, p := range g.snapshot() {
		if err := p.shake(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// StopAll stops every entangled planting's Tangle.
func (g *Grove) StopAll(ctx context.Context) error {
	for _, p := range g.snapshot() {
		if err := p.stop(ctx); err != nil {
			return err
		}
	}
	return nil
}

// TangleStats aggregates counters over every entangled planting, keyed
// by element type name. Plantings not yet entangled are omitted.
func (g *Grove) TangleStats() map[string]tangle.Stats {
	out := make(map[string]tangle.Stats)
	for _, p := range g.snapshot() {
		if s, ok := p.stats(); ok {
			out[p.typeName()] = s
		}
	}
	return out
}

func (g *Grove) snapshot() []planting {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]planting, 0, len(g.plantings))
	for _, p := range g.plantings {
		out = append(out, p)
	}
	return out
}
