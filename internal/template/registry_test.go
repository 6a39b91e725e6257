package template

import (
	"context"
	"testing"
)

func nopHandler(context.Context, Params) (Result, error) { return Result{Success: true}, nil }

func TestRegistryRegisterGet(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	if _, ok := r.Get("missing"); ok {
		t.Fatal("Get on empty registry reported ok")
	}

	r.Register(Template{ID: "a", Category: "x", Handler: nopHandler})
	r.Register(Template{ID: "", Handler: nopHandler}) // ignored

	tpl, ok := r.Get("a")
	if !ok || tpl.ID != "a" {
		t.Fatalf("Get(a) = %+v, ok=%v", tpl, ok)
	}
	if len(r.List()) != 1 {
		t.Fatalf("List = %d templates, want 1", len(r.List()))
	}

	// Re-registering the same id replaces it.
	r.Register(Template{ID: "a", Category: "y", Handler: nopHandler})
	tpl, _ = r.Get("a")
	if tpl.Category != "y" {
		t.Fatalf("Category after replace = %q, want y", tpl.Category)
	}
}

func TestRegistryListOrderAndCategory(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register(Template{ID: "c", Category: "m", Handler: nopHandler})
	r.Register(Template{ID: "a", Category: "m", Handler: nopHandler})
	r.Register(Template{ID: "b", Category: "n", Handler: nopHandler})

	list := r.List()
	if len(list) != 3 || list[0].ID != "a" || list[1].ID != "b" || list[2].ID != "c" {
		t.Fatalf("List order wrong: %+v", list)
	}

	m := r.ListByCategory("m")
	if len(m) != 2 || m[0].ID != "a" || m[1].ID != "c" {
		t.Fatalf("ListByCategory(m) wrong: %+v", m)
	}
	if got := r.ListByCategory("nope"); len(got) != 0 {
		t.Fatalf("ListByCategory(nope) = %+v, want empty", got)
	}
}
