package picker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type code struct {
	Code        string
	Description string
}

var catalog = []code{
	{"E11.9", "Type 2 diabetes mellitus without complications"},
	{"E11.65", "Type 2 diabetes mellitus with hyperglycemia"},
	{"I10", "Essential (primary) hypertension"},
	{"J45.909", "Unspecified asthma, uncomplicated"},
}

type searchRecorder struct {
	mu      sync.Mutex
	queries []string
}

func (r *searchRecorder) search(ctx context.Context, q string) ([]code, error) {
	r.mu.Lock()
	r.queries = append(r.queries, q)
	r.mu.Unlock()
	var out []code
	for _, c := range catalog {
		if strings.Contains(strings.ToLower(c.Code+" "+c.Description), strings.ToLower(q)) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *searchRecorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.queries...)
}

func newCodePicker(r *searchRecorder, onChange func()) *Picker[code] {
	return New(Config[code]{
		Search:   r.search,
		Key:      func(c code) string { return c.Code },
		Label:    func(c code) string { return c.Code + " - " + c.Description },
		Debounce: 20 * time.Millisecond,
		OnChange: onChange,
	})
}

func TestPicker_DebouncesToLastQuery(t *testing.T) {
	r := &searchRecorder{}
	done := make(chan struct{}, 4)
	p := newCodePicker(r, func() { done <- struct{}{} })

	p.Input("d")
	p.Input("di")
	p.Input("diab")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("search never ran")
	}

	calls := r.calls()
	if len(calls) != 1 || calls[0] != "diab" {
		t.Fatalf("expected a single search for the last query, got %v", calls)
	}
	if got := len(p.Results()); got != 2 {
		t.Errorf("expected 2 diabetes codes, got %d", got)
	}
	if !p.IsOpen() {
		t.Error("expected dropdown to be open")
	}
}

func TestPicker_EmptyQueryClears(t *testing.T) {
	r := &searchRecorder{}
	p := newCodePicker(r, nil)
	p.Input("diab")
	_ = p.SearchNow(context.Background())

	p.Input("   ")
	if len(p.Results()) != 0 || p.IsOpen() {
		t.Error("blank query should clear results and close")
	}
}

func TestPicker_ExcludesSelected(t *testing.T) {
	r := &searchRecorder{}
	p := newCodePicker(r, nil)
	p.Select(catalog[0])

	p.Input("diab")
	if err := p.SearchNow(context.Background()); err != nil {
		t.Fatalf("SearchNow: %v", err)
	}
	results := p.Results()
	if len(results) != 1 || results[0].Code != "E11.65" {
		t.Fatalf("expected selected code to be hidden, got %v", results)
	}
}

func TestPicker_KeyboardNavigation(t *testing.T) {
	r := &searchRecorder{}
	p := newCodePicker(r, nil)
	p.Input("e")
	_ = p.SearchNow(context.Background())

	visible := p.Results()
	if len(visible) < 3 {
		t.Fatalf("expected at least 3 results, got %d", len(visible))
	}

	p.Press(KeyDown)
	p.Press(KeyDown)
	p.Press(KeyUp)
	h, ok := p.Highlighted()
	if !ok || h.Code != visible[1].Code {
		t.Fatalf("expected highlight on %s, got %v", visible[1].Code, h)
	}

	// Down past the end stays on the last item
	for i := 0; i < 10; i++ {
		p.Press(KeyDown)
	}
	h, _ = p.Highlighted()
	if h.Code != visible[len(visible)-1].Code {
		t.Errorf("expected highlight clamped to last item, got %s", h.Code)
	}

	item, ok := p.Press(KeyEnter)
	if !ok || item.Code != visible[len(visible)-1].Code {
		t.Fatalf("Enter should select highlighted item, got %v %v", item, ok)
	}
	if p.IsOpen() || p.Query() != "" {
		t.Error("selection should close the dropdown and clear the query")
	}
	if len(p.Selected()) != 1 {
		t.Errorf("expected 1 selected, got %d", len(p.Selected()))
	}
}

func TestPicker_Escape(t *testing.T) {
	r := &searchRecorder{}
	p := newCodePicker(r, nil)
	p.Input("diab")
	_ = p.SearchNow(context.Background())

	p.Press(KeyEscape)
	if p.IsOpen() {
		t.Error("Escape should close the dropdown")
	}
	if _, ok := p.Press(KeyEnter); ok {
		t.Error("Enter on a closed dropdown must not select")
	}
}

func TestPicker_ChipsAndRemove(t *testing.T) {
	p := newCodePicker(&searchRecorder{}, nil)
	p.Select(catalog[0])
	p.Select(catalog[2])
	if p.Select(catalog[0]) {
		t.Error("duplicate select should be ignored")
	}

	chips := p.Chips()
	if len(chips) != 2 || chips[1].Label != "I10 - Essential (primary) hypertension" {
		t.Fatalf("unexpected chips %v", chips)
	}
	if !p.Remove("E11.9") {
		t.Fatal("expected removal")
	}
	if p.Remove("E11.9") {
		t.Error("second removal should report false")
	}
	if chips := p.Chips(); len(chips) != 1 || chips[0].Key != "I10" {
		t.Errorf("unexpected chips after remove %v", chips)
	}
}

func TestPicker_SearchError(t *testing.T) {
	var gotErr error
	p := New(Config[code]{
		Search:  func(ctx context.Context, q string) ([]code, error) { return nil, errors.New("network down") },
		Key:     func(c code) string { return c.Code },
		OnError: func(err error) { gotErr = err },
	})
	p.Input("x")
	if err := p.SearchNow(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if gotErr == nil {
		t.Error("expected OnError to be called")
	}
	p.Close()
}

func TestExclude(t *testing.T) {
	items := []code{catalog[0], catalog[1], catalog[0], catalog[2]}
	out := Exclude(items, ParseExclude("E11.65, ,"), func(c code) string { return c.Code })
	if len(out) != 2 || out[0].Code != "E11.9" || out[1].Code != "I10" {
		t.Errorf("unexpected result %v", out)
	}
}
