// Package picker implements a searchable multi-select: debounced search,
// keyboard navigation over the result list, and chips for the current
// selection. One generic type serves medications, ICD-10 codes, CPT codes,
// laboratories and result recipients.
package picker

import (
	"context"
	"strings"
	"sync"
	"time"
)

const DefaultDebounce = 300 * time.Millisecond

type NavKey int

const (
	KeyUp NavKey = iota
	KeyDown
	KeyEnter
	KeyEscape
)

type SearchFunc[T any] func(ctx context.Context, query string) ([]T, error)

type Config[T any] struct {
	Search SearchFunc[T]
	Key    func(T) string
	Label  func(T) string
	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration
	// MinQueryLen is the shortest trimmed query that triggers a search.
	MinQueryLen int
	// OnError receives search failures; results are left unchanged.
	OnError func(error)
	// OnChange fires after results or selection change. It may run on the
	// debounce goroutine.
	OnChange func()
}

// Chip is a rendered selected item.
type Chip struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

type Picker[T any] struct {
	mu        sync.Mutex
	cfg       Config[T]
	query     string
	results   []T
	selected  []T
	highlight int
	open      bool
	timer     *time.Timer
	seq       uint64
	cancel    context.CancelFunc
}

func New[T any](cfg Config[T]) *Picker[T] {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MinQueryLen <= 0 {
		cfg.MinQueryLen = 1
	}
	if cfg.Label == nil {
		cfg.Label = cfg.Key
	}
	return &Picker[T]{cfg: cfg}
}

// Input records the query and schedules a search after the debounce delay.
// Each call restarts the delay, so only the last query of a burst runs.
func (p *Picker[T]) Input(query string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.query = query
	p.seq++
	if p.timer != nil {
		p.timer.Stop()
	}
	if len(strings.TrimSpace(query)) < p.cfg.MinQueryLen {
		p.stopInflightLocked()
		p.results = nil
		p.open = false
		p.highlight = 0
		return
	}

	seq := p.seq
	p.timer = time.AfterFunc(p.cfg.Debounce, func() {
		_ = p.run(context.Background(), seq)
	})
}

// SearchNow runs the search for the current query immediately.
func (p *Picker[T]) SearchNow(ctx context.Context) error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.seq++
	seq := p.seq
	p.mu.Unlock()
	return p.run(ctx, seq)
}

func (p *Picker[T]) run(ctx context.Context, seq uint64) error {
	p.mu.Lock()
	if seq != p.seq {
		p.mu.Unlock()
		return nil
	}
	query := strings.TrimSpace(p.query)
	p.stopInflightLocked()
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	items, err := p.cfg.Search(ctx, query)
	cancel()

	p.mu.Lock()
	if seq != p.seq {
		// a newer query superseded this one
		p.mu.Unlock()
		return nil
	}
	p.cancel = nil
	if err != nil {
		p.mu.Unlock()
		if p.cfg.OnError != nil {
			p.cfg.OnError(err)
		}
		return err
	}
	p.results = dedupe(items, p.cfg.Key)
	p.highlight = 0
	p.open = len(p.visibleLocked()) > 0
	p.mu.Unlock()

	p.changed()
	return nil
}

func (p *Picker[T]) stopInflightLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Picker[T]) changed() {
	if p.cfg.OnChange != nil {
		p.cfg.OnChange()
	}
}

func (p *Picker[T]) visibleLocked() []T {
	return Exclude(p.results, keySet(p.selected, p.cfg.Key), p.cfg.Key)
}

// Results returns the current results minus anything already selected.
func (p *Picker[T]) Results() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visibleLocked()
}

func (p *Picker[T]) Selected() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]T(nil), p.selected...)
}

func (p *Picker[T]) Query() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.query
}

func (p *Picker[T]) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Highlighted returns the item under the keyboard cursor.
func (p *Picker[T]) Highlighted() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero T
	visible := p.visibleLocked()
	if !p.open || len(visible) == 0 {
		return zero, false
	}
	return visible[p.clampLocked(len(visible))], true
}

func (p *Picker[T]) clampLocked(n int) int {
	if p.highlight >= n {
		p.highlight = n - 1
	}
	if p.highlight < 0 {
		p.highlight = 0
	}
	return p.highlight
}

// Select adds item unless an item with the same key is already selected.
// Selecting clears the query and closes the dropdown.
func (p *Picker[T]) Select(item T) bool {
	p.mu.Lock()
	added := p.selectLocked(item)
	p.mu.Unlock()
	if added {
		p.changed()
	}
	return added
}

func (p *Picker[T]) selectLocked(item T) bool {
	key := p.cfg.Key(item)
	for _, s := range p.selected {
		if p.cfg.Key(s) == key {
			return false
		}
	}
	p.selected = append(p.selected, item)
	p.query = ""
	p.seq++
	p.results = nil
	p.open = false
	p.highlight = 0
	return true
}

// SetSelected replaces the selection, e.g. when loading a record for edit.
func (p *Picker[T]) SetSelected(items []T) {
	p.mu.Lock()
	p.selected = dedupe(items, p.cfg.Key)
	p.mu.Unlock()
	p.changed()
}

// Remove drops the chip with key.
func (p *Picker[T]) Remove(key string) bool {
	p.mu.Lock()
	removed := false
	for i, s := range p.selected {
		if p.cfg.Key(s) == key {
			p.selected = append(p.selected[:i:i], p.selected[i+1:]...)
			removed = true
			break
		}
	}
	p.mu.Unlock()
	if removed {
		p.changed()
	}
	return removed
}

// Press handles a navigation key. It returns the item selected by Enter.
func (p *Picker[T]) Press(k NavKey) (T, bool) {
	var zero T
	p.mu.Lock()
	visible := p.visibleLocked()

	switch k {
	case KeyDown:
		if p.open && len(visible) > 0 {
			p.highlight = p.clampLocked(len(visible))
			if p.highlight < len(visible)-1 {
				p.highlight++
			}
		}
	case KeyUp:
		if p.open && p.highlight > 0 {
			p.highlight--
		}
	case KeyEscape:
		p.open = false
	case KeyEnter:
		if p.open && len(visible) > 0 {
			item := visible[p.clampLocked(len(visible))]
			p.selectLocked(item)
			p.mu.Unlock()
			p.changed()
			return item, true
		}
	}
	p.mu.Unlock()
	return zero, false
}

func (p *Picker[T]) Chips() []Chip {
	p.mu.Lock()
	defer p.mu.Unlock()
	chips := make([]Chip, len(p.selected))
	for i, s := range p.selected {
		chips[i] = Chip{Key: p.cfg.Key(s), Label: p.cfg.Label(s)}
	}
	return chips
}

// Close stops any pending search.
func (p *Picker[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.seq++
	p.stopInflightLocked()
}

// Exclude returns items whose key is not in skip, dropping duplicate keys.
func Exclude[T any](items []T, skip map[string]bool, key func(T) string) []T {
	out := make([]T, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		k := key(it)
		if skip[k] || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, it)
	}
	return out
}

// ParseExclude turns a comma separated "exclude" query parameter into a set.
func ParseExclude(raw string) map[string]bool {
	set := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			set[part] = true
		}
	}
	return set
}

func keySet[T any](items []T, key func(T) string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[key(it)] = true
	}
	return set
}

func dedupe[T any](items []T, key func(T) string) []T {
	return Exclude(items, nil, key)
}
