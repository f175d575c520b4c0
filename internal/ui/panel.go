package ui

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rickgao/parambind/internal/connection"
)

// ErrUnknownBinding is returned for names that were never added to a Panel.
var ErrUnknownBinding = errors.New("unknown binding")

// Panel owns the elements bound to one Manager.
type Panel struct {
	mgr connection.Manager

	mu     sync.RWMutex
	fields map[string]*Field
	labels map[string]*Label
}

// NewPanel creates an empty Panel for mgr.
func NewPanel(mgr connection.Manager) *Panel {
	return &Panel{
		mgr:    mgr,
		fields: make(map[string]*Field),
		labels: make(map[string]*Label),
	}
}

// AddField binds a new editable Field to name. initial is shown until the
// peer reports a value.
func (p *Panel) AddField(name, initial string) *Field {
	f := NewField()
	f.Display(initial)

	p.mu.Lock()
	delete(p.labels, name)
	p.fields[name] = f
	p.mu.Unlock()

	p.mgr.Bind(f, name)
	return f
}

// AddLabel binds a new read-only Label to name.
func (p *Panel) AddLabel(name, initial string) *Label {
	l := NewLabel()
	l.Display(initial)

	p.mu.Lock()
	delete(p.fields, name)
	p.labels[name] = l
	p.mu.Unlock()

	p.mgr.BindReadonly(l, name)
	return l
}

// View is the state of one binding as shown on the panel.
type View struct {
	Name      string   `json:"name"`
	Mode      string   `json:"mode"`
	Displayed string   `json:"displayed"`
	Value     string   `json:"value"`
	Pending   []string `json:"pending"`
}

// View returns the state of name.
func (p *Panel) View(name string) (View, error) {
	b, ok := p.mgr.Binding(name)
	if !ok {
		return View{}, fmt.Errorf("%w: %s", ErrUnknownBinding, name)
	}

	p.mu.RLock()
	var displayed string
	if f, ok := p.fields[name]; ok {
		displayed = f.Text()
	} else if l, ok := p.labels[name]; ok {
		displayed = l.Text()
	}
	p.mu.RUnlock()

	return View{
		Name:      name,
		Mode:      b.Mode().String(),
		Displayed: displayed,
		Value:     b.Value(),
		Pending:   b.Pending(),
	}, nil
}

// Views returns the state of every binding, sorted by name.
func (p *Panel) Views() []View {
	p.mu.RLock()
	names := make([]string, 0, len(p.fields)+len(p.labels))
	for name := range p.fields {
		names = append(names, name)
	}
	for name := range p.labels {
		names = append(names, name)
	}
	p.mu.RUnlock()

	sort.Strings(names)

	views := make([]View, 0, len(names))
	for _, name := range names {
		v, err := p.View(name)
		if err != nil {
			continue
		}
		views = append(views, v)
	}
	return views
}

// Edit types value into the field bound to name.
func (p *Panel) Edit(name, value string) error {
	p.mu.RLock()
	f, isField := p.fields[name]
	_, isLabel := p.labels[name]
	p.mu.RUnlock()

	switch {
	case isField:
	case isLabel:
		return fmt.Errorf("%w: %s", connection.ErrReadOnly, name)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownBinding, name)
	}

	if p.mgr.State() != connection.StateConnected {
		return connection.ErrNotConnected
	}

	f.Edit(value)
	return nil
}
