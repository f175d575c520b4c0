// Package ui provides headless display elements for bindings and an HTTP
// handler that exposes them.
//
// A Field is an editable element: Edit simulates a user typing a value and
// fires the change callback installed by the Connection Manager. A Label is
// read-only and only displays what it is given.
package ui

import (
	"sync"
	"time"
)

// Label is a read-only element.
type Label struct {
	mu        sync.RWMutex
	text      string
	updatedAt time.Time
}

// NewLabel creates an empty Label.
func NewLabel() *Label {
	return &Label{}
}

// Display shows text.
func (l *Label) Display(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.text = text
	l.updatedAt = time.Now()
}

// Text returns what is currently shown.
func (l *Label) Text() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.text
}

// UpdatedAt returns when Display was last called.
func (l *Label) UpdatedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.updatedAt
}

// Field is an editable element.
type Field struct {
	Label

	cbMu     sync.RWMutex
	onChange func(string)
}

// NewField creates an empty Field.
func NewField() *Field {
	return &Field{}
}

// OnChange installs the callback fired by Edit.
func (f *Field) OnChange(fn func(string)) {
	f.cbMu.Lock()
	defer f.cbMu.Unlock()
	f.onChange = fn
}

// Edit shows text as the user typed it and reports the change.
func (f *Field) Edit(text string) {
	f.Display(text)

	f.cbMu.RLock()
	fn := f.onChange
	f.cbMu.RUnlock()

	if fn != nil {
		fn(text)
	}
}
