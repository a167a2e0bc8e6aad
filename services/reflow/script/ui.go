// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package script

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/AleutianAI/reflow/services/reflow/cache"
	"github.com/AleutianAI/reflow/services/reflow/canon"
	"github.com/AleutianAI/reflow/services/reflow/fault"
	"github.com/AleutianAI/reflow/services/reflow/tree"
	"github.com/AleutianAI/reflow/services/reflow/widgetstate"
)

// Element kinds produced by the UI API.
const (
	KindText        tree.Kind = "text"
	KindMarkdown    tree.Kind = "markdown"
	KindHeading     tree.Kind = "heading"
	KindCaption     tree.Kind = "caption"
	KindCode        tree.Kind = "code"
	KindDivider     tree.Kind = "divider"
	KindAlert       tree.Kind = "alert"
	KindMetric      tree.Kind = "metric"
	KindProgress    tree.Kind = "progress"
	KindJSON        tree.Kind = "json"
	KindButton      tree.Kind = "button"
	KindCheckbox    tree.Kind = "checkbox"
	KindTextInput   tree.Kind = "text_input"
	KindTextArea    tree.Kind = "text_area"
	KindNumberInput tree.Kind = "number_input"
	KindSlider      tree.Kind = "slider"
	KindSelectBox   tree.Kind = "selectbox"
	KindRadio       tree.Kind = "radio"
	KindMultiSelect tree.Kind = "multiselect"
	KindContainer   tree.Kind = "container"
	KindColumns     tree.Kind = "columns"
	KindColumn      tree.Kind = "column"
	KindExpander    tree.Kind = "expander"
	KindSidebar     tree.Kind = "sidebar"
	KindTabs        tree.Kind = "tabs"
	KindTab         tree.Kind = "tab"
)

// sidebarKey is the fixed identity of the sidebar under the root.
const sidebarKey = "sidebar"

// Payload is the canonical CBOR content of one element. Clients render
// from it and the reconciler compares it byte for byte.
type Payload struct {
	Label string           `cbor:"label,omitempty"`
	Body  string           `cbor:"body,omitempty"`
	Value canon.RawMessage `cbor:"value,omitempty"`
	Props map[string]any   `cbor:"props,omitempty"`
}

// =============================================================================
// Options
// =============================================================================

// Option adjusts a single declaration.
type Option func(*options)

type options struct {
	key      string
	help     string
	disabled bool
}

// Key gives the element an explicit identity among its siblings. Keys
// keep widget state attached to the element when siblings are inserted
// or reordered before it.
func Key(k string) Option {
	return func(o *options) { o.key = k }
}

// Help attaches a tooltip.
func Help(text string) Option {
	return func(o *options) { o.help = text }
}

// Disabled renders a widget read-only.
func Disabled() Option {
	return func(o *options) { o.disabled = true }
}

func collect(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// =============================================================================
// UI
// =============================================================================

// run is the per-rerun state shared by every UI handle of one execution.
type run struct {
	ctx     context.Context
	builder *tree.Builder
	txn     *widgetstate.Txn
	trigger map[string]widgetstate.Value
	cache   *cache.DataCache
	logger  *slog.Logger
	sidebar int
	diags   []fault.Diagnostic
	err     error
}

// fail records the first authoring error; it turns the run into a fault.
func (r *run) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// UI is the handle a script declares elements through. Container methods
// return handles bound to the new container; declarations on a handle
// append children to its element in call order.
//
// A UI is only valid during the run that created it and must not be
// shared between goroutines.
type UI struct {
	r      *run
	parent int
}

// Context returns the run's context. It is cancelled when the run times
// out or the session shuts down.
func (u *UI) Context() context.Context {
	return u.r.ctx
}

// Logger returns the session logger.
func (u *UI) Logger() *slog.Logger {
	return u.r.logger
}

// add declares a node under u. A failed add returns false and the run
// becomes a fault.
func (u *UI) add(kind tree.Kind, key string) (int, bool) {
	idx, err := u.r.builder.Add(u.parent, kind, key)
	if err != nil {
		u.r.fail(err)
		return 0, false
	}
	return idx, true
}

func (u *UI) emit(idx int, p Payload) {
	data, err := canon.Marshal(p)
	if err != nil {
		u.r.fail(fmt.Errorf("encode %s payload: %w", u.r.builder.Path(idx), err))
		return
	}
	u.r.builder.SetPayload(idx, data)
}

func (u *UI) element(kind tree.Kind, p Payload, opts []Option) {
	o := collect(opts)
	idx, ok := u.add(kind, o.key)
	if !ok {
		return
	}
	p.Props = withCommon(p.Props, o)
	u.emit(idx, p)
}

func (u *UI) container(kind tree.Kind, key string, p Payload) *UI {
	idx, ok := u.add(kind, key)
	if !ok {
		return &UI{r: u.r, parent: u.parent}
	}
	u.emit(idx, p)
	return &UI{r: u.r, parent: idx}
}

func withCommon(props map[string]any, o options) map[string]any {
	if o.help == "" && !o.disabled {
		return props
	}
	if props == nil {
		props = make(map[string]any, 2)
	}
	if o.help != "" {
		props["help"] = o.help
	}
	if o.disabled {
		props["disabled"] = true
	}
	return props
}

// =============================================================================
// Display elements
// =============================================================================

// Text shows plain text.
func (u *UI) Text(body string, opts ...Option) {
	u.element(KindText, Payload{Body: body}, opts)
}

// Markdown shows markdown source.
func (u *UI) Markdown(body string, opts ...Option) {
	u.element(KindMarkdown, Payload{Body: body}, opts)
}

// Title shows a level 1 heading.
func (u *UI) Title(text string, opts ...Option) {
	u.heading(1, text, opts)
}

// Header shows a level 2 heading.
func (u *UI) Header(text string, opts ...Option) {
	u.heading(2, text, opts)
}

// Subheader shows a level 3 heading.
func (u *UI) Subheader(text string, opts ...Option) {
	u.heading(3, text, opts)
}

func (u *UI) heading(level int, text string, opts []Option) {
	u.element(KindHeading, Payload{Body: text, Props: map[string]any{"level": level}}, opts)
}

// Caption shows small secondary text.
func (u *UI) Caption(text string, opts ...Option) {
	u.element(KindCaption, Payload{Body: text}, opts)
}

// Code shows a source block. language may be empty.
func (u *UI) Code(src, language string, opts ...Option) {
	var props map[string]any
	if language != "" {
		props = map[string]any{"language": language}
	}
	u.element(KindCode, Payload{Body: src, Props: props}, opts)
}

// Divider shows a horizontal rule.
func (u *UI) Divider(opts ...Option) {
	u.element(KindDivider, Payload{}, opts)
}

// Success shows a green callout.
func (u *UI) Success(text string, opts ...Option) { u.alert("success", text, opts) }

// Info shows a blue callout.
func (u *UI) Info(text string, opts ...Option) { u.alert("info", text, opts) }

// Warning shows a yellow callout.
func (u *UI) Warning(text string, opts ...Option) { u.alert("warning", text, opts) }

// Error shows a red callout. It does not fail the run.
func (u *UI) Error(text string, opts ...Option) { u.alert("error", text, opts) }

func (u *UI) alert(level, text string, opts []Option) {
	u.element(KindAlert, Payload{Body: text, Props: map[string]any{"level": level}}, opts)
}

// Metric shows a labelled figure with an optional delta.
func (u *UI) Metric(label, value, delta string, opts ...Option) {
	var props map[string]any
	if delta != "" {
		props = map[string]any{"delta": delta}
	}
	u.element(KindMetric, Payload{Label: label, Body: value, Props: props}, opts)
}

// Progress shows a bar; frac is clamped to [0, 1].
func (u *UI) Progress(frac float64, opts ...Option) {
	frac = min(max(frac, 0), 1)
	u.element(KindProgress, Payload{Props: map[string]any{"fraction": frac}}, opts)
}

// JSON shows a structured value. v must be CBOR-encodable.
func (u *UI) JSON(v any, opts ...Option) {
	data, err := canon.Marshal(v)
	if err != nil {
		u.r.fail(fmt.Errorf("json element: %w", err))
		return
	}
	u.element(KindJSON, Payload{Value: data}, opts)
}

// =============================================================================
// Widgets
// =============================================================================

// declare registers a stateful widget and resolves its value for this run:
// a pending client value for the identity is applied before the read.
func (u *UI) declare(kind tree.Kind, o options, def widgetstate.Value) (int, widgetstate.Value, bool) {
	idx, ok := u.add(kind, o.key)
	if !ok {
		return 0, def, false
	}
	path := u.r.builder.Path(idx)
	v, _ := u.r.txn.GetOrInit(path, def)
	if ev, ok := u.r.trigger[path]; ok {
		if err := u.r.txn.Set(path, ev); err == nil {
			v = ev
		} else {
			v = def
		}
	}
	return idx, v, true
}

// decode reads v into out, falling back to def when the bytes do not
// decode. The entry is reset so the bad value does not persist.
func (u *UI) decode(idx int, v, def widgetstate.Value, out any) widgetstate.Value {
	if err := v.Decode(out); err == nil {
		return v
	}
	path := u.r.builder.Path(idx)
	u.r.diags = append(u.r.diags, fault.Diagnostic{
		Code:     fault.CodeStateTypeMismatch,
		Identity: path,
		Message:  fmt.Sprintf("undecodable %s value; reset to default", v.Type),
	})
	_ = u.r.txn.Set(path, def)
	_ = def.Decode(out)
	return def
}

// replace stores a normalized value for the widget at idx.
func (u *UI) replace(idx int, v widgetstate.Value) widgetstate.Value {
	_ = u.r.txn.Set(u.r.builder.Path(idx), v)
	return v
}

func (u *UI) widgetPayload(idx int, label string, v widgetstate.Value, props map[string]any, o options) {
	u.emit(idx, Payload{Label: label, Value: v.Data, Props: withCommon(props, o)})
}

// Button reports whether the button was clicked since the previous run.
// The click is consumed by this run.
func (u *UI) Button(label string, opts ...Option) bool {
	o := collect(opts)
	def := widgetstate.Trigger(false)
	idx, v, ok := u.declare(KindButton, o, def)
	if !ok {
		return false
	}
	var clicked bool
	u.decode(idx, v, def, &clicked)
	u.emit(idx, Payload{Label: label, Props: withCommon(nil, o)})
	return clicked
}

// Checkbox returns the checked state.
func (u *UI) Checkbox(label string, def bool, opts ...Option) bool {
	o := collect(opts)
	dv := widgetstate.Bool(def)
	idx, v, ok := u.declare(KindCheckbox, o, dv)
	if !ok {
		return def
	}
	var checked bool
	v = u.decode(idx, v, dv, &checked)
	u.widgetPayload(idx, label, v, nil, o)
	return checked
}

// TextInput returns a single line of text.
func (u *UI) TextInput(label, def string, opts ...Option) string {
	return u.text(KindTextInput, label, def, opts)
}

// TextArea returns multi-line text.
func (u *UI) TextArea(label, def string, opts ...Option) string {
	return u.text(KindTextArea, label, def, opts)
}

func (u *UI) text(kind tree.Kind, label, def string, opts []Option) string {
	o := collect(opts)
	dv := widgetstate.String(def)
	idx, v, ok := u.declare(kind, o, dv)
	if !ok {
		return def
	}
	var s string
	v = u.decode(idx, v, dv, &s)
	u.widgetPayload(idx, label, v, nil, o)
	return s
}

// NumberInput returns a float.
func (u *UI) NumberInput(label string, def float64, opts ...Option) float64 {
	o := collect(opts)
	dv := widgetstate.Float(def)
	idx, v, ok := u.declare(KindNumberInput, o, dv)
	if !ok {
		return def
	}
	var f float64
	v = u.decode(idx, v, dv, &f)
	u.widgetPayload(idx, label, v, nil, o)
	return f
}

// IntInput returns an integer.
func (u *UI) IntInput(label string, def int64, opts ...Option) int64 {
	o := collect(opts)
	dv := widgetstate.Int(def)
	idx, v, ok := u.declare(KindNumberInput, o, dv)
	if !ok {
		return def
	}
	var n int64
	v = u.decode(idx, v, dv, &n)
	u.widgetPayload(idx, label, v, map[string]any{"integer": true}, o)
	return n
}

// Slider returns a float in [lo, hi]. Out of range values are clamped and
// stored clamped.
func (u *UI) Slider(label string, lo, hi, def float64, opts ...Option) float64 {
	if lo > hi {
		lo, hi = hi, lo
	}
	o := collect(opts)
	dv := widgetstate.Float(min(max(def, lo), hi))
	idx, v, ok := u.declare(KindSlider, o, dv)
	if !ok {
		return def
	}
	var f float64
	v = u.decode(idx, v, dv, &f)
	if c := min(max(f, lo), hi); c != f {
		f = c
		v = u.replace(idx, widgetstate.Float(f))
	}
	u.widgetPayload(idx, label, v, map[string]any{"min": lo, "max": hi}, o)
	return f
}

// SelectBox returns one of choices, initially choices[defIndex]. A value
// that is not among choices falls back to the default.
func (u *UI) SelectBox(label string, choices []string, defIndex int, opts ...Option) string {
	return u.choice(KindSelectBox, label, choices, defIndex, opts)
}

// Radio is SelectBox rendered as radio buttons.
func (u *UI) Radio(label string, choices []string, defIndex int, opts ...Option) string {
	return u.choice(KindRadio, label, choices, defIndex, opts)
}

func (u *UI) choice(kind tree.Kind, label string, choices []string, defIndex int, opts []Option) string {
	var def string
	if defIndex >= 0 && defIndex < len(choices) {
		def = choices[defIndex]
	}
	o := collect(opts)
	dv := widgetstate.String(def)
	idx, v, ok := u.declare(kind, o, dv)
	if !ok {
		return def
	}
	var s string
	v = u.decode(idx, v, dv, &s)
	if !slices.Contains(choices, s) {
		s = def
		v = u.replace(idx, dv)
	}
	u.widgetPayload(idx, label, v, map[string]any{"options": choices}, o)
	return s
}

// MultiSelect returns the selected subset of choices in choice order.
func (u *UI) MultiSelect(label string, choices, def []string, opts ...Option) []string {
	o := collect(opts)
	dv := widgetstate.Strings(keep(choices, def))
	idx, v, ok := u.declare(KindMultiSelect, o, dv)
	if !ok {
		return keep(choices, def)
	}
	var picked []string
	v = u.decode(idx, v, dv, &picked)
	if kept := keep(choices, picked); !slices.Equal(kept, picked) {
		picked = kept
		v = u.replace(idx, widgetstate.Strings(picked))
	}
	u.widgetPayload(idx, label, v, map[string]any{"options": choices}, o)
	return picked
}

// keep returns the members of picked that appear in choices, ordered as in
// choices. It never returns nil.
func keep(choices, picked []string) []string {
	out := []string{}
	for _, c := range choices {
		if slices.Contains(picked, c) {
			out = append(out, c)
		}
	}
	return out
}

// =============================================================================
// Layout
// =============================================================================

// Container groups elements.
func (u *UI) Container(opts ...Option) *UI {
	o := collect(opts)
	return u.container(KindContainer, o.key, Payload{Props: withCommon(nil, o)})
}

// Columns lays out n side-by-side columns and returns one handle each.
func (u *UI) Columns(n int, opts ...Option) []*UI {
	n = max(n, 0)
	o := collect(opts)
	row := u.container(KindColumns, o.key, Payload{Props: map[string]any{"count": n}})
	cols := make([]*UI, 0, n)
	for range n {
		cols = append(cols, row.container(KindColumn, "", Payload{}))
	}
	return cols
}

// Expander groups elements under a collapsible label.
func (u *UI) Expander(label string, expanded bool, opts ...Option) *UI {
	o := collect(opts)
	return u.container(KindExpander, o.key, Payload{Label: label, Props: map[string]any{"expanded": expanded}})
}

// Tabs lays out one tab per label and returns one handle each.
func (u *UI) Tabs(labels []string, opts ...Option) []*UI {
	o := collect(opts)
	set := u.container(KindTabs, o.key, Payload{})
	tabs := make([]*UI, 0, len(labels))
	for _, l := range labels {
		tabs = append(tabs, set.container(KindTab, "", Payload{Label: l}))
	}
	return tabs
}

// Sidebar returns the handle of the page sidebar. Every call in a run
// returns the same element, created on first use under the root.
func (u *UI) Sidebar() *UI {
	if u.r.sidebar == 0 {
		idx, err := u.r.builder.Add(0, KindSidebar, sidebarKey)
		if err != nil {
			u.r.fail(err)
			return u
		}
		u.r.sidebar = idx
	}
	return &UI{r: u.r, parent: u.r.sidebar}
}

// =============================================================================
// Cached data
// =============================================================================

// Cached memoizes compute under key across reruns and sessions. Without a
// configured cache it always computes. See cache.Fetch.
func Cached[T any](u *UI, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	return cache.Fetch(u.r.ctx, u.r.cache, key, ttl, compute)
}
