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
	"errors"
	"fmt"
	"slices"

	"github.com/AleutianAI/reflow/services/reflow/tree"
	"github.com/AleutianAI/reflow/services/reflow/widgetstate"
)

// Navigation element kinds.
const (
	KindNavigation tree.Kind = "navigation"
	KindPage       tree.Kind = "page"
)

// pageKeyPrefix namespaces page containers among their siblings.
const pageKeyPrefix = "page:"

var (
	// ErrNoPages is a fault raised by Navigation without pages.
	ErrNoPages = errors.New("navigation needs at least one page")

	// ErrDuplicatePage is a fault raised when two pages share a name.
	ErrDuplicatePage = errors.New("duplicate page name")
)

// Page is one page of a multi-page app.
type Page struct {
	// Name identifies the page in widget state and in the tree.
	Name string

	// Title is shown in the page selector. Empty uses Name.
	Title string

	// Icon is an optional glyph shown next to the title.
	Icon string

	// Render declares the page body.
	Render func(ui *UI) error
}

// Navigation renders a page selector in the sidebar and the selected
// page's body below u.
//
// # Description
//
// The selection is a string widget holding the page name; the first page
// is the default and an unknown stored name falls back to it. The body is
// declared inside a container keyed by the page name, so switching pages
// removes the old page's subtree and its widget state ages out like any
// undeclared widget.
//
// # Outputs
//
//   - string: Name of the rendered page, "" when pages is invalid.
//   - error: The page's Render error. Invalid pages fail the run instead.
func (u *UI) Navigation(pages []Page, opts ...Option) (string, error) {
	if len(pages) == 0 {
		u.r.fail(ErrNoPages)
		return "", nil
	}
	names := make([]string, 0, len(pages))
	titles := make([]string, 0, len(pages))
	listing := make([]map[string]any, 0, len(pages))
	for _, p := range pages {
		if slices.Contains(names, p.Name) {
			u.r.fail(fmt.Errorf("%w: %q", ErrDuplicatePage, p.Name))
			return "", nil
		}
		title := p.Title
		if title == "" {
			title = p.Name
		}
		names = append(names, p.Name)
		titles = append(titles, title)
		entry := map[string]any{"name": p.Name, "title": title}
		if p.Icon != "" {
			entry["icon"] = p.Icon
		}
		listing = append(listing, entry)
	}

	o := collect(opts)
	dv := widgetstate.String(names[0])
	nav := u.Sidebar()
	idx, v, ok := nav.declare(KindNavigation, o, dv)
	if !ok {
		return "", nil
	}
	var current string
	v = nav.decode(idx, v, dv, &current)
	if !slices.Contains(names, current) {
		current = names[0]
		v = nav.replace(idx, dv)
	}
	nav.widgetPayload(idx, "", v, map[string]any{"pages": listing}, o)

	i := slices.Index(names, current)
	page := pages[i]
	body := u.container(KindPage, pageKeyPrefix+page.Name, Payload{Label: titles[i]})
	if page.Render == nil {
		return current, nil
	}
	return current, page.Render(body)
}
