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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/reflow/services/reflow/fault"
	"github.com/AleutianAI/reflow/services/reflow/widgetstate"
)

func twoPages(rendered *[]string) []Page {
	return []Page{
		{Name: "home", Title: "Home", Icon: "*", Render: func(ui *UI) error {
			*rendered = append(*rendered, "home")
			ui.Text("welcome")
			return nil
		}},
		{Name: "settings", Render: func(ui *UI) error {
			*rendered = append(*rendered, "settings")
			ui.Checkbox("Dark", false, Key("dark"))
			return nil
		}},
	}
}

func TestNavigation_DefaultsToFirstPage(t *testing.T) {
	var rendered []string
	e := NewExecutor(func(ui *UI) error {
		_, err := ui.Navigation(twoPages(&rendered))
		return err
	})
	res := mustRun(t, e, widgetstate.NewStore(1), Trigger{})

	assert.Equal(t, []string{"home"}, rendered)
	assert.Equal(t, []string{
		"sidebar",
		"sidebar/navigation#0",
		"page:home",
		"page:home/text#0",
	}, paths(res.Tree))

	nav := payloadAt(t, res.Tree, "sidebar/navigation#0")
	pages, ok := nav.Props["pages"].([]any)
	require.True(t, ok, "got %T", nav.Props["pages"])
	require.Len(t, pages, 2)
	second, ok := pages[1].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "settings", second["title"], "title defaults to the name")
	assert.Equal(t, "Home", payloadAt(t, res.Tree, "page:home").Label)
}

func TestNavigation_SwitchAndPersist(t *testing.T) {
	var rendered []string
	var current []string
	e := NewExecutor(func(ui *UI) error {
		name, err := ui.Navigation(twoPages(&rendered))
		current = append(current, name)
		return err
	})
	store := widgetstate.NewStore(1)

	mustRun(t, e, store, Trigger{})
	res := mustRun(t, e, store, values("sidebar/navigation#0", widgetstate.String("settings")))
	_, onSettings := res.Tree.Lookup("page:settings/dark")
	_, onHome := res.Tree.Lookup("page:home")
	assert.True(t, onSettings)
	assert.False(t, onHome)

	mustRun(t, e, store, Trigger{})
	mustRun(t, e, store, values("sidebar/navigation#0", widgetstate.String("missing")))

	assert.Equal(t, []string{"home", "settings", "settings", "home"}, current)
	assert.Equal(t, []string{"home", "settings", "settings", "home"}, rendered)
}

func TestNavigation_RenderErrorIsScriptFault(t *testing.T) {
	boom := errors.New("page broke")
	e := NewExecutor(func(ui *UI) error {
		_, err := ui.Navigation([]Page{{Name: "only", Render: func(*UI) error { return boom }}})
		return err
	})
	_, err := e.Run(context.Background(), widgetstate.NewStore(1), Trigger{})
	require.ErrorIs(t, err, fault.ErrScriptFault)
	assert.ErrorIs(t, err, boom)
}

func TestNavigation_InvalidPages(t *testing.T) {
	tests := []struct {
		name  string
		pages []Page
		want  error
	}{
		{"no pages", nil, ErrNoPages},
		{"duplicate names", []Page{{Name: "a"}, {Name: "a"}}, ErrDuplicatePage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExecutor(func(ui *UI) error {
				_, err := ui.Navigation(tt.pages)
				return err
			})
			_, err := e.Run(context.Background(), widgetstate.NewStore(1), Trigger{})
			require.ErrorIs(t, err, fault.ErrScriptFault)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
