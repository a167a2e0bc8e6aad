// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apps holds the demo scripts served by `reflow serve --app`.
package apps

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/reflow/services/reflow/script"
)

// ErrUnknownApp is returned by Lookup for unregistered names.
var ErrUnknownApp = errors.New("apps: unknown app")

// App is a named demo script.
type App struct {
	Name        string
	Description string
	Script      script.Script
}

var registry = map[string]App{}

func register(a App) {
	if _, dup := registry[a.Name]; dup {
		panic("apps: duplicate app " + a.Name)
	}
	registry[a.Name] = a
}

func init() {
	register(App{Name: "hello", Description: "Greets you by name", Script: Hello})
	register(App{Name: "counter", Description: "Integer input with a goal tracker", Script: Counter})
	register(App{Name: "calculator", Description: "Two-operand arithmetic", Script: Calculator})
	register(App{Name: "form", Description: "Registration form with validation", Script: Form})
	register(App{Name: "explorer", Description: "Filters a cached synthetic dataset", Script: Explorer})
	register(App{Name: "gallery", Description: "Multi-page app hosting the other demos", Script: Gallery})
}

// Names returns the registered app names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Lookup returns the app registered under name.
func Lookup(name string) (App, error) {
	a, ok := registry[strings.ToLower(name)]
	if !ok {
		return App{}, fmt.Errorf("%w: %q (have %s)", ErrUnknownApp, name, strings.Join(Names(), ", "))
	}
	return a, nil
}

// Hello greets the user and reacts to a button.
func Hello(ui *script.UI) error {
	ui.Title("Hello, reflow")
	ui.Markdown("Every change below reruns this script from the top.")

	name := ui.TextInput("What's your name?", "World", script.Key("name"))
	shout := ui.Checkbox("Shout", false, script.Key("shout"))

	greeting := fmt.Sprintf("Hello, %s!", name)
	if shout {
		greeting = strings.ToUpper(greeting)
	}
	ui.Text(greeting)

	if ui.Button("Click me", script.Key("hello_btn")) {
		ui.Success("Button clicked")
	}
	ui.Divider()
	ui.Caption("Widget values persist across reruns by identity.")
	return nil
}

// Counter tracks an integer against a goal.
func Counter(ui *script.UI) error {
	ui.Title("Counter")

	side := ui.Sidebar()
	goal := side.IntInput("Goal", 10, script.Key("goal"))
	if goal < 1 {
		side.Warning("Goal must be positive; using 1.")
		goal = 1
	}

	count := ui.IntInput("Count", 0, script.Key("count"))
	delta := ""
	if count > 0 {
		delta = fmt.Sprintf("%d to go", max(goal-count, 0))
	}
	ui.Metric("Count", fmt.Sprintf("%d", count), delta)
	ui.Progress(float64(count) / float64(goal))
	if count >= goal {
		ui.Success("Goal reached")
	}
	return nil
}

// Gallery serves three demos as pages of one app. Each page keeps its own
// widget identities under the page container.
func Gallery(ui *script.UI) error {
	_, err := ui.Navigation([]script.Page{
		{Name: "counter", Title: "Counter", Render: Counter},
		{Name: "calculator", Title: "Calculator", Render: Calculator},
		{Name: "form", Title: "Registration", Render: Form},
	})
	return err
}
