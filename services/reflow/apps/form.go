// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apps

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/reflow/services/reflow/script"
)

var (
	countries = []string{"United States", "Canada", "United Kingdom", "Australia", "Other"}
	interests = []string{"Data Science", "Web Development", "DevOps", "Machine Learning", "Cloud Computing"}
)

// registration is what the form collects.
type registration struct {
	FirstName  string   `cbor:"first_name"`
	LastName   string   `cbor:"last_name"`
	Email      string   `cbor:"email"`
	Age        int64    `cbor:"age"`
	Country    string   `cbor:"country"`
	Interests  []string `cbor:"interests"`
	Terms      bool     `cbor:"terms"`
	Newsletter bool     `cbor:"newsletter"`
}

// validate returns the first problem with r, or "".
func (r registration) validate() string {
	switch {
	case r.FirstName == "" || r.LastName == "" || r.Email == "":
		return "Please fill in all required fields"
	case !strings.Contains(r.Email, "@"):
		return "Email address looks invalid"
	case r.Age < 13:
		return "You must be at least 13 to register"
	case !r.Terms:
		return "You must agree to the terms and conditions"
	default:
		return ""
	}
}

// Form is a registration form validated on submit.
func Form(ui *script.UI) error {
	ui.Title("User Registration")
	ui.Markdown("Fill out the form below to register")

	tabs := ui.Tabs([]string{"Details", "Preview"}, script.Key("form_tabs"))
	details := tabs[0]

	var r registration
	details.Subheader("Personal Information")
	cols := details.Columns(2)
	r.FirstName = strings.TrimSpace(cols[0].TextInput("First Name", "", script.Key("first_name")))
	r.LastName = strings.TrimSpace(cols[1].TextInput("Last Name", "", script.Key("last_name")))
	r.Email = strings.TrimSpace(details.TextInput("Email", "", script.Key("email")))

	details.Subheader("Preferences")
	r.Age = details.IntInput("Age", 18, script.Key("age"))
	r.Country = details.SelectBox("Country", countries, 0, script.Key("country"))
	r.Interests = details.MultiSelect("Interests", interests, nil, script.Key("interests"))

	details.Subheader("Terms")
	r.Terms = details.Checkbox("I agree to the terms and conditions", false, script.Key("terms"))
	r.Newsletter = details.Checkbox("Subscribe to newsletter", true, script.Key("newsletter"))

	tabs[1].JSON(r)

	notes := ui.Sidebar().TextArea("Notes", "", script.Key("notes"), script.Help("Kept for this session only"))
	if notes != "" {
		ui.Sidebar().Caption(fmt.Sprintf("%d characters of notes", len(notes)))
	}

	if ui.Button("Register", script.Key("register_btn")) {
		if problem := r.validate(); problem != "" {
			ui.Error(problem)
			return nil
		}
		ui.Success("Registration successful")
		ui.Markdown(fmt.Sprintf("Welcome, %s %s! A confirmation email has been sent to %s.", r.FirstName, r.LastName, r.Email))
		ui.Logger().Info("apps.form: registered", "country", r.Country, "interests", len(r.Interests))
	}
	return nil
}
