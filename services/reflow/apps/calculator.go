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
	"strconv"

	"github.com/AleutianAI/reflow/services/reflow/script"
)

var operations = []string{"Add", "Subtract", "Multiply", "Divide"}

// Calculator applies an arithmetic operation to two numbers.
func Calculator(ui *script.UI) error {
	ui.Title("Calculator")
	ui.Markdown("Perform basic arithmetic operations")

	a := ui.NumberInput("First number", 0, script.Key("num1"))
	b := ui.NumberInput("Second number", 0, script.Key("num2"))
	ui.Divider()
	op := ui.SelectBox("Operation", operations, 0, script.Key("op"))
	ui.Divider()

	var result float64
	switch op {
	case "Add":
		result = a + b
	case "Subtract":
		result = a - b
	case "Multiply":
		result = a * b
	case "Divide":
		if b == 0 {
			ui.Error("Cannot divide by zero")
			return nil
		}
		result = a / b
	}

	ui.Metric("Result", strconv.FormatFloat(result, 'f', 2, 64), "")
	ui.Info(formatNumber(a) + " " + op + " " + formatNumber(b) + " = " + strconv.FormatFloat(result, 'f', 2, 64))
	return nil
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
