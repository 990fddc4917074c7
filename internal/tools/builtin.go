package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RegisterBuiltins adds the local tools every session starts with.
func RegisterBuiltins(r *Registry) {
	r.Register(&Tool{
		Name:        "calculator",
		Description: "Performs basic arithmetic operations",
		Parameters: map[string]any{
			"operation": "string: add, subtract, multiply, or divide",
			"a":         "number: first operand",
			"b":         "number: second operand",
		},
		Transport: TransportLocal,
		Handler:   handleCalculator,
	})

	r.Register(&Tool{
		Name:        "datetime",
		Description: "Get current date and time in various formats",
		Parameters: map[string]any{
			"format": "string: 'short', 'long', 'iso', or 'timestamp' (default: long)",
		},
		Transport: TransportLocal,
		Handler:   handleDateTime,
	})
}

func handleCalculator(ctx context.Context, args map[string]any) (string, error) {
	operation, _ := args["operation"].(string)
	a := toFloat(args["a"])
	b := toFloat(args["b"])

	var result float64
	switch operation {
	case "add":
		result = a + b
	case "subtract":
		result = a - b
	case "multiply":
		result = a * b
	case "divide":
		if b == 0 {
			return "", fmt.Errorf("division by zero")
		}
		result = a / b
	default:
		return "", fmt.Errorf("unknown operation: %q", operation)
	}

	out, err := json.Marshal(map[string]any{
		"result":    result,
		"operation": operation,
		"a":         a,
		"b":         b,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func handleDateTime(ctx context.Context, args map[string]any) (string, error) {
	format, _ := args["format"].(string)
	now := time.Now()

	var resp map[string]any
	switch format {
	case "short":
		resp = map[string]any{
			"date": now.Format("2006-01-02"),
			"time": now.Format("15:04:05"),
		}
	case "iso":
		resp = map[string]any{
			"datetime": now.Format(time.RFC3339),
		}
	case "timestamp":
		resp = map[string]any{
			"timestamp": now.UnixMilli(),
		}
	default:
		zone, _ := now.Zone()
		resp = map[string]any{
			"date":     now.Format("Monday, January 2, 2006"),
			"time":     now.Format("3:04:05 PM"),
			"timezone": zone,
		}
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// toFloat coerces a decoded JSON value to float64. Models sometimes
// send numeric arguments as strings.
func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		var f float64
		fmt.Sscanf(n, "%g", &f)
		return f
	default:
		return 0
	}
}
