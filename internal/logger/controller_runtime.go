package logger

import (
	"github.com/go-logr/logr"
	"github.com/rs/zerolog"
)

// ControllerRuntimeAdapter adapts the zerolog-based logger to
// controller-runtime's logr interface
type ControllerRuntimeAdapter struct {
	name    string
	context map[string]interface{}
}

// NewControllerRuntimeLogger creates a logr.Logger backed by zerolog
func NewControllerRuntimeLogger() logr.Logger {
	return logr.New(&ControllerRuntimeAdapter{
		context: make(map[string]interface{}),
	})
}

// Init implements logr.LogSink
func (a *ControllerRuntimeAdapter) Init(info logr.RuntimeInfo) {}

// Enabled implements logr.LogSink. Controller-runtime uses higher numbers
// for more verbose logs; anything above 1 maps to debug.
func (a *ControllerRuntimeAdapter) Enabled(level int) bool {
	if level > 1 {
		return zerolog.GlobalLevel() <= zerolog.DebugLevel
	}
	return true
}

// Info implements logr.LogSink
func (a *ControllerRuntimeAdapter) Info(level int, msg string, keysAndValues ...interface{}) {
	event := Info()
	if level > 1 {
		event = Debug()
	}
	a.apply(event, keysAndValues).Msg(msg)
}

// Error implements logr.LogSink
func (a *ControllerRuntimeAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.apply(Error().Err(err), keysAndValues).Msg(msg)
}

func (a *ControllerRuntimeAdapter) apply(event *zerolog.Event, keysAndValues []interface{}) *zerolog.Event {
	for k, v := range a.context {
		event.Interface(k, v)
	}
	if a.name != "" {
		event.Str("logger", a.name)
	}
	for i := 0; i < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = "unknown_key"
		}
		var value interface{} = "missing_value"
		if i+1 < len(keysAndValues) {
			value = keysAndValues[i+1]
		}
		event.Interface(key, value)
	}
	return event
}

// WithValues implements logr.LogSink
func (a *ControllerRuntimeAdapter) WithValues(keysAndValues ...interface{}) logr.LogSink {
	newContext := make(map[string]interface{}, len(a.context)+len(keysAndValues)/2)
	for k, v := range a.context {
		newContext[k] = v
	}
	for i := 0; i < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = "unknown_key"
		}
		var value interface{} = "missing_value"
		if i+1 < len(keysAndValues) {
			value = keysAndValues[i+1]
		}
		newContext[key] = value
	}
	return &ControllerRuntimeAdapter{name: a.name, context: newContext}
}

// WithName implements logr.LogSink
func (a *ControllerRuntimeAdapter) WithName(name string) logr.LogSink {
	newName := name
	if a.name != "" {
		newName = a.name + "." + name
	}
	return &ControllerRuntimeAdapter{name: newName, context: a.context}
}
