package attributes

import "go.opentelemetry.io/otel/propagation"

var _ propagation.TextMapCarrier = Carrier(nil)

// Carrier exposes the string attributes of a message to OpenTelemetry
// propagators. Set writes String attributes.
type Carrier MessageAttributes

func (c Carrier) Get(key string) string {
	return MessageAttributes(c).GetString(key)
}

func (c Carrier) Set(key, value string) {
	c[key] = String(value)
}

func (c Carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k, v := range c {
		if !v.IsBinary() {
			keys = append(keys, k)
		}
	}
	return keys
}
