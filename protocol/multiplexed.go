package protocol

import "strings"

// MultiplexedSeparator joins a service name and a method name in a multiplexed call.
const MultiplexedSeparator = ":"

// MultiplexedName returns the method name used on the wire when calling method on service.
func MultiplexedName(service string, method string) string {
	return service + MultiplexedSeparator + method
}

// SplitMultiplexedName splits a multiplexed method name. ok is false when name carries no
// service prefix.
func SplitMultiplexedName(name string) (service string, method string, ok bool) {
	service, method, ok = strings.Cut(name, MultiplexedSeparator)
	if !ok {
		return "", name, false
	}

	return service, method, true
}
