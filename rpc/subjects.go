package rpc

import (
	"strings"

	"github.com/arloliu/solo/types"
)

const (
	rpcPrefix   = "rpc"
	eventPrefix = "events"
)

// Subject returns the queue-group subject of a method.
func Subject(service types.ServiceName, method string) string {
	return rpcPrefix + "." + string(service) + "." + method
}

// DirectSubject returns the subject that reaches one instance.
func DirectSubject(service types.ServiceName, method string, instance types.InstanceID) string {
	return Subject(service, method) + "." + string(instance)
}

// EventSubject returns the broadcast subject of an event.
func EventSubject(domain, eventType string) string {
	return eventPrefix + "." + domain + "." + eventType
}

// validMethod reports whether method is a single subject token.
func validMethod(method string) bool {
	return method != "" && !strings.ContainsAny(method, ".*> \t\r\n")
}
