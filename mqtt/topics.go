// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package mqtt

import (
	"fmt"
	"strings"
)

// Topics builds topic names under a prefix.
//
//	t := Topics{Prefix: "miio"}
//	t.State("lamp", "power") // miio/lamp/power/state
type Topics struct {
	Prefix string
}

// Status is the bridge's own online/offline topic (also the will topic).
func (t Topics) Status() string {
	return t.Prefix + "/bridge/status"
}

// Availability is a device's retained online/offline topic.
func (t Topics) Availability(device string) string {
	return fmt.Sprintf("%s/%s/availability", t.Prefix, segment(device))
}

// State is an entity's retained JSON state topic.
func (t Topics) State(device, entity string) string {
	return fmt.Sprintf("%s/%s/%s/state", t.Prefix, segment(device), segment(entity))
}

// Command is an entity's command topic.
func (t Topics) Command(device, entity string) string {
	return fmt.Sprintf("%s/%s/%s/set", t.Prefix, segment(device), segment(entity))
}

// CommandFilter matches the command topic of every entity.
func (t Topics) CommandFilter() string {
	return t.Prefix + "/+/+/set"
}

// ParseCommand extracts device and entity from a command topic.
func (t Topics) ParseCommand(topic string) (device, entity string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.Prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// segment makes a name safe to use as a single topic level.
func segment(name string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(name)
}
